package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/template"
	"github.com/drfirst/hl7fhir/internal/terminology"
)

// NewFromDir creates a converter for a deployment whose templates live in
// dir (messages/ and resources/). YAML tables in dir/tables overlay the
// shipped terminology. An empty dir selects the embedded content.
func NewFromDir(dir, timeZone string, observer Observer, logger *zap.Logger) (*Converter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Config{Observer: observer, TimeZone: timeZone}
	if dir == "" {
		return New(cfg, logger)
	}

	fsys := os.DirFS(dir)
	reg, err := template.Load(fsys)
	if err != nil {
		return nil, fmt.Errorf("load templates from %s: %w", dir, err)
	}
	cfg.Registry = reg

	tables, err := terminology.DefaultTables()
	if err != nil {
		return nil, fmt.Errorf("load terminology tables: %w", err)
	}
	if _, err := fs.Stat(fsys, "tables"); err == nil {
		overlay, err := terminology.LoadTables(fsys, "tables")
		if err != nil {
			return nil, fmt.Errorf("load terminology tables from %s: %w", dir, err)
		}
		tables.Merge(overlay)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s/tables: %w", dir, err)
	}
	if cfg.Terminology, err = terminology.NewResolver(tables, logger); err != nil {
		return nil, fmt.Errorf("build terminology resolver: %w", err)
	}

	logger.Info("templates loaded",
		zap.String("dir", dir),
		zap.Int("triggers", len(reg.Triggers())),
		zap.Int("resources", len(reg.Resources())))
	return New(cfg, logger)
}
