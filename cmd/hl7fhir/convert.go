package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/pkg/workerpool"
)

type convertFlags struct {
	templates  string
	timeZone   string
	pretty     bool
	validate   bool
	bundleType string
	tenant     string
	baseURL    string
	props      map[string]string
	out        string
	workers    int
}

// converted is the outcome of one input file
type converted struct {
	path   string
	bundle []byte
	err    error
}

func convertCmd(a *app) *cobra.Command {
	f := &convertFlags{}
	cmd := &cobra.Command{
		Use:   "convert [file...]",
		Short: "Convert HL7 v2 message files to FHIR bundles",
		Long: `Convert each file, one message per file, to a FHIR R4 bundle.
A single "-" reads the message from standard input. Without --out the
bundles are written to standard output in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runConvert(ctx, cmd, f, args)
		},
	}

	cmd.Flags().StringVar(&f.templates, "templates", "", "Template directory (messages/, resources/, tables/); default is the embedded set")
	cmd.Flags().StringVar(&f.timeZone, "tz", "", "IANA time zone for timestamps without an offset")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "Indent the bundle JSON")
	cmd.Flags().BoolVar(&f.validate, "validate", false, "Validate produced resources")
	cmd.Flags().StringVar(&f.bundleType, "bundle-type", "collection", "Bundle type: collection or transaction")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "Tenant recorded on produced resources")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "FHIR base URL for fullUrl and references instead of urn:uuid")
	cmd.Flags().StringToStringVar(&f.props, "prop", nil, "Template property as name=value (repeatable)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Directory to write <name>.json bundles into")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Concurrent conversions; default from WORKERS")
	return cmd
}

func (f *convertFlags) options() engine.Options {
	props := make(map[string]string, len(f.props)+2)
	for k, v := range f.props {
		props[k] = v
	}
	if f.tenant != "" {
		props[engine.PropertyTenant] = f.tenant
	}
	if f.baseURL != "" {
		props[engine.PropertyBaseURL] = f.baseURL
	}
	return engine.Options{
		Validate:   f.validate,
		Pretty:     f.pretty,
		TimeZone:   f.timeZone,
		BundleType: f.bundleType,
		Properties: props,
	}
}

func (a *app) runConvert(ctx context.Context, cmd *cobra.Command, f *convertFlags, args []string) error {
	templates := f.templates
	if templates == "" {
		templates = a.cfg.TemplatesDir
	}
	conv, err := engine.NewFromDir(templates, a.cfg.TimeZone, nil, a.logger)
	if err != nil {
		return err
	}

	if f.out != "" {
		if err := os.MkdirAll(f.out, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	results, err := a.convertAll(ctx, conv, f, args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(stderr, "%s: %v\n", r.path, r.err)
			continue
		}
		if f.out == "" {
			if _, err := stdout.Write(append(r.bundle, '\n')); err != nil {
				return err
			}
			continue
		}
		target := filepath.Join(f.out, outputName(r.path))
		if err := os.WriteFile(target, r.bundle, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		a.logger.Debug("bundle written", zap.String("input", r.path), zap.String("output", target))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d messages failed to convert", failed, len(results))
	}
	return nil
}

// convertAll runs the conversions on a worker pool and returns the outcomes
// in argument order
func (a *app) convertAll(ctx context.Context, conv *engine.Converter, f *convertFlags, paths []string, stdin io.Reader) ([]converted, error) {
	opts := f.options()

	var piped []byte
	for _, p := range paths {
		if p == "-" {
			if piped != nil {
				return nil, errors.New("standard input can only be read once")
			}
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("read standard input: %w", err)
			}
			piped = data
		}
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = f.workers
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = a.cfg.Workers
	}
	poolCfg.QueueSize = len(paths)

	pool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		path := task.Payload.(string)
		raw := piped
		if path != "-" {
			data, err := os.ReadFile(path)
			if err != nil {
				return &workerpool.Result{Error: err}
			}
			raw = data
		}
		bundle, err := conv.ConvertRaw(ctx, raw, opts)
		if err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true, Data: bundle}
	}, a.logger)
	if err != nil {
		return nil, err
	}
	pool.Start()

	out := make([]converted, len(paths))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range pool.Results() {
			i, _ := strconv.Atoi(r.TaskID)
			out[i].err = r.Error
			if b, ok := r.Data.([]byte); ok {
				out[i].bundle = b
			}
		}
	}()

	var submitErr error
	for i, p := range paths {
		out[i].path = p
		task := &workerpool.Task{ID: strconv.Itoa(i), Payload: p, Context: ctx}
		if err := pool.SubmitBlocking(ctx, task); err != nil {
			submitErr = err
			break
		}
	}
	if err := pool.Stop(); err != nil {
		a.logger.Warn("worker pool stop", zap.Error(err))
	}
	<-collected

	if submitErr != nil {
		return nil, submitErr
	}
	return out, nil
}

func outputName(path string) string {
	if path == "-" {
		return "stdin.json"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".json"
}
