// Package main provides the hl7fhir command line tool: batch conversion of
// HL7 v2 files, template inspection and topic administration.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/config"
)

const serviceName = "hl7fhir"

// app carries what every subcommand shares
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:          "hl7fhir",
		Short:        "Convert HL7 v2 messages to FHIR R4 bundles",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			cfg, err := config.Load(serviceName, envFile)
			if err != nil {
				return err
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				cfg.LogLevel = "debug"
			} else if !cmd.Flags().Changed("env-file") && os.Getenv("LOG_LEVEL") == "" {
				cfg.LogLevel = "warn"
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.PersistentFlags().String("env-file", os.Getenv("ENV_FILE"), "Path to an env file with configuration")
	root.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")

	root.AddCommand(convertCmd(a))
	root.AddCommand(templatesCmd(a))
	root.AddCommand(topicsCmd(a))
	return root
}
