package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/template"
)

func templatesCmd(a *app) *cobra.Command {
	var dir string

	load := func() (*template.Registry, error) {
		if dir == "" {
			dir = a.cfg.TemplatesDir
		}
		conv, err := engine.NewFromDir(dir, a.cfg.TimeZone, nil, a.logger)
		if err != nil {
			return nil, err
		}
		return conv.Registry(), nil
	}

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect the loaded templates",
	}
	cmd.PersistentFlags().StringVar(&dir, "templates", "", "Template directory; default is the embedded set")

	// templates list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List supported trigger events, or resource templates with --resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := load()
			if err != nil {
				return err
			}
			names := reg.Triggers()
			if resources, _ := cmd.Flags().GetBool("resources"); resources {
				names = reg.Resources()
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
	listCmd.Flags().Bool("resources", false, "List resource templates instead of triggers")
	cmd.AddCommand(listCmd)

	// templates show
	showCmd := &cobra.Command{
		Use:   "show <trigger>",
		Short: "Show the entries evaluated for a trigger event, e.g. ADT^A01",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := load()
			if err != nil {
				return err
			}
			trigger := strings.ReplaceAll(args[0], "_", "^")
			msg, ok := reg.Message(trigger)
			if !ok {
				return fmt.Errorf("no template serves %s", trigger)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", msg.Name, msg.File)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEMPLATE\tRESOURCE\tSOURCE\tREPEATS\tMANDATORY")
			for _, e := range msg.Entries {
				source := e.Segment
				if e.Group != "" {
					source = e.Group
				}
				if source == "" {
					source = "-"
				}
				resourceType := "-"
				if r := e.Resource(); r != nil {
					resourceType = r.ResourceType
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", e.Template, resourceType, source, e.Repeats, e.Mandatory)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(showCmd)

	return cmd
}
