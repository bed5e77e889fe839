package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
)

const adminTimeout = 30 * time.Second

func topicsCmd(a *app) *cobra.Command {
	var brokers []string

	withAdmin := func(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
		if len(brokers) == 0 {
			brokers = a.cfg.KafkaBrokers
		}
		admin, err := redpanda.NewAdmin(brokers, a.logger)
		if err != nil {
			return err
		}
		defer admin.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
		defer cancel()
		return fn(ctx, admin)
	}

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the pipeline topics",
	}
	cmd.PersistentFlags().StringSliceVar(&brokers, "brokers", nil, "Seed brokers; default from KAFKA_BROKERS")

	// topics ensure
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the pipeline topics that do not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx); err != nil {
					return err
				}
				for _, t := range redpanda.DefaultTopicConfigs() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tpartitions=%d\n", t.Name, t.Partitions)
				}
				return nil
			})
		},
	})

	// topics list
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})

	// topics lag
	cmd.AddCommand(&cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag per topic; default group from CONSUMER_GROUP",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := a.cfg.ConsumerGroup
			if len(args) == 1 {
				group = args[0]
			}
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.ConsumerLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lag))
				for t := range lag {
					topics = append(topics, t)
				}
				sort.Strings(topics)
				for _, t := range topics {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", group, t, lag[t])
				}
				return nil
			})
		},
	})

	return cmd
}
