package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/medguard/internal/telemetry"
	"github.com/lvonguyen/medguard/internal/telemetry/classification"
	"github.com/lvonguyen/medguard/internal/workflow"
)

func newLogsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch security logs once and print metrics and classified events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			snap, err := a.aggregator.Refresh(cmd.Context(), true)
			if err != nil {
				return fmt.Errorf("failed to refresh security logs: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndented(out, snap)
			}
			return printSnapshot(out, snap, a.classifier)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func printSnapshot(w io.Writer, snap *telemetry.Snapshot, classifier *classification.Classifier) error {
	fmt.Fprintf(w, "Total events:      %d\n", snap.Total)
	fmt.Fprintf(w, "Attacks:           %d\n", snap.AttackCount)
	fmt.Fprintf(w, "Normal:            %d\n", snap.NormalCount)
	fmt.Fprintf(w, "Attack rate:       %.1f%%\n", snap.AttackRatePercent())
	fmt.Fprintf(w, "Mean anomaly:      %.4f\n", snap.MeanAnomalyScore)
	fmt.Fprintf(w, "Last 24h:          %d events, %d attacks\n\n", snap.RecentCount, snap.RecentAttacks)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tEVENTS\tATTACKS")
	for _, kind := range snap.Kinds() {
		ks := snap.ByKind[kind]
		fmt.Fprintf(tw, "%s\t%d\t%d\n", kind, ks.Count, ks.Attacks)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "TIME\tKIND\tSCORE\tSTATUS")
	for _, e := range snap.Events {
		cls := classifier.Classify(e)
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%s\n", e.Timestamp, e.EventKind, e.AnomalyScore, cls.Label)
	}
	return tw.Flush()
}

func newWorkflowCmd() *cobra.Command {
	var selection string

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run load, intersect and predict once",
		Long: `Loads both custodians' record sets, computes their private set intersection
and runs a secure prediction on --select, or on the first shared record when
no identifier is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx := cmd.Context()
			c := a.coordinator

			if _, err := c.LoadRecordSets(ctx); err != nil {
				return fmt.Errorf("load record sets: %w", err)
			}
			st, err := c.ComputeIntersection(ctx)
			if err != nil {
				return fmt.Errorf("compute intersection: %w", err)
			}

			id := selection
			if id == "" {
				inter := st.(workflow.IntersectionComputed).Intersection
				if len(inter.Identifiers) == 0 {
					return writeIndented(cmd.OutOrStdout(), c.View())
				}
				id = inter.Identifiers[0]
			}
			if _, err := c.SelectRecord(id); err != nil {
				return fmt.Errorf("select record: %w", err)
			}
			if _, err := c.RunPrediction(ctx); err != nil {
				return fmt.Errorf("run prediction: %w", err)
			}

			return writeIndented(cmd.OutOrStdout(), c.View())
		},
	}
	cmd.Flags().StringVar(&selection, "select", "", "Shared identifier to predict")
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
