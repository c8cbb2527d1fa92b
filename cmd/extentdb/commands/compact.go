package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/extentdb/internal/cli/output"
	"github.com/marmos91/extentdb/pkg/engine"
	"github.com/marmos91/extentdb/pkg/serializer"
)

var compactTimeout time.Duration

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reconcile extent liveness and collect garbage",
	Long: `Open the store, recompute every extent's live count from the block index,
then run garbage collection over every sealed extent whose live ratio is
below serializer.gc_high_ratio and wait for it to finish.

The store must not be running.`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().DurationVar(&compactTimeout, "timeout", 10*time.Minute, "Maximum time to wait for collection")
}

type compactReport struct {
	Reconcile serializer.ReconcileResult `json:"reconcile"`
	Before    serializer.Stats           `json:"before"`
	After     serializer.Stats           `json:"after"`
	Duration  string                     `json:"duration"`
}

func runCompact(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), compactTimeout)
	defer cancel()

	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	report, err := compact(ctx, e)
	if closeErr := e.Close(ctx); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	if p.Format() != output.FormatTable {
		return p.Print(report)
	}
	return p.Section("compaction", [][2]string{
		{"Extents", fmt.Sprint(report.Reconcile.Extents)},
		{"Drifted", fmt.Sprint(report.Reconcile.Drifted)},
		{"Live ratio", fmt.Sprintf("%.3f -> %.3f", report.Before.LiveRatio, report.After.LiveRatio)},
		{"Garbage slots", fmt.Sprintf("%d -> %d", report.Before.GarbageSlots, report.After.GarbageSlots)},
		{"Free extents", fmt.Sprintf("%d -> %d", report.Before.FreeExtents, report.After.FreeExtents)},
		{"Duration", report.Duration},
	})
}

// compact runs a compaction and polls until the collector goes idle.
func compact(ctx context.Context, e *engine.Engine) (compactReport, error) {
	start := time.Now()
	before, err := e.Stats(ctx)
	if err != nil {
		return compactReport{}, err
	}

	rec, err := e.Compact(ctx)
	if err != nil {
		return compactReport{}, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		after, err := e.Stats(ctx)
		if err != nil {
			return compactReport{}, err
		}
		if !after.Serializer.GCActive {
			return compactReport{
				Reconcile: rec,
				Before:    before.Serializer,
				After:     after.Serializer,
				Duration:  time.Since(start).Round(time.Millisecond).String(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return compactReport{}, fmt.Errorf("waiting for garbage collection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
