package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/extentdb/internal/bytesize"
	"github.com/marmos91/extentdb/internal/cli/output"
	"github.com/marmos91/extentdb/pkg/engine"
	"github.com/marmos91/extentdb/pkg/serializer"
)

var statExtents bool

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show store, cache and serializer statistics",
	Long: `Open the store, print a snapshot of every layer and close it again.

The store must not be running; query GET /stats on a running engine instead.

Examples:
  # Human-readable summary
  extentdb stat

  # Include per-extent liveness, as JSON
  extentdb stat --extents -o json`,
	RunE: runStat,
}

func init() {
	statCmd.Flags().BoolVar(&statExtents, "extents", false, "Include per-extent liveness")
}

// statReport is what stat prints.
type statReport struct {
	Dir      string                  `json:"dir"`
	Metainfo map[string]string       `json:"metainfo"`
	Stats    engine.Stats            `json:"stats"`
	Extents  []serializer.ExtentInfo `json:"extents,omitempty"`
}

func runStat(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ShutdownTimeout)
	defer cancel()

	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	report, err := collectReport(ctx, e, statExtents)
	if closeErr := e.Close(ctx); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	report.Dir = cfg.Engine.Dir

	if p.Format() != output.FormatTable {
		return p.Print(report)
	}
	return printReport(p, report)
}

func collectReport(ctx context.Context, e *engine.Engine, withExtents bool) (statReport, error) {
	st, err := e.Stats(ctx)
	if err != nil {
		return statReport{}, err
	}
	r := statReport{
		Metainfo: make(map[string]string),
		Stats:    st,
	}
	for k, v := range e.Metainfo() {
		r.Metainfo[k] = string(v)
	}
	if withExtents {
		if r.Extents, err = e.Extents(ctx); err != nil {
			return statReport{}, err
		}
	}
	return r, nil
}

func printReport(p *output.Printer, r statReport) error {
	info, cs, ss := r.Stats.Info, r.Stats.Cache, r.Stats.Serializer

	store := [][2]string{
		{"Directory", r.Dir},
		{"UUID", info.UUID.String()},
		{"Created", info.Created.Format(time.RFC3339)},
		{"Block size", bytesize.ByteSize(info.BlockSize).String()},
		{"Extent size", bytesize.ByteSize(info.ExtentSize).String()},
	}
	keys := make([]string, 0, len(r.Metainfo))
	for k := range r.Metainfo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		store = append(store, [2]string{"meta." + k, r.Metainfo[k]})
	}
	if err := p.Section("store", store); err != nil {
		return err
	}

	if err := p.Section("serializer", [][2]string{
		{"Blocks", strconv.Itoa(ss.Blocks)},
		{"Extents", fmt.Sprintf("%d (%d free, %d active, %d sealed, %d collecting)",
			ss.Extents, ss.FreeExtents, ss.ActiveExtents, ss.SealedExtents, ss.CollectingExtents)},
		{"Live slots", strconv.Itoa(ss.LiveSlots)},
		{"Garbage slots", strconv.Itoa(ss.GarbageSlots)},
		{"Live ratio", fmt.Sprintf("%.3f", ss.LiveRatio)},
		{"File size", bytesize.ByteSize(ss.FileSize).String()},
		{"GC active", strconv.FormatBool(ss.GCActive)},
	}); err != nil {
		return err
	}

	if err := p.Section("cache", [][2]string{
		{"Pages", fmt.Sprintf("%d (%d pinned, %d dirty)", cs.Pages, cs.Pinned, cs.DirtyPages)},
		{"Used", fmt.Sprintf("%s / %s", bytesize.ByteSize(cs.UsedBytes), bytesize.ByteSize(cs.MaxSize))},
		{"Write-back", cs.State},
		{"Hits / misses", fmt.Sprintf("%d / %d", cs.Hits, cs.Misses)},
		{"Evictions", strconv.FormatUint(cs.Evictions, 10)},
	}); err != nil {
		return err
	}

	ic := r.Stats.IndexCache
	if err := p.Section("index cache", [][2]string{
		{"Block hits / misses", fmt.Sprintf("%d / %d", ic.BlockHits, ic.BlockMisses)},
		{"Index hits / misses", fmt.Sprintf("%d / %d", ic.IndexHits, ic.IndexMisses)},
	}); err != nil {
		return err
	}

	if len(r.Stats.Counters) > 0 {
		t := output.NewTable("Index", "Counter", "Total", "Rate/s")
		for _, s := range r.Stats.Counters {
			t.AddRow(s.Collection, s.Counter, strconv.FormatUint(s.Total, 10), fmt.Sprintf("%.1f", s.Rate))
		}
		if err := p.Print(t); err != nil {
			return err
		}
		p.Printf("\n")
	}

	if len(r.Extents) > 0 {
		t := output.NewTable("Extent", "State", "Live", "Slots", "Ratio")
		for _, x := range r.Extents {
			t.AddRow(strconv.Itoa(x.Index), x.State, strconv.Itoa(x.Live), strconv.Itoa(x.Slots), fmt.Sprintf("%.3f", x.Ratio))
		}
		return p.Print(t)
	}
	return nil
}
