package serializer

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/extentdb/internal/debug"
	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/internal/telemetry"
	"github.com/marmos91/extentdb/pkg/account"
	"go.opentelemetry.io/otel/trace"
)

// gcAccount tags collector reads and relocation writes.
var gcAccount = account.MustNew(account.GC, account.DefaultGCPriority, 1)

// gcState is the collector's hysteresis state. active stays set from the
// moment a sealed extent drops below GCLowRatio until the aggregate live
// ratio of sealed extents reaches GCHighRatio or no candidate remains.
type gcState struct {
	active     bool
	forced     bool
	collecting *extent
	pending    int
	relocated  int
	started    time.Time
	span       trace.Span
}

// maybeGC advances the collector. It collects one extent at a time.
func (s *Serializer) maybeGC() {
	if s.draining || s.gc.collecting != nil {
		return
	}

	if !s.gc.active {
		low := s.lowExtent()
		if low == nil {
			return
		}
		s.startGC(fmt.Sprintf("extent %d below low ratio", low.idx))
	}

	if ratio := s.sealedRatio(); ratio >= s.cfg.GCHighRatio && !s.gc.forced {
		s.stopGC("high ratio reached", ratio)
		return
	}

	candidate := s.candidate()
	if candidate == nil {
		s.stopGC("no candidates", s.sealedRatio())
		return
	}
	s.collect(candidate)
}

// CollectNow starts a collection pass regardless of GCLowRatio. The pass
// drains every sealed extent whose live ratio is below GCHighRatio.
func (s *Serializer) CollectNow() {
	if s.draining {
		return
	}
	if !s.gc.active {
		s.startGC("requested")
	}
	s.gc.forced = true
	s.maybeGC()
}

func (s *Serializer) startGC(reason string) {
	s.gc.active = true
	s.gc.started = time.Now()
	s.gc.relocated = 0
	_, s.gc.span = telemetry.StartGCSpan(context.Background(), reason,
		telemetry.Extents(len(s.extents)), telemetry.LiveRatio(s.sealedRatio()))
	logger.Info("gc started", logger.KeyOperation, "gc", "reason", reason, logger.KeyLiveRatio, s.sealedRatio())
}

func (s *Serializer) stopGC(reason string, ratio float64) {
	if !s.gc.active {
		return
	}
	logger.Info("gc stopped",
		logger.KeyOperation, "gc",
		"reason", reason,
		logger.KeyLiveRatio, ratio,
		logger.KeyRelocated, s.gc.relocated,
		logger.KeyDurationMs, logger.Duration(s.gc.started))
	if s.gc.span != nil {
		s.gc.span.SetAttributes(telemetry.Relocated(s.gc.relocated), telemetry.LiveRatio(ratio))
		s.gc.span.End()
		s.gc.span = nil
	}
	s.gc.active = false
	s.gc.forced = false
}

// lowExtent returns a quiesced sealed extent below GCLowRatio.
func (s *Serializer) lowExtent() *extent {
	for _, ext := range s.extents {
		if ext.state == extentSealed && ext.inflight == 0 && ext.ratio() < s.cfg.GCLowRatio {
			return ext
		}
	}
	return nil
}

// candidate returns the quiesced sealed extent with the fewest held slots
// among those below GCHighRatio.
func (s *Serializer) candidate() *extent {
	var best *extent
	for _, ext := range s.extents {
		if ext.state != extentSealed || ext.inflight > 0 || ext.ratio() >= s.cfg.GCHighRatio {
			continue
		}
		if best == nil || ext.held() < best.held() {
			best = ext
		}
	}
	return best
}

// sealedRatio is the aggregate live ratio over sealed and collecting
// extents, recomputed from the per-extent held counts. 1 when there are none.
func (s *Serializer) sealedRatio() float64 {
	var live, total int
	for _, ext := range s.extents {
		if ext.state == extentSealed || ext.state == extentCollecting {
			live += ext.held()
			total += len(ext.slots)
		}
	}
	if total == 0 {
		return 1
	}
	return float64(live) / float64(total)
}

// collect starts relocating every live block out of ext.
func (s *Serializer) collect(ext *extent) {
	ext.state = extentCollecting
	s.gc.collecting = ext

	var ids []BlockID
	for slot, st := range ext.slots {
		switch st {
		case slotReserved:
			// The first write of this block goes to an active extent instead.
			if e, ok := s.blocks[ext.owner[slot]]; ok {
				e.hasReserve = false
			}
			ext.slots[slot] = slotGarbage
			ext.reserved--
		case slotLive:
			ids = append(ids, ext.owner[slot])
		}
	}

	logger.Debug("gc collecting extent",
		logger.KeyExtent, ext.idx,
		logger.KeyLiveRatio, ext.ratio(),
		logger.KeyCount, len(ids))

	for _, id := range ids {
		s.relocate(id)
	}
	s.maybeRelease(ext)
}

// relocate copies the committed version of id through the normal write path.
// The copy keeps the block's seq and commits only if the block has not been
// rewritten or freed in the meantime.
func (s *Serializer) relocate(id BlockID) {
	e, ok := s.blocks[id]
	if !ok || !e.committed {
		return
	}
	from, seq := e.loc, e.seq

	s.gc.pending++
	s.submitRead(id, e, gcAccount, false, func(data []byte, err error) {
		if err != nil {
			s.relocationDone()
			return
		}
		cur, ok := s.blocks[id]
		if !ok || cur.loc != from || cur.seq != seq {
			s.relocationDone()
			return
		}

		loc := s.takeSlot(id, slotInflight)
		s.submitWrite(&writeReq{
			id:    id,
			loc:   loc,
			seq:   seq,
			buf:   s.blockBuffer(data),
			acct:  gcAccount,
			start: time.Now(),
			reloc: true,
			from:  from,
			cb: func(error) {
				s.gc.relocated++
				s.stats.relocated++
				if s.metrics != nil {
					s.metrics.RecordRelocation(1)
				}
				s.relocationDone()
			},
		})
	})
}

func (s *Serializer) relocationDone() {
	s.gc.pending--
	debug.Assert(s.gc.pending >= 0, "serializer: relocation count underflow", logger.KeyOutstanding, s.gc.pending)
	s.checkDrained()
}

// finishCollection returns a fully drained extent to the free pool and
// resumes the collector.
func (s *Serializer) finishCollection(ext *extent) {
	ext.reset()
	s.free = append(s.free, ext.idx)
	if s.gc.collecting == ext {
		s.gc.collecting = nil
	}
	s.stats.collected++
	if s.metrics != nil {
		s.metrics.RecordCollection()
	}
	logger.Debug("gc freed extent", logger.Extent(ext.idx))

	s.recordExtents()
	s.maybeGC()
	s.checkDrained()
}

// ============================================================================
// Reconciliation
// ============================================================================

// ReconcileResult reports what Reconcile corrected.
type ReconcileResult struct {
	Extents int `json:"extents"`
	Drifted int `json:"drifted"`
	Slots   int `json:"slots"`
}

// Reconcile recomputes every extent's liveness from the authoritative block
// map and corrects any drift in the per-extent counters.
func (s *Serializer) Reconcile() ReconcileResult {
	owners := make([]map[uint32]BlockID, len(s.extents))
	for id, e := range s.blocks {
		if !e.committed {
			continue
		}
		if owners[e.loc.extent] == nil {
			owners[e.loc.extent] = make(map[uint32]BlockID)
		}
		owners[e.loc.extent][e.loc.slot] = id
	}

	res := ReconcileResult{Extents: len(s.extents)}
	for i, ext := range s.extents {
		if ext.state == extentFree {
			continue
		}
		fixed := 0
		for slot, st := range ext.slots {
			id, referenced := owners[i][uint32(slot)]
			switch {
			case referenced && st != slotLive:
				ext.slots[slot] = slotLive
				ext.owner[slot] = id
				fixed++
			case !referenced && st == slotLive:
				ext.slots[slot] = slotGarbage
				fixed++
			}
		}
		live := len(owners[i])
		if fixed > 0 || ext.live != live {
			logger.Warn("reconcile corrected extent liveness",
				logger.KeyExtent, ext.idx,
				logger.KeyCount, ext.live,
				"actual", live,
				"slots", fixed)
			ext.live = live
			res.Drifted++
			res.Slots += fixed
		}
	}

	s.recordExtents()
	s.maybeGC()
	return res
}

// ============================================================================
// Statistics
// ============================================================================

// Stats is a point-in-time snapshot of the serializer.
type Stats struct {
	BlockSize         int     `json:"block_size"`
	ExtentSize        int     `json:"extent_size"`
	Extents           int     `json:"extents"`
	FreeExtents       int     `json:"free_extents"`
	ActiveExtents     int     `json:"active_extents"`
	SealedExtents     int     `json:"sealed_extents"`
	CollectingExtents int     `json:"collecting_extents"`
	Blocks            int     `json:"blocks"`
	LiveSlots         int     `json:"live_slots"`
	GarbageSlots      int     `json:"garbage_slots"`
	LiveRatio         float64 `json:"live_ratio"`
	FileSize          int64   `json:"file_size"`
	Pending           int     `json:"pending"`
	GCActive          bool    `json:"gc_active"`
	Reads             uint64  `json:"reads"`
	Writes            uint64  `json:"writes"`
	ReadAheads        uint64  `json:"read_aheads"`
	Commits           uint64  `json:"commits"`
	Relocated         uint64  `json:"relocated"`
	Collected         uint64  `json:"collected"`
}

// Stats returns a snapshot of the serializer state.
func (s *Serializer) Stats() Stats {
	st := Stats{
		BlockSize:  s.cfg.BlockSize,
		ExtentSize: s.cfg.ExtentSize,
		Extents:    len(s.extents),
		Blocks:     len(s.blocks),
		LiveRatio:  s.sealedRatio(),
		FileSize:   s.allocated,
		Pending:    s.dispatch.Len(),
		GCActive:   s.gc.active,
		Reads:      s.stats.reads,
		Writes:     s.stats.writes,
		ReadAheads: s.stats.readAheads,
		Commits:    s.stats.commits,
		Relocated:  s.stats.relocated,
		Collected:  s.stats.collected,
	}
	for _, ext := range s.extents {
		switch ext.state {
		case extentFree:
			st.FreeExtents++
			continue
		case extentActive:
			st.ActiveExtents++
		case extentSealed:
			st.SealedExtents++
		case extentCollecting:
			st.CollectingExtents++
		}
		st.LiveSlots += ext.live
		for _, slot := range ext.slots {
			if slot == slotGarbage {
				st.GarbageSlots++
			}
		}
	}
	return st
}

// ExtentInfo describes one extent.
type ExtentInfo struct {
	Index int     `json:"index"`
	State string  `json:"state"`
	Live  int     `json:"live"`
	Slots int     `json:"slots"`
	Ratio float64 `json:"ratio"`
}

// Extents returns per-extent liveness.
func (s *Serializer) Extents() []ExtentInfo {
	out := make([]ExtentInfo, 0, len(s.extents))
	for _, ext := range s.extents {
		out = append(out, ExtentInfo{
			Index: int(ext.idx),
			State: ext.state.String(),
			Live:  ext.live,
			Slots: len(ext.slots),
			Ratio: ext.ratio(),
		})
	}
	return out
}

// Location returns the committed extent and slot of id.
func (s *Serializer) Location(id BlockID) (extent, slot uint32, err error) {
	e, ok := s.blocks[id]
	if !ok {
		return 0, 0, fmt.Errorf("locate block %d: %w", id, ErrNotFound)
	}
	loc := e.loc
	if !e.committed {
		if !e.hasReserve {
			return 0, 0, fmt.Errorf("locate block %d: %w", id, ErrNotFound)
		}
		loc = e.reserve
	}
	return loc.extent, loc.slot, nil
}

func (s *Serializer) recordExtents() {
	if s.metrics == nil {
		return
	}
	var free, active, sealed, collecting int
	for _, ext := range s.extents {
		switch ext.state {
		case extentFree:
			free++
		case extentActive:
			active++
		case extentSealed:
			sealed++
		case extentCollecting:
			collecting++
		}
	}
	s.metrics.RecordExtents(free, active, sealed, collecting)
	s.metrics.RecordLiveRatio(s.sealedRatio())
}
