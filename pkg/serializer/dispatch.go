package serializer

import (
	"slices"
	"time"

	"github.com/marmos91/extentdb/internal/debug"
	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/pkg/account"
)

type writeReq struct {
	id    BlockID
	loc   location
	seq   uint64
	buf   []byte
	sum   uint64
	acct  account.Account
	cb    func(error)
	start time.Time

	// reloc marks a collector copy; it commits only if the block is still
	// at from with the same seq.
	reloc bool
	from  location
}

type readReq struct {
	id    BlockID
	loc   location
	sum   uint64
	ahead []aheadBlock
	acct  account.Account
	cb    func([]byte, error)
	start time.Time
}

type aheadBlock struct {
	id  BlockID
	seq uint64
	sum uint64
}

// ioReq is the dispatcher element: exactly one of write and read is set.
type ioReq struct {
	write *writeReq
	read  *readReq
}

type deleteReq struct {
	id    BlockID
	slots []location
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *Serializer) submitWrite(w *writeReq) {
	s.dispatch.Push(w.acct, ioReq{write: w})
	s.pump()
}

func (s *Serializer) submitRead(id BlockID, e *entry, acct account.Account, withAhead bool, cb func([]byte, error)) {
	r := &readReq{
		id:    id,
		loc:   e.loc,
		sum:   e.sum,
		acct:  acct,
		cb:    cb,
		start: time.Now(),
	}

	ext := s.extents[e.loc.extent]
	if withAhead {
		limit := min(int(e.loc.slot)+s.cfg.IOBatchFactor, len(ext.slots))
		for slot := int(e.loc.slot) + 1; slot < limit; slot++ {
			if ext.slots[slot] != slotLive {
				break
			}
			owner := s.blocks[ext.owner[slot]]
			r.ahead = append(r.ahead, aheadBlock{id: ext.owner[slot], seq: owner.seq, sum: owner.sum})
		}
	}

	// Pin the extent so the slots stay intact until the read completes.
	ext.readers++
	s.dispatch.Push(acct, ioReq{read: r})
	s.pump()
}

// pump moves requests from the dispatcher to the blocker pool while fewer
// than maxJobs data jobs are running.
func (s *Serializer) pump() {
	for s.jobs < s.maxJobs {
		_, batch, ok := s.dispatch.Next()
		if !ok {
			return
		}

		var writes []*writeReq
		for _, req := range batch {
			if req.read != nil {
				s.startRead(req.read)
				continue
			}
			writes = append(writes, req.write)
		}
		s.startWrites(writes)
	}
}

// startWrites groups writes by extent. Writes to an extent with a running
// job wait behind it, so jobs for one extent never overlap.
func (s *Serializer) startWrites(writes []*writeReq) {
	var order []uint32
	groups := make(map[uint32][]*writeReq)
	for _, w := range writes {
		if _, ok := groups[w.loc.extent]; !ok {
			order = append(order, w.loc.extent)
		}
		groups[w.loc.extent] = append(groups[w.loc.extent], w)
	}

	for _, idx := range order {
		ext := s.extents[idx]
		if ext.busy {
			ext.waiting = append(ext.waiting, groups[idx]...)
			continue
		}
		s.startWriteJob(ext, groups[idx])
	}
}

func (s *Serializer) startWriteJob(ext *extent, reqs []*writeReq) {
	ext.busy = true
	s.jobs++
	s.pool.DoJob(&writeJob{s: s, ext: ext, reqs: reqs})
}

func (s *Serializer) startRead(r *readReq) {
	s.jobs++
	s.pool.DoJob(&readJob{s: s, req: r})
}

// ============================================================================
// Data jobs
// ============================================================================

type writeJob struct {
	s    *Serializer
	ext  *extent
	reqs []*writeReq
	err  error
	at   location
}

// Run writes each run of adjacent slots with a single WriteAt.
func (j *writeJob) Run() {
	slices.SortFunc(j.reqs, func(a, b *writeReq) int {
		return int(a.loc.slot) - int(b.loc.slot)
	})

	bs := j.s.cfg.BlockSize
	for i := 0; i < len(j.reqs); {
		k := i + 1
		for k < len(j.reqs) && j.reqs[k].loc.slot == j.reqs[k-1].loc.slot+1 {
			k++
		}

		var err error
		if k-i == 1 {
			err = j.s.data.writeAt(j.reqs[i].buf, j.reqs[i].loc)
		} else {
			run := j.s.bufs.Get((k - i) * bs)
			for n, w := range j.reqs[i:k] {
				copy(run[n*bs:], w.buf)
			}
			err = j.s.data.writeAt(run, j.reqs[i].loc)
			j.s.bufs.Put(run)
		}
		if err != nil {
			j.err, j.at = err, j.reqs[i].loc
			return
		}

		for _, w := range j.reqs[i:k] {
			w.sum = checksum(w.buf)
		}
		i = k
	}
}

func (j *writeJob) Done() {
	s := j.s
	if j.err != nil {
		debug.Fatal("serializer: device write failed",
			logger.KeyExtent, j.at.extent,
			logger.KeySlot, j.at.slot,
			logger.KeyError, j.err)
	}

	s.jobs--
	j.ext.busy = false
	for _, w := range j.reqs {
		s.bufs.Put(w.buf)
		w.buf = nil
		s.stats.writes++
		if s.metrics != nil {
			s.metrics.ObserveWrite(w.acct.Name, s.cfg.BlockSize, time.Since(w.start))
		}
	}
	s.toCommit = append(s.toCommit, j.reqs...)

	if len(j.ext.waiting) > 0 {
		next := j.ext.waiting
		j.ext.waiting = nil
		s.startWriteJob(j.ext, next)
	}

	s.pump()
	s.maybeCommit()
}

type readJob struct {
	s   *Serializer
	req *readReq
	buf []byte
	err error
}

func (j *readJob) Run() {
	n := 1 + len(j.req.ahead)
	j.buf = j.s.bufs.Get(n * j.s.cfg.BlockSize)
	j.err = j.s.data.readAt(j.buf, j.req.loc)
}

func (j *readJob) Done() {
	s, r := j.s, j.req
	defer s.bufs.Put(j.buf)

	if j.err != nil {
		debug.Fatal("serializer: device read failed",
			logger.KeyBlockID, uint64(r.id),
			logger.KeyExtent, r.loc.extent,
			logger.KeySlot, r.loc.slot,
			logger.KeyError, j.err)
	}

	bs := s.cfg.BlockSize
	if sum := checksum(j.buf[:bs]); sum != r.sum {
		debug.Fatal("serializer: block checksum mismatch",
			logger.BlockID(uint64(r.id)),
			logger.Extent(r.loc.extent),
			logger.Slot(r.loc.slot),
			logger.KeyChecksum, sum)
	}

	s.jobs--
	s.stats.reads++
	if s.metrics != nil {
		s.metrics.ObserveRead(r.acct.Name, len(j.buf), time.Since(r.start))
	}

	r.cb(j.buf[:bs], nil)

	for i, a := range r.ahead {
		data := j.buf[(i+1)*bs : (i+2)*bs]
		if checksum(data) != a.sum {
			debug.Fatal("serializer: block checksum mismatch",
				logger.KeyBlockID, uint64(a.id),
				logger.KeyExtent, r.loc.extent,
				logger.KeySlot, r.loc.slot+uint32(i+1))
		}
		// Skip blocks rewritten or freed since the read was queued.
		if e, ok := s.blocks[a.id]; !ok || e.seq != a.seq || s.readAhead == nil {
			continue
		}
		s.stats.readAheads++
		s.readAhead(a.id, data)
	}

	ext := s.extents[r.loc.extent]
	ext.readers--
	s.maybeRelease(ext)

	s.pump()
	s.checkDrained()
}

// ============================================================================
// Index commit
// ============================================================================

type commitJob struct {
	s        *Serializer
	batch    *commitBatch
	accepted []*writeReq
	callback []*writeReq
	deletes  []*deleteReq
	sync     bool
	err      error
	start    time.Time
}

// maybeCommit starts an index commit unless one is running. Only one commit
// is in flight at a time, so records are applied in issue order.
func (s *Serializer) maybeCommit() {
	if s.committing || s.index == nil {
		return
	}
	if len(s.toCommit) == 0 && len(s.toDelete) == 0 && s.nextID == s.persistedNext {
		return
	}

	// Claim the pending records first: dropping a write can release an
	// extent and re-enter the collector.
	s.committing = true
	writes, deletes := s.toCommit, s.toDelete
	s.toCommit, s.toDelete = nil, nil

	job := &commitJob{
		s:       s,
		batch:   &commitBatch{puts: make(map[BlockID]record)},
		deletes: deletes,
		start:   time.Now(),
	}

	best := make(map[BlockID]*writeReq)
	for _, w := range writes {
		job.callback = append(job.callback, w)
		if !s.acceptable(w) {
			s.dropWrite(w)
			continue
		}
		if prev, ok := best[w.id]; ok {
			if w.seq <= prev.seq {
				s.dropWrite(w)
				continue
			}
			s.dropWrite(prev)
		}
		best[w.id] = w
	}
	for id, w := range best {
		job.batch.puts[id] = record{loc: w.loc, seq: w.seq, sum: w.sum}
		job.accepted = append(job.accepted, w)
	}
	for _, d := range deletes {
		job.batch.deletes = append(job.batch.deletes, d.id)
	}
	if s.nextID != s.persistedNext {
		job.batch.nextID = s.nextID
	}
	job.sync = len(job.accepted) > 0

	s.pool.DoJob(job)
}

// acceptable filters stale versions. A normal write must be newer than the
// committed version; a relocation must still describe it exactly.
func (s *Serializer) acceptable(w *writeReq) bool {
	e, ok := s.blocks[w.id]
	if !ok {
		return false
	}
	if w.reloc {
		return e.committed && e.seq == w.seq && e.loc == w.from
	}
	return !e.committed || w.seq > e.seq
}

// dropWrite discards a version that will never be referenced by the index.
func (s *Serializer) dropWrite(w *writeReq) {
	ext := s.extents[w.loc.extent]
	ext.slots[w.loc.slot] = slotGarbage
	ext.inflight--
	s.maybeRelease(ext)
}

func (j *commitJob) Run() {
	if j.sync {
		if err := j.s.data.sync(); err != nil {
			j.err = err
			return
		}
	}
	j.err = j.s.index.apply(j.batch)
}

func (j *commitJob) Done() {
	s := j.s
	if j.err != nil {
		debug.Fatal("serializer: index commit failed",
			logger.KeyBatch, len(j.accepted)+len(j.deletes),
			logger.KeyError, j.err)
	}

	s.committing = false
	s.stats.commits++
	if j.batch.nextID != 0 {
		s.persistedNext = j.batch.nextID
	}

	for _, w := range j.accepted {
		s.install(w)
	}
	for _, d := range j.deletes {
		delete(s.pendingDeletes, d.id)
		for _, loc := range d.slots {
			ext := s.extents[loc.extent]
			ext.unpersisted--
			s.maybeRelease(ext)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveCommit(len(j.accepted)+len(j.deletes), time.Since(j.start))
	}

	for _, w := range j.callback {
		if w.cb != nil {
			w.cb(nil)
		}
	}

	s.recordExtents()
	s.maybeCommit()
	s.maybeGC()
	s.checkDrained()
}

// install makes a durable version current.
func (s *Serializer) install(w *writeReq) {
	ext := s.extents[w.loc.extent]
	ext.inflight--

	e, ok := s.blocks[w.id]
	if !ok {
		// Freed while the commit was in flight: the index references this
		// slot until the pending delete commits.
		ext.slots[w.loc.slot] = slotGarbage
		ext.unpersisted++
		if d, ok := s.pendingDeletes[w.id]; ok {
			d.slots = append(d.slots, w.loc)
		} else {
			debug.Fatal("serializer: committed block has no pending delete", logger.KeyBlockID, uint64(w.id))
		}
		return
	}

	if e.committed && e.loc != w.loc {
		old := s.extents[e.loc.extent]
		old.slots[e.loc.slot] = slotGarbage
		old.live--
		s.maybeRelease(old)
	}

	e.loc, e.seq, e.sum, e.committed = w.loc, w.seq, w.sum, true
	ext.slots[w.loc.slot] = slotLive
	ext.owner[w.loc.slot] = w.id
	ext.live++

	if ext.state == extentCollecting {
		s.relocate(w.id)
	}
}
