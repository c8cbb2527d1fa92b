// Package serializer implements a log-structured block store.
//
// Blocks are fixed-size and identified by a stable BlockID. Every write
// appends the new version into one of several active extents; the previous
// version is never overwritten in place. The mapping from block id to
// (extent, slot) lives in a badger index committed after the data is durable,
// so a reader always observes either the old or the new complete copy.
//
// Extents whose live ratio falls below GCLowRatio trigger garbage
// collection. The collector relocates live blocks out of the emptiest sealed
// extents until the aggregate live ratio reaches GCHighRatio, then returns
// the drained extents to the free pool.
//
// # Threading
//
// A Serializer is owned by the loop thread of the aio.Queue behind its
// blocker pool. Every method other than Open, Create and Close must be called
// on that thread, and every callback runs there. Blocking file and index I/O
// runs on the pool's workers.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/marmos91/extentdb/internal/debug"
	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/pkg/account"
	"github.com/marmos91/extentdb/pkg/aio"
	"github.com/marmos91/extentdb/pkg/bufpool"
)

// ReadAheadFunc receives blocks fetched speculatively alongside a read.
// data is only valid for the duration of the call.
type ReadAheadFunc func(id BlockID, data []byte)

// Info describes the store identity recorded in the superblock.
type Info struct {
	UUID       uuid.UUID `json:"uuid"`
	Created    time.Time `json:"created"`
	BlockSize  int       `json:"block_size"`
	ExtentSize int       `json:"extent_size"`
}

// Serializer is a log-structured block store. See the package documentation
// for the threading contract.
type Serializer struct {
	cfg     Config
	dir     string
	info    Info
	meta    map[string][]byte
	metrics Metrics

	q     *aio.Queue
	pool  *aio.BlockerPool
	bufs  *bufpool.Pool
	lock  *dirLock
	data  *dataFile
	index *index
	// indexMu guards index against Close for off-loop readers.
	indexMu sync.RWMutex

	blocks        map[BlockID]*entry
	nextID        BlockID
	persistedNext BlockID
	seq           uint64

	extents   []*extent
	free      []uint32
	active    []*extent
	rr        int
	allocated int64

	dispatch *account.Dispatcher[ioReq]
	jobs     int
	maxJobs  int
	growing  int

	toCommit       []*writeReq
	toDelete       []*deleteReq
	pendingDeletes map[BlockID]*deleteReq
	committing     bool

	gc        gcState
	readAhead ReadAheadFunc

	draining bool
	drained  func()

	stats counters
}

type counters struct {
	reads      uint64
	writes     uint64
	commits    uint64
	relocated  uint64
	collected  uint64
	readAheads uint64
}

// Create initializes a new store in dir with the given configuration and
// opaque metainfo. The directory is created if needed.
func Create(dir string, cfg Config, metainfo map[string][]byte) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid serializer config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	lock, err := lockDir(dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.unlock() }()

	ix, err := openIndex(filepath.Join(dir, indexDirName))
	if err != nil {
		return err
	}
	defer func() { _ = ix.close() }()

	if _, err := ix.readSuperblock(); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}

	data, err := openDataFile(dir, &cfg, true)
	if err != nil {
		return err
	}
	if err := data.close(); err != nil {
		return err
	}

	sb := &superblock{
		Magic:      superblockMagic,
		Version:    superblockVersion,
		UUID:       uuid.New(),
		Created:    time.Now().UTC(),
		BlockSize:  cfg.BlockSize,
		ExtentSize: cfg.ExtentSize,
		Config:     cfg,
	}
	if err := ix.initialize(sb, metainfo); err != nil {
		return err
	}

	logger.Info("serializer created",
		logger.KeyPath, dir,
		logger.KeyBlockSize, cfg.BlockSize,
		logger.KeyExtentSize, cfg.ExtentSize)
	return nil
}

// Open opens the store in dir. The block and extent sizes of cfg must match
// the superblock or ErrConfigMismatch is returned. Open does blocking I/O and
// may run on any goroutine; the returned Serializer belongs to the loop
// thread of pool's queue.
func Open(ctx context.Context, dir string, cfg Config, pool *aio.BlockerPool, m Metrics) (*Serializer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid serializer config: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, indexDirName)); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotInitialized
	}

	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	s := &Serializer{
		cfg:            cfg,
		dir:            dir,
		metrics:        m,
		q:              pool.Queue(),
		pool:           pool,
		lock:           lock,
		blocks:         make(map[BlockID]*entry),
		pendingDeletes: make(map[BlockID]*deleteReq),
		dispatch:       account.NewDispatcher[ioReq](cfg.IOBatchFactor),
		maxJobs:        max(pool.Workers(), 1),
		bufs: bufpool.NewPool(&bufpool.Config{
			BlockSize:  cfg.BlockSize,
			BatchSize:  cfg.BlockSize * cfg.IOBatchFactor,
			ExtentSize: cfg.ExtentSize,
		}),
	}

	if err := s.load(); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Info("serializer opened",
		logger.KeyPath, dir,
		logger.KeyExtents, len(s.extents),
		logger.KeyCount, len(s.blocks),
		logger.KeyFileSize, s.allocated)
	s.recordExtents()
	return s, nil
}

func (s *Serializer) load() error {
	ix, err := openIndex(filepath.Join(s.dir, indexDirName))
	if err != nil {
		return err
	}
	s.index = ix

	sb, err := ix.readSuperblock()
	if err != nil {
		return err
	}
	if sb.BlockSize != s.cfg.BlockSize || sb.ExtentSize != s.cfg.ExtentSize {
		return fmt.Errorf("%w: on disk block_size=%d extent_size=%d, configured block_size=%d extent_size=%d",
			ErrConfigMismatch, sb.BlockSize, sb.ExtentSize, s.cfg.BlockSize, s.cfg.ExtentSize)
	}
	s.info = Info{UUID: sb.UUID, Created: sb.Created, BlockSize: sb.BlockSize, ExtentSize: sb.ExtentSize}

	if s.meta, err = ix.metainfo(); err != nil {
		return err
	}

	if s.data, err = openDataFile(s.dir, &s.cfg, false); err != nil {
		return err
	}
	if s.allocated, err = s.data.size(); err != nil {
		return fmt.Errorf("failed to stat data file: %w", err)
	}

	slots := s.cfg.SlotsPerExtent()
	next, err := ix.load(func(id BlockID, r record) error {
		for int(r.loc.extent) >= len(s.extents) {
			s.extents = append(s.extents, newExtent(uint32(len(s.extents)), slots))
		}
		if int(r.loc.slot) >= slots {
			return fmt.Errorf("block %d: slot %d out of range", id, r.loc.slot)
		}
		ext := s.extents[r.loc.extent]
		if ext.slots[r.loc.slot] == slotLive {
			return fmt.Errorf("block %d: slot %d/%d already owned by block %d", id, r.loc.extent, r.loc.slot, ext.owner[r.loc.slot])
		}
		ext.slots[r.loc.slot] = slotLive
		ext.owner[r.loc.slot] = id
		ext.live++
		s.blocks[id] = &entry{loc: r.loc, seq: r.seq, sum: r.sum, committed: true}
		s.seq = max(s.seq, r.seq)
		return nil
	})
	if err != nil {
		return err
	}
	s.nextID = next
	s.persistedNext = next

	inFile := int(s.allocated / int64(s.cfg.ExtentSize))
	for len(s.extents) < inFile {
		s.extents = append(s.extents, newExtent(uint32(len(s.extents)), slots))
	}

	// Cursors are not persisted: every extent holding data is sealed and its
	// unreferenced slots are garbage for the collector.
	for _, ext := range s.extents {
		if ext.live == 0 {
			s.free = append(s.free, ext.idx)
			continue
		}
		ext.state = extentSealed
		ext.cursor = uint32(slots)
		for i, st := range ext.slots {
			if st == slotEmpty {
				ext.slots[i] = slotGarbage
			}
		}
	}
	return nil
}

// Close releases the data file, the index and the directory lock. Call it
// after Drain has completed or when the loop is no longer running.
func (s *Serializer) Close() error {
	var errs []error
	if s.data != nil {
		errs = append(errs, s.data.close())
		s.data = nil
	}
	s.indexMu.Lock()
	if s.index != nil {
		errs = append(errs, s.index.close())
		s.index = nil
	}
	s.indexMu.Unlock()
	if s.lock != nil {
		errs = append(errs, s.lock.unlock())
		s.lock = nil
	}
	return errors.Join(errs...)
}

// Config returns the configuration the serializer was opened with.
func (s *Serializer) Config() Config {
	return s.cfg
}

// BlockSize returns the block payload size.
func (s *Serializer) BlockSize() int {
	return s.cfg.BlockSize
}

// Info returns the superblock identity.
func (s *Serializer) Info() Info {
	return s.info
}

// Metainfo returns a copy of the metainfo recorded at creation.
func (s *Serializer) Metainfo() map[string][]byte {
	out := make(map[string][]byte, len(s.meta))
	for k, v := range s.meta {
		out[k] = slices.Clone(v)
	}
	return out
}

// IndexCacheStats holds the block index's read cache counters.
type IndexCacheStats struct {
	BlockHits   uint64 `json:"block_hits"`
	BlockMisses uint64 `json:"block_misses"`
	IndexHits   uint64 `json:"index_hits"`
	IndexMisses uint64 `json:"index_misses"`
}

// IndexCacheStats returns the block index cache counters. It is safe to call
// from any goroutine and returns zeroes once the serializer is closed.
func (s *Serializer) IndexCacheStats() IndexCacheStats {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	if s.index == nil {
		return IndexCacheStats{}
	}
	return s.index.cacheStats()
}

// SetReadAhead installs the hook receiving read-ahead blocks.
func (s *Serializer) SetReadAhead(fn ReadAheadFunc) {
	s.readAhead = fn
}

// ============================================================================
// Block operations
// ============================================================================

// Allocate reserves a new block id and a slot in an active extent for its
// first write.
func (s *Serializer) Allocate() BlockID {
	if s.nextID == BlockID(math.MaxUint64) {
		debug.Fatal("serializer: block id space exhausted", logger.KeyBlockID, uint64(s.nextID))
	}
	id := s.nextID
	s.nextID++

	loc := s.takeSlot(id, slotReserved)
	s.blocks[id] = &entry{reserve: loc, hasReserve: true}
	return id
}

// Write appends a new version of id. cb runs on the loop thread once the
// version is durable, or with an error if the write was rejected.
func (s *Serializer) Write(id BlockID, data []byte, acct account.Account, cb func(error)) {
	if s.draining {
		s.post(func() { cb(ErrClosed) })
		return
	}
	e, ok := s.blocks[id]
	if !ok {
		s.post(func() { cb(fmt.Errorf("write block %d: %w", id, ErrNotFound)) })
		return
	}
	if len(data) > s.cfg.BlockSize {
		s.post(func() { cb(fmt.Errorf("write block %d (%d bytes): %w", id, len(data), ErrBlockSize)) })
		return
	}

	var loc location
	if e.hasReserve {
		loc = e.reserve
		e.hasReserve = false
		ext := s.extents[loc.extent]
		ext.slots[loc.slot] = slotInflight
		ext.reserved--
		ext.inflight++
	} else {
		loc = s.takeSlot(id, slotInflight)
	}

	s.seq++
	s.submitWrite(&writeReq{
		id:    id,
		loc:   loc,
		seq:   s.seq,
		buf:   s.blockBuffer(data),
		acct:  acct,
		cb:    cb,
		start: time.Now(),
	})
}

// Read fetches the committed version of id. data passed to cb is only valid
// for the duration of the call.
func (s *Serializer) Read(id BlockID, acct account.Account, cb func(data []byte, err error)) {
	if s.draining {
		s.post(func() { cb(nil, ErrClosed) })
		return
	}
	e, ok := s.blocks[id]
	if !ok || !e.committed {
		s.post(func() { cb(nil, fmt.Errorf("read block %d: %w", id, ErrNotFound)) })
		return
	}
	s.submitRead(id, e, acct, s.readAhead != nil && s.cfg.ReadAhead, cb)
}

// Free drops id. Its slot becomes garbage once the removal is durable.
func (s *Serializer) Free(id BlockID) error {
	e, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("free block %d: %w", id, ErrNotFound)
	}
	delete(s.blocks, id)

	d := &deleteReq{id: id}
	if e.hasReserve {
		ext := s.extents[e.reserve.extent]
		ext.slots[e.reserve.slot] = slotGarbage
		ext.reserved--
		s.maybeRelease(ext)
	}
	if e.committed {
		ext := s.extents[e.loc.extent]
		ext.slots[e.loc.slot] = slotGarbage
		ext.live--
		ext.unpersisted++
		d.slots = append(d.slots, e.loc)
	}
	s.pendingDeletes[id] = d
	s.toDelete = append(s.toDelete, d)

	s.maybeCommit()
	s.maybeGC()
	return nil
}

// Exists reports whether id is allocated and not freed.
func (s *Serializer) Exists(id BlockID) bool {
	_, ok := s.blocks[id]
	return ok
}

// Drain stops accepting requests and calls done once every queued write,
// read, relocation and index commit has finished.
func (s *Serializer) Drain(done func()) {
	s.draining = true
	s.drained = done
	s.maybeCommit()
	s.checkDrained()
}

func (s *Serializer) checkDrained() {
	if !s.draining || s.drained == nil {
		return
	}
	if s.dispatch.Len() > 0 || s.jobs > 0 || s.growing > 0 || s.committing || s.gc.pending > 0 {
		return
	}
	if len(s.toCommit) > 0 || len(s.toDelete) > 0 || s.nextID != s.persistedNext {
		s.maybeCommit()
		return
	}
	done := s.drained
	s.drained = nil
	logger.Debug("serializer drained", logger.KeyPath, s.dir)
	done()
}

// ============================================================================
// Extent allocation
// ============================================================================

// takeSlot appends into the next active extent in round-robin order.
func (s *Serializer) takeSlot(id BlockID, st slotState) location {
	for len(s.active) < s.cfg.NumActiveDataExtents {
		s.active = append(s.active, s.openExtent())
	}
	if s.rr >= len(s.active) {
		s.rr = 0
	}
	ext := s.active[s.rr]
	s.rr++

	slot := ext.cursor
	ext.cursor++
	ext.slots[slot] = st
	ext.owner[slot] = id
	switch st {
	case slotReserved:
		ext.reserved++
	case slotInflight:
		ext.inflight++
	}

	if ext.full() {
		s.seal(ext)
	}
	return location{extent: ext.idx, slot: slot}
}

func (s *Serializer) openExtent() *extent {
	var ext *extent
	if len(s.free) > 0 {
		slices.Sort(s.free)
		ext = s.extents[s.free[0]]
		s.free = s.free[1:]
	} else {
		idx := len(s.extents)
		end := int64(idx+1) * int64(s.cfg.ExtentSize)
		if s.cfg.FileSize > 0 && end > s.cfg.FileSize {
			debug.Fatal("serializer: data file full",
				logger.KeyFileSize, s.cfg.FileSize,
				logger.KeyExtents, idx)
		}
		ext = newExtent(uint32(idx), s.cfg.SlotsPerExtent())
		s.extents = append(s.extents, ext)
		s.growTo(end)
	}
	ext.state = extentActive
	return ext
}

func (s *Serializer) seal(ext *extent) {
	ext.state = extentSealed
	if i := slices.Index(s.active, ext); i >= 0 {
		s.active = slices.Delete(s.active, i, i+1)
	}
	s.recordExtents()
}

// growTo preallocates the data file in FileZoneSize steps.
func (s *Serializer) growTo(end int64) {
	if end <= s.allocated {
		return
	}
	target := end
	if zone := s.cfg.FileZoneSize; zone > 0 {
		target = (end + zone - 1) / zone * zone
	}
	if s.cfg.FileSize > 0 {
		target = min(target, s.cfg.FileSize)
	}
	s.allocated = target

	var err error
	s.growing++
	s.pool.DoJob(aio.JobFunc{
		RunFn: func() { err = s.data.grow(target) },
		DoneFn: func() {
			s.growing--
			if err != nil {
				debug.Fatal("serializer: failed to grow data file",
					logger.KeyFileSize, target, logger.Err(err))
			}
			s.checkDrained()
		},
	})
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Serializer) post(fn func()) {
	if err := s.q.Post(fn); err != nil {
		logger.Warn("serializer: dropping callback on closed queue", logger.Err(err))
	}
}

// blockBuffer copies data into a pooled block-sized buffer, zero padded.
func (s *Serializer) blockBuffer(data []byte) []byte {
	buf := s.bufs.Get(s.cfg.BlockSize)
	n := copy(buf, data)
	clear(buf[n:])
	return buf
}

func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// maybeRelease returns a drained collecting extent to the free pool.
func (s *Serializer) maybeRelease(ext *extent) {
	if ext.state != extentCollecting || !ext.idle() {
		return
	}
	s.finishCollection(ext)
}
