package engine

import (
	"context"
	"fmt"

	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/perfmon"
)

// Store is the block store of one logical index. All indexes share the
// engine's cache and serializer; block ids are unique across them.
//
// The page methods (Allocate, Acquire, Release) expose the cache directly.
// Read, Write and Create are copying conveniences built on them.
type Store struct {
	e    *Engine
	name string

	reads      *perfmon.Counter
	writes     *perfmon.Counter
	allocates  *perfmon.Counter
	frees      *perfmon.Counter
	readBytes  *perfmon.Counter
	writeBytes *perfmon.Counter
}

func newStore(e *Engine, name string, coll *perfmon.Collection) *Store {
	return &Store{
		e:          e,
		name:       name,
		reads:      coll.Counter(perfmon.Reads),
		writes:     coll.Counter(perfmon.Writes),
		allocates:  coll.Counter(perfmon.Allocates),
		frees:      coll.Counter(perfmon.Frees),
		readBytes:  coll.Counter(perfmon.ReadBytes),
		writeBytes: coll.Counter(perfmon.WriteBytes),
	}
}

// Name returns the index name.
func (s *Store) Name() string {
	return s.name
}

// BlockSize returns the size of every block.
func (s *Store) BlockSize() int {
	return s.e.cache.BlockSize()
}

// Allocate creates a block and returns its zeroed page pinned for write.
func (s *Store) Allocate(ctx context.Context) (cache.BlockID, *cache.Page, error) {
	if s.e.isClosed() {
		return 0, nil, ErrClosed
	}
	id, p, err := s.e.cache.Allocate(ctx)
	if err != nil {
		return 0, nil, err
	}
	s.allocates.Inc()
	return id, p, nil
}

// Acquire pins the page of id.
func (s *Store) Acquire(ctx context.Context, id cache.BlockID, mode cache.Mode) (*cache.Page, error) {
	if s.e.isClosed() {
		return nil, ErrClosed
	}
	p, err := s.e.cache.Acquire(ctx, id, mode)
	if err != nil {
		s.debugFailure(ctx, "acquire", id, err)
		return nil, err
	}
	if mode == cache.Write {
		s.writes.Inc()
	} else {
		s.reads.Inc()
	}
	return p, nil
}

// Release unpins p. A dirty release schedules the page for write-back.
func (s *Store) Release(ctx context.Context, p *cache.Page, dirty bool) (cache.BlockID, error) {
	id, err := s.e.cache.Release(ctx, p, dirty)
	if err == nil && dirty {
		s.writeBytes.Add(uint64(len(p.Data())))
	}
	return id, err
}

// Free deletes an unpinned block.
func (s *Store) Free(ctx context.Context, id cache.BlockID) error {
	if s.e.isClosed() {
		return ErrClosed
	}
	if err := s.e.cache.Free(ctx, id); err != nil {
		s.debugFailure(ctx, "free", id, err)
		return err
	}
	s.frees.Inc()
	return nil
}

// Read returns a copy of the block.
func (s *Store) Read(ctx context.Context, id cache.BlockID) ([]byte, error) {
	p, err := s.Acquire(ctx, id, cache.Read)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p.Data()))
	copy(out, p.Data())
	if _, err := s.Release(ctx, p, false); err != nil {
		return nil, err
	}
	s.readBytes.Add(uint64(len(out)))
	return out, nil
}

// Write replaces the block's content with data, zero-padded to the block
// size.
func (s *Store) Write(ctx context.Context, id cache.BlockID, data []byte) error {
	if len(data) > s.BlockSize() {
		return fmt.Errorf("engine: write of %d bytes exceeds block size %d", len(data), s.BlockSize())
	}
	p, err := s.Acquire(ctx, id, cache.Write)
	if err != nil {
		return err
	}
	fill(p.Data(), data)
	_, err = s.Release(ctx, p, true)
	return err
}

// Create allocates a block holding data and returns its id.
func (s *Store) Create(ctx context.Context, data []byte) (cache.BlockID, error) {
	if len(data) > s.BlockSize() {
		return 0, fmt.Errorf("engine: write of %d bytes exceeds block size %d", len(data), s.BlockSize())
	}
	_, p, err := s.Allocate(ctx)
	if err != nil {
		return 0, err
	}
	fill(p.Data(), data)
	return s.Release(ctx, p, true)
}

func (s *Store) debugFailure(ctx context.Context, op string, id cache.BlockID, err error) {
	if !logger.IsDebugEnabled() {
		return
	}
	lc := logger.NewLogContext(s.name).WithOperation(op).WithBlock(uint64(id))
	logger.DebugCtx(logger.WithContext(ctx, lc), "Block operation failed", logger.KeyError, err)
}

func fill(dst, src []byte) {
	n := copy(dst, src)
	clear(dst[n:])
}
