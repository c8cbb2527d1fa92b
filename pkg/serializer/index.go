package serializer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/marmos91/extentdb/internal/logger"
)

// ============================================================================
// Index Key Namespace
// ============================================================================
//
// The block index lives in a badger database next to the extent file. Block
// locations are derived from it, never stored inline with block content.
//
// Data Type        Prefix   Key Format              Value Type
// =============================================================
// Superblock       "sb"     sb                      superblock (JSON)
// Metainfo         "m:"     m:<key>                 opaque bytes
// Block location   "b:"     b:<id big-endian u64>   record (binary)
// Next block id    "n:"     n:next                  uint64 (binary)

const (
	keySuperblock  = "sb"
	prefixMetainfo = "m:"
	prefixBlock    = "b:"
	keyNextID      = "n:next"

	superblockMagic   = "extentdb"
	superblockVersion = 1

	recordSize = 24
)

// superblock identifies the store and pins its layout.
type superblock struct {
	Magic      string    `json:"magic"`
	Version    int       `json:"version"`
	UUID       uuid.UUID `json:"uuid"`
	Created    time.Time `json:"created"`
	BlockSize  int       `json:"block_size"`
	ExtentSize int       `json:"extent_size"`
	Config     Config    `json:"config"`
}

// record is the persisted location of the current version of a block.
type record struct {
	loc location
	seq uint64
	sum uint64
}

func keyBlock(id BlockID) []byte {
	key := make([]byte, len(prefixBlock)+8)
	copy(key, prefixBlock)
	binary.BigEndian.PutUint64(key[len(prefixBlock):], uint64(id))
	return key
}

func parseBlockKey(key []byte) (BlockID, error) {
	if len(key) != len(prefixBlock)+8 || !strings.HasPrefix(string(key), prefixBlock) {
		return 0, fmt.Errorf("invalid block key %q", key)
	}
	return BlockID(binary.BigEndian.Uint64(key[len(prefixBlock):])), nil
}

func keyMetainfo(name string) []byte {
	return []byte(prefixMetainfo + name)
}

func encodeRecord(r record) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.loc.extent)
	binary.BigEndian.PutUint32(buf[4:8], r.loc.slot)
	binary.BigEndian.PutUint64(buf[8:16], r.seq)
	binary.BigEndian.PutUint64(buf[16:24], r.sum)
	return buf
}

func decodeRecord(data []byte) (record, error) {
	if len(data) != recordSize {
		return record{}, fmt.Errorf("invalid record length %d", len(data))
	}
	return record{
		loc: location{
			extent: binary.BigEndian.Uint32(data[0:4]),
			slot:   binary.BigEndian.Uint32(data[4:8]),
		},
		seq: binary.BigEndian.Uint64(data[8:16]),
		sum: binary.BigEndian.Uint64(data[16:24]),
	}, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// index wraps the badger database holding the superblock and block map.
type index struct {
	db *badgerdb.DB
}

func openIndex(path string) (*index, error) {
	opts := badgerdb.DefaultOptions(path).
		WithLogger(logger.NewBadgerLogger("serializer.index")).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open block index: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

// cacheStats reads badger's block and index cache counters. Either cache
// may be disabled, in which case its counters stay zero.
func (ix *index) cacheStats() IndexCacheStats {
	block := ix.db.BlockCacheMetrics()
	idx := ix.db.IndexCacheMetrics()
	return IndexCacheStats{
		BlockHits:   block.Hits(),
		BlockMisses: block.Misses(),
		IndexHits:   idx.Hits(),
		IndexMisses: idx.Misses(),
	}
}

// readSuperblock returns ErrNotInitialized when the index is empty.
func (ix *index) readSuperblock() (*superblock, error) {
	var sb superblock
	err := ix.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySuperblock))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return ErrNotInitialized
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sb)
		})
	})
	if err != nil {
		return nil, err
	}
	if sb.Magic != superblockMagic {
		return nil, fmt.Errorf("unrecognized superblock magic %q", sb.Magic)
	}
	return &sb, nil
}

func (ix *index) initialize(sb *superblock, metainfo map[string][]byte) error {
	return ix.db.Update(func(txn *badgerdb.Txn) error {
		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(keySuperblock), data); err != nil {
			return fmt.Errorf("failed to store superblock: %w", err)
		}
		for name, value := range metainfo {
			if err := txn.Set(keyMetainfo(name), value); err != nil {
				return fmt.Errorf("failed to store metainfo %q: %w", name, err)
			}
		}
		return txn.Set([]byte(keyNextID), encodeUint64(1))
	})
}

func (ix *index) metainfo() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := ix.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMetainfo)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[strings.TrimPrefix(string(item.Key()), prefixMetainfo)] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metainfo: %w", err)
	}
	return out, nil
}

// load streams every block record and returns the next id high-water mark.
func (ix *index) load(fn func(id BlockID, r record) error) (BlockID, error) {
	next := BlockID(1)
	err := ix.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyNextID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("invalid next id length %d", len(val))
				}
				next = BlockID(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixBlock)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			id, err := parseBlockKey(item.Key())
			if err != nil {
				return err
			}
			var r record
			if err := item.Value(func(val []byte) error {
				r, err = decodeRecord(val)
				return err
			}); err != nil {
				return fmt.Errorf("block %d: %w", id, err)
			}
			if id >= next {
				next = id + 1
			}
			if err := fn(id, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load block index: %w", err)
	}
	return next, nil
}

// commitBatch is one durable update of the block map.
type commitBatch struct {
	puts    map[BlockID]record
	deletes []BlockID
	nextID  BlockID
}

func (b *commitBatch) empty() bool {
	return len(b.puts) == 0 && len(b.deletes) == 0 && b.nextID == 0
}

// apply writes the batch. With SyncWrites the batch is durable on return.
func (ix *index) apply(b *commitBatch) error {
	wb := ix.db.NewWriteBatch()
	defer wb.Cancel()

	for id, r := range b.puts {
		if err := wb.Set(keyBlock(id), encodeRecord(r)); err != nil {
			return fmt.Errorf("failed to stage block %d: %w", id, err)
		}
	}
	for _, id := range b.deletes {
		if err := wb.Delete(keyBlock(id)); err != nil {
			return fmt.Errorf("failed to stage delete of block %d: %w", id, err)
		}
	}
	if b.nextID != 0 {
		if err := wb.Set([]byte(keyNextID), encodeUint64(uint64(b.nextID))); err != nil {
			return fmt.Errorf("failed to stage next id: %w", err)
		}
	}
	return wb.Flush()
}
