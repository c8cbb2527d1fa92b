package logger

import "log/slog"

// Field keys. Every component logs with these so records can be filtered by
// block, extent or index across the engine.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeyIndex     = "index"
	KeyOperation = "operation"
	KeyBlockID   = "block_id"
	KeyMode      = "mode" // read or write
	KeyPins      = "pins"
	KeyDirty     = "dirty"

	KeyExtent      = "extent"
	KeyExtents     = "extents"
	KeySlot        = "slot"
	KeyLiveRatio   = "live_ratio"
	KeyRelocated   = "relocated"
	KeyBlockSize   = "block_size"
	KeyExtentSize  = "extent_size"
	KeyFileSize    = "file_size"
	KeyChecksum    = "checksum"
	KeyAccount     = "account"
	KeyBatch       = "batch"
	KeyOutstanding = "outstanding"

	KeyPages      = "pages"
	KeyDirtyBytes = "dirty_bytes"
	KeyState      = "state" // write-back state
	KeyInflight   = "inflight"
	KeyInterval   = "interval"

	KeyFD      = "fd"
	KeySource  = "source" // timer, blocker or wakeup
	KeyEvents  = "events"
	KeyWorkers = "workers"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyPath       = "path"
	KeyCount      = "count"
	KeySize       = "size"
)

func BlockID(id uint64) slog.Attr { return slog.Uint64(KeyBlockID, id) }

func Extent(idx uint32) slog.Attr { return slog.Uint64(KeyExtent, uint64(idx)) }

func Slot(slot uint32) slog.Attr { return slog.Uint64(KeySlot, uint64(slot)) }

// Err is the empty attribute for a nil error, which handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
