package cache

import "time"

// Metrics provides observability for the buffer cache.
//
// This is optional: a nil Metrics skips collection entirely.
type Metrics interface {
	// ObserveAcquire records an acquisition and whether it hit the page map.
	ObserveAcquire(hit bool, duration time.Duration)

	// ObserveFlush records one page write-back under the given account.
	ObserveFlush(account string, duration time.Duration)

	// RecordEviction records a clean page dropped by the replacer.
	RecordEviction()

	// RecordDirty records the dirty byte count and write-back state.
	RecordDirty(bytes int64, state WriteBackState)

	// RecordPages records cached and pinned page counts.
	RecordPages(pages, pinned int)

	// RecordThrottled records the number of writers waiting on backpressure.
	RecordThrottled(waiting int)
}
