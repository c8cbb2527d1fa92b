package serializer

import "time"

// Metrics receives serializer observations. A nil Metrics disables
// collection at no cost.
type Metrics interface {
	// ObserveWrite records one block written on behalf of an account.
	ObserveWrite(account string, bytes int, duration time.Duration)

	// ObserveRead records one read dispatch, read-ahead included.
	ObserveRead(account string, bytes int, duration time.Duration)

	// ObserveCommit records an index commit of the given number of records.
	ObserveCommit(records int, duration time.Duration)

	// RecordExtents records the number of extents in each state.
	RecordExtents(free, active, sealed, collecting int)

	// RecordLiveRatio records the aggregate live ratio of sealed extents.
	RecordLiveRatio(ratio float64)

	// RecordRelocation records blocks relocated by the collector.
	RecordRelocation(blocks int)

	// RecordCollection records an extent returned to the free pool.
	RecordCollection()
}
