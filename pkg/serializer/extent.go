package serializer

// BlockID is a stable block identifier. It never changes when the block is
// rewritten or relocated and is never reused after Free.
type BlockID uint64

// NullBlockID is never allocated.
const NullBlockID BlockID = 0

type location struct {
	extent uint32
	slot   uint32
}

type slotState uint8

const (
	slotEmpty    slotState = iota // never written since the extent was last freed
	slotReserved                  // held for the first write of an allocated block
	slotInflight                  // written or being written, not yet committed
	slotLive                      // referenced by the committed index
	slotGarbage                   // superseded or dropped
)

type extentState uint8

const (
	extentFree extentState = iota
	extentActive
	extentSealed
	extentCollecting
)

func (s extentState) String() string {
	switch s {
	case extentFree:
		return "free"
	case extentActive:
		return "active"
	case extentSealed:
		return "sealed"
	case extentCollecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// extent tracks slot liveness. live counts slotLive, reserved and inflight
// count their states. unpersisted counts garbage slots still referenced by
// the durable index (freed blocks whose delete has not committed). readers
// pins the extent while reads against it are outstanding.
type extent struct {
	idx    uint32
	state  extentState
	slots  []slotState
	owner  []BlockID
	cursor uint32

	live        int
	reserved    int
	inflight    int
	unpersisted int
	readers     int

	// busy is set while a data job writes to this extent; waiting holds the
	// writes queued behind it.
	busy    bool
	waiting []*writeReq
}

func newExtent(idx uint32, slots int) *extent {
	return &extent{
		idx:   idx,
		slots: make([]slotState, slots),
		owner: make([]BlockID, slots),
	}
}

func (e *extent) full() bool {
	return int(e.cursor) >= len(e.slots)
}

// ratio is the share of slots holding a block. A slot reserved for a
// block's first write counts as held.
func (e *extent) ratio() float64 {
	return float64(e.held()) / float64(len(e.slots))
}

func (e *extent) held() int {
	return e.live + e.reserved
}

// idle reports whether nothing references or targets the extent.
func (e *extent) idle() bool {
	return e.live == 0 && e.reserved == 0 && e.inflight == 0 && e.unpersisted == 0 && e.readers == 0 && !e.busy
}

func (e *extent) reset() {
	clear(e.slots)
	clear(e.owner)
	e.cursor = 0
	e.live, e.reserved, e.inflight, e.unpersisted, e.readers = 0, 0, 0, 0, 0
	e.busy = false
	e.waiting = nil
	e.state = extentFree
}

// entry is the in-memory state of one block.
type entry struct {
	loc       location
	seq       uint64
	sum       uint64
	committed bool

	// reserve is the slot held for the first write, if still unused.
	reserve    location
	hasReserve bool
}
