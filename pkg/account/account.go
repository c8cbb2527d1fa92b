// Package account tags cache-initiated I/O with a service class.
//
// An Account is a pure value: a priority and a minimum batch size. The
// serializer's Dispatcher consults it to decide which pending request to
// service next and how many same-account requests to coalesce into one
// dispatch.
package account

import "fmt"

// Default priorities for the built-in accounts.
const (
	DefaultReadPriority  = 64
	DefaultWritePriority = 64
	DefaultFlushPriority = 16
	DefaultGCPriority    = 8

	// DefaultIOBatchFactor is how many priority units buy one request slot
	// in a dispatch round.
	DefaultIOBatchFactor = 8
)

// Well-known account names.
const (
	Reads  = "reads"
	Writes = "writes"
	Flush  = "flush"
	GC     = "gc"
)

// Account is an I/O service class.
type Account struct {
	// Name identifies the account in logs and metrics.
	Name string

	// Priority is the share of dispatch bandwidth relative to other accounts.
	Priority int

	// BatchSize is the minimum number of queued requests coalesced into one
	// dispatch when at least that many are waiting.
	BatchSize int
}

// New returns an account. Priority and batch size must be positive.
func New(name string, priority, batchSize int) (Account, error) {
	if name == "" {
		return Account{}, fmt.Errorf("account: name is required")
	}
	if priority <= 0 {
		return Account{}, fmt.Errorf("account %q: priority must be positive, got %d", name, priority)
	}
	if batchSize <= 0 {
		return Account{}, fmt.Errorf("account %q: batch size must be positive, got %d", name, batchSize)
	}
	return Account{Name: name, Priority: priority, BatchSize: batchSize}, nil
}

// MustNew is New for static configuration known to be valid.
func MustNew(name string, priority, batchSize int) Account {
	a, err := New(name, priority, batchSize)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Account) String() string {
	return fmt.Sprintf("%s(priority=%d, batch=%d)", a.Name, a.Priority, a.BatchSize)
}
