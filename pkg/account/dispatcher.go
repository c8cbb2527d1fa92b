package account

// Dispatcher orders pending requests across accounts with deficit round
// robin. Each visit credits an account with its Priority; every dispatched
// request costs batchFactor credits. An account with priority P therefore
// receives roughly P/batchFactor requests per round, and never fewer than
// its BatchSize when that many are queued.
//
// A Dispatcher is not safe for concurrent use; the serializer drives it from
// the loop thread.
type Dispatcher[T any] struct {
	factor  int
	queues  []*accountQueue[T]
	byName  map[string]*accountQueue[T]
	cursor  int
	pending int
}

type accountQueue[T any] struct {
	acct    Account
	items   []T
	deficit int
}

// NewDispatcher returns a dispatcher with the given io_batch_factor.
func NewDispatcher[T any](batchFactor int) *Dispatcher[T] {
	if batchFactor <= 0 {
		batchFactor = DefaultIOBatchFactor
	}
	return &Dispatcher[T]{
		factor: batchFactor,
		byName: make(map[string]*accountQueue[T]),
	}
}

// Push queues item under acct. Accounts are registered on first use.
func (d *Dispatcher[T]) Push(acct Account, item T) {
	if acct.Priority < 1 {
		acct.Priority = 1
	}
	if acct.BatchSize < 1 {
		acct.BatchSize = 1
	}
	q, ok := d.byName[acct.Name]
	if !ok {
		q = &accountQueue[T]{acct: acct}
		d.byName[acct.Name] = q
		d.queues = append(d.queues, q)
	}
	q.acct = acct
	q.items = append(q.items, item)
	d.pending++
}

// Len returns the number of queued requests across all accounts.
func (d *Dispatcher[T]) Len() int {
	return d.pending
}

// Pending returns the number of queued requests for one account.
func (d *Dispatcher[T]) Pending(name string) int {
	if q, ok := d.byName[name]; ok {
		return len(q.items)
	}
	return 0
}

// Next removes and returns the next batch. ok is false when nothing is queued.
func (d *Dispatcher[T]) Next() (acct Account, batch []T, ok bool) {
	if d.pending == 0 {
		return Account{}, nil, false
	}

	for {
		q := d.queues[d.cursor]
		if len(q.items) == 0 {
			q.deficit = 0
			d.advance()
			continue
		}

		if q.deficit < d.factor {
			q.deficit += q.acct.Priority
			if q.deficit < d.factor {
				d.advance()
				continue
			}
		}

		n := q.deficit / d.factor
		if n < q.acct.BatchSize {
			n = q.acct.BatchSize
		}
		if n > len(q.items) {
			n = len(q.items)
		}

		batch = make([]T, n)
		copy(batch, q.items[:n])
		clear(q.items[:n])
		q.items = q.items[n:]
		q.deficit -= n * d.factor
		d.pending -= n

		if len(q.items) == 0 {
			q.deficit = 0
		}
		d.advance()
		return q.acct, batch, true
	}
}

func (d *Dispatcher[T]) advance() {
	d.cursor = (d.cursor + 1) % len(d.queues)
}
