package events

import (
	"context"
	"sync"
)

// DefaultMemoryOutboxLimit is the number of records a MemoryOutbox retains.
const DefaultMemoryOutboxLimit = 10000

// MemoryOutbox keeps events in process. It backs the in-memory store and
// tests. Once more than limit records are held the oldest are evicted, so a
// process without a relay does not grow without bound.
type MemoryOutbox struct {
	mu      sync.Mutex
	records []Record
	// records[:cursor] have been published.
	cursor  int
	limit   int
	nextSeq int64
	dropped int
}

func NewMemoryOutbox() *MemoryOutbox {
	return NewMemoryOutboxWithLimit(DefaultMemoryOutboxLimit)
}

// NewMemoryOutboxWithLimit returns an outbox retaining at most limit
// records. A non-positive limit selects DefaultMemoryOutboxLimit.
func NewMemoryOutboxWithLimit(limit int) *MemoryOutbox {
	if limit <= 0 {
		limit = DefaultMemoryOutboxLimit
	}
	return &MemoryOutbox{limit: limit}
}

func (o *MemoryOutbox) Append(_ context.Context, evts ...Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range evts {
		o.nextSeq++
		o.records = append(o.records, Record{Seq: o.nextSeq, Event: e})
	}
	o.evict()
	return nil
}

// evict drops the oldest records beyond the limit. Published records sit at
// the front, so they go first.
func (o *MemoryOutbox) evict() {
	over := len(o.records) - o.limit
	if over <= 0 {
		return
	}
	if over > o.cursor {
		o.dropped += over - o.cursor
	}
	o.cursor -= over
	if o.cursor < 0 {
		o.cursor = 0
	}
	n := copy(o.records, o.records[over:])
	clear(o.records[n:])
	o.records = o.records[:n]
}

// ProcessBatch publishes records in append order, so the published records
// always form a prefix.
func (o *MemoryOutbox) ProcessBatch(ctx context.Context, limit int, publish PublishFunc) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	end := o.cursor + limit
	if end > len(o.records) {
		end = len(o.records)
	}
	batch := o.records[o.cursor:end]
	if len(batch) == 0 {
		return 0, nil
	}
	if err := publish(ctx, append([]Record(nil), batch...)); err != nil {
		return 0, err
	}
	o.cursor = end
	return len(batch), nil
}

// Events returns every retained event in order.
func (o *MemoryOutbox) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, r.Event)
	}
	return out
}

// Pending returns the number of unpublished events.
func (o *MemoryOutbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records) - o.cursor
}

// Dropped returns how many unpublished events were evicted.
func (o *MemoryOutbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
