// Package dedupe tracks webhook delivery ids so a redelivered update is
// applied at most once per retention window.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper records seen delivery IDs.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) (bool, error)

	// Unrecord removes an ID so the delivery can be retried, e.g. when it
	// was recorded but could not be queued.
	Unrecord(ctx context.Context, id string) error

	// Size returns the number of ids currently recorded by this instance.
	Size() int64
}

type entry struct {
	id       string
	recorded time.Time
}

// inMemoryDeduper keeps ids in insertion order. When full it drops the
// oldest id; ids older than ttl are treated as unseen and dropped lazily.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // front = oldest
	maxSize int        // <= 0 means unbounded
	ttl     time.Duration
	clock   func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: 50000,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	d.expire(now)

	if _, exists := d.seen[id]; exists {
		return true, nil
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.remove(d.order.Front())
	}
	d.seen[id] = d.order.PushBack(&entry{id: id, recorded: now})
	d.size.Store(int64(len(d.seen)))
	return false, nil
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[id]; ok {
		d.remove(el)
	}
	return nil
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}

// expire drops entries older than ttl. Must be called with d.mu held.
func (d *inMemoryDeduper) expire(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	for el := d.order.Front(); el != nil; el = d.order.Front() {
		if now.Sub(el.Value.(*entry).recorded) < d.ttl {
			return
		}
		d.remove(el)
	}
}

// remove deletes el. Must be called with d.mu held.
func (d *inMemoryDeduper) remove(el *list.Element) {
	if el == nil {
		return
	}
	delete(d.seen, el.Value.(*entry).id)
	d.order.Remove(el)
	d.size.Store(int64(len(d.seen)))
}
