package queue

import (
	"sync"
	"sync/atomic"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

// EvictFunc is called once for every sample pushed out of a full queue.
type EvictFunc func(s domain.Sample)

// PeripheralBuffer keeps one bounded FIFO per peripheral. Each FIFO has its
// own lock, so pushes for different peripherals never contend; the map lock
// is only taken for writing when a peripheral is seen for the first time.
type PeripheralBuffer struct {
	capacity int
	onEvict  EvictFunc

	mu     sync.RWMutex
	queues map[domain.PeripheralID]*ring
	order  []domain.PeripheralID

	drainMu sync.Mutex
	cursor  int

	length atomic.Int64
	ready  chan struct{}
}

func NewPeripheralBuffer(capacity int, onEvict EvictFunc) *PeripheralBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &PeripheralBuffer{
		capacity: capacity,
		onEvict:  onEvict,
		queues:   make(map[domain.PeripheralID]*ring),
		ready:    make(chan struct{}, 1),
	}
}

// Register creates the queues up front so round-robin order follows
// configuration order.
func (b *PeripheralBuffer) Register(ids ...domain.PeripheralID) {
	for _, id := range ids {
		b.queue(id)
	}
}

func (b *PeripheralBuffer) Push(s domain.Sample) {
	q := b.queue(s.Peripheral.ID)

	q.mu.Lock()
	evicted, ok := q.pushBack(s)
	q.mu.Unlock()

	if ok {
		b.evicted(evicted)
	} else {
		b.length.Add(1)
	}
	b.signal()
}

// Requeue returns undelivered samples to the front of their queues, keeping
// their relative order. When that overflows a queue the oldest samples go,
// which are the requeued ones.
func (b *PeripheralBuffer) Requeue(samples []domain.Sample) {
	if len(samples) == 0 {
		return
	}
	var evicted []domain.Sample
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		q := b.queue(s.Peripheral.ID)
		q.mu.Lock()
		ok := q.pushFront(s)
		q.mu.Unlock()
		if ok {
			b.length.Add(1)
		} else {
			evicted = append(evicted, s)
		}
	}
	for i := len(evicted) - 1; i >= 0; i-- {
		b.evicted(evicted[i])
	}
	b.signal()
}

// Drain takes up to max samples, one per peripheral per pass, starting after
// the peripheral served last.
func (b *PeripheralBuffer) Drain(max int) []domain.Sample {
	if max <= 0 || b.length.Load() == 0 {
		return nil
	}

	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.RLock()
	queues := make([]*ring, len(b.order))
	for i, id := range b.order {
		queues[i] = b.queues[id]
	}
	b.mu.RUnlock()
	if len(queues) == 0 {
		return nil
	}

	out := make([]domain.Sample, 0, min(max, int(b.length.Load())))
	idx := b.cursor % len(queues)
	idle := 0
	for len(out) < max && idle < len(queues) {
		q := queues[idx]
		idx = (idx + 1) % len(queues)

		q.mu.Lock()
		s, ok := q.popFront()
		q.mu.Unlock()
		if !ok {
			idle++
			continue
		}
		idle = 0
		b.length.Add(-1)
		out = append(out, s)
	}
	b.cursor = idx
	return out
}

func (b *PeripheralBuffer) Len() int { return int(b.length.Load()) }

func (b *PeripheralBuffer) Ready() <-chan struct{} { return b.ready }

func (b *PeripheralBuffer) Stats() ports.BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := ports.BufferStats{
		Length:    b.Len(),
		Queues:    make(map[domain.PeripheralID]int, len(b.queues)),
		Evictions: make(map[domain.PeripheralID]uint64, len(b.queues)),
	}
	for id, q := range b.queues {
		q.mu.Lock()
		st.Queues[id] = q.size
		st.Evictions[id] = q.evictions
		q.mu.Unlock()
	}
	return st
}

func (b *PeripheralBuffer) queue(id domain.PeripheralID) *ring {
	b.mu.RLock()
	q, ok := b.queues[id]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[id]; ok {
		return q
	}
	q = newRing(b.capacity)
	b.queues[id] = q
	b.order = append(b.order, id)
	return q
}

func (b *PeripheralBuffer) evicted(s domain.Sample) {
	if b.onEvict != nil {
		b.onEvict(s)
	}
}

func (b *PeripheralBuffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// ring is a fixed-capacity FIFO guarded by its own mutex.
type ring struct {
	mu        sync.Mutex
	items     []domain.Sample
	head      int
	size      int
	evictions uint64
}

func newRing(capacity int) *ring {
	return &ring{items: make([]domain.Sample, capacity)}
}

// pushBack appends s, evicting the oldest sample when full.
func (r *ring) pushBack(s domain.Sample) (domain.Sample, bool) {
	var (
		old     domain.Sample
		evicted bool
	)
	if r.size == len(r.items) {
		old, _ = r.popFront()
		r.evictions++
		evicted = true
	}
	r.items[(r.head+r.size)%len(r.items)] = s
	r.size++
	return old, evicted
}

// pushFront inserts s ahead of everything queued. A full ring refuses it,
// since s would be the oldest entry and the first to be evicted.
func (r *ring) pushFront(s domain.Sample) bool {
	if r.size == len(r.items) {
		r.evictions++
		return false
	}
	r.head = (r.head - 1 + len(r.items)) % len(r.items)
	r.items[r.head] = s
	r.size++
	return true
}

func (r *ring) popFront() (domain.Sample, bool) {
	if r.size == 0 {
		return domain.Sample{}, false
	}
	s := r.items[r.head]
	r.items[r.head] = domain.Sample{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return s, true
}

var _ ports.SampleBuffer = (*PeripheralBuffer)(nil)
