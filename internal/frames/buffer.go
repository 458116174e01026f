package frames

import (
	"sync"
	"sync/atomic"

	"github.com/star/orrery/internal/metrics"
)

// Buffer keeps the most recent frames in a fixed-size ring.
// Safe for concurrent use by multiple goroutines.
type Buffer struct {
	mu    sync.RWMutex
	ring  []*Frame
	next  int
	count int

	puts      atomic.Int64
	evictions atomic.Int64
}

// NewBuffer creates a buffer holding up to capacity frames (minimum 1).
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{ring: make([]*Frame, capacity)}
}

// Put appends f, evicting the oldest frame when full.
func (b *Buffer) Put(f *Frame) {
	b.mu.Lock()
	if b.count == len(b.ring) {
		b.evictions.Add(1)
	} else {
		b.count++
	}
	b.ring[b.next] = f
	b.next = (b.next + 1) % len(b.ring)
	count := b.count
	b.mu.Unlock()

	b.puts.Add(1)
	metrics.SetFrameBufferEntries(count)
}

// Latest returns the newest frame, or nil if the buffer is empty.
func (b *Buffer) Latest() *Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return nil
	}
	return b.ring[(b.next-1+len(b.ring))%len(b.ring)]
}

// Recent returns up to n of the newest frames, ordered oldest-first.
// Used to build trails.
func (b *Buffer) Recent(n int) []*Frame {
	if n <= 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	out := make([]*Frame, n)
	start := b.next - n + len(b.ring)
	for i := 0; i < n; i++ {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}

// Clear drops every frame. Used when a run restarts.
func (b *Buffer) Clear() {
	b.mu.Lock()
	for i := range b.ring {
		b.ring[i] = nil
	}
	b.next = 0
	b.count = 0
	b.mu.Unlock()

	metrics.SetFrameBufferEntries(0)
}

// Stats returns current buffer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	s := Stats{Entries: b.count, Capacity: len(b.ring)}
	if b.count > 0 {
		s.OldestSeq = b.ring[(b.next-b.count+len(b.ring))%len(b.ring)].Seq
		s.NewestSeq = b.ring[(b.next-1+len(b.ring))%len(b.ring)].Seq
	}
	b.mu.RUnlock()

	s.Puts = b.puts.Load()
	s.Evictions = b.evictions.Load()
	return s
}

// Stats holds buffer statistics for the state endpoint.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	OldestSeq uint64 `json:"oldest_seq"`
	NewestSeq uint64 `json:"newest_seq"`
	Puts      int64  `json:"puts"`
	Evictions int64  `json:"evictions"`
}
