package frames

import (
	"math"
	"sync"
	"testing"
)

func frame(seq uint64) *Frame {
	return &Frame{Seq: seq}
}

// TestBuffer tests basic buffer operations: put, latest, recent.
func TestBuffer(t *testing.T) {
	b := NewBuffer(4)

	if b.Latest() != nil {
		t.Fatal("expected nil latest on empty buffer")
	}
	if got := b.Recent(3); len(got) != 0 {
		t.Fatalf("expected no recent frames, got %d", len(got))
	}

	for i := uint64(1); i <= 3; i++ {
		b.Put(frame(i))
	}
	if got := b.Latest(); got == nil || got.Seq != 3 {
		t.Fatalf("latest = %v, want seq 3", got)
	}

	recent := b.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("recent: got %d frames, want 3", len(recent))
	}
	for i, f := range recent {
		if f.Seq != uint64(i+1) {
			t.Errorf("recent[%d].Seq = %d, want %d", i, f.Seq, i+1)
		}
	}
}

// TestBufferEviction verifies that the oldest frames drop out once the ring
// is full.
func TestBufferEviction(t *testing.T) {
	b := NewBuffer(3)
	for i := uint64(1); i <= 7; i++ {
		b.Put(frame(i))
	}

	recent := b.Recent(3)
	want := []uint64{5, 6, 7}
	for i, f := range recent {
		if f.Seq != want[i] {
			t.Errorf("recent[%d].Seq = %d, want %d", i, f.Seq, want[i])
		}
	}

	stats := b.Stats()
	if stats.Entries != 3 || stats.Capacity != 3 {
		t.Errorf("entries/capacity = %d/%d, want 3/3", stats.Entries, stats.Capacity)
	}
	if stats.OldestSeq != 5 || stats.NewestSeq != 7 {
		t.Errorf("seq range = %d..%d, want 5..7", stats.OldestSeq, stats.NewestSeq)
	}
	if stats.Puts != 7 || stats.Evictions != 4 {
		t.Errorf("puts/evictions = %d/%d, want 7/4", stats.Puts, stats.Evictions)
	}
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(2)
	b.Put(frame(1))
	b.Clear()
	if b.Latest() != nil || b.Stats().Entries != 0 {
		t.Error("buffer not empty after Clear")
	}
	b.Put(frame(9))
	if got := b.Latest(); got.Seq != 9 {
		t.Errorf("latest after clear = %d, want 9", got.Seq)
	}
}

// TestBufferConcurrentAccess runs writers and readers together; run with -race.
func TestBufferConcurrentAccess(t *testing.T) {
	b := NewBuffer(16)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < 500; i++ {
			b.Put(frame(i))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Latest()
				b.Recent(8)
				b.Stats()
			}
		}()
	}
	wg.Wait()

	if got := b.Latest().Seq; got != 499 {
		t.Errorf("latest = %d, want 499", got)
	}
}

func TestBodyAngleRadians(t *testing.T) {
	tests := []struct {
		deg  float64
		want float64
	}{
		{0, 0},
		{180, math.Pi},
		{-90, -math.Pi / 2},
	}
	for _, tt := range tests {
		got := NewBodyAngle("x", "X", "", tt.deg)
		if math.Abs(got.Radians-tt.want) > 1e-12 {
			t.Errorf("%v deg = %v rad, want %v", tt.deg, got.Radians, tt.want)
		}
	}

	f := &Frame{Bodies: []BodyAngle{zeroAngle("a"), zeroAngle("b")}}
	if _, ok := f.Angle("b"); !ok {
		t.Error("Angle(b) not found")
	}
	if _, ok := f.Angle("c"); ok {
		t.Error("Angle(c) found")
	}
}

func zeroAngle(id string) BodyAngle {
	return NewBodyAngle(id, id, "", 0)
}
