package bodies

import (
	"sync/atomic"
	"time"
)

// Store provides thread-safe access to the current dataset.
type Store struct {
	dataset atomic.Pointer[Dataset]
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current dataset, or nil if none has been loaded.
func (s *Store) Get() *Dataset {
	return s.dataset.Load()
}

// Set replaces the current dataset. It reports whether the content changed,
// comparing checksums so a re-fetch of identical data is not a change.
func (s *Store) Set(ds *Dataset) bool {
	prev := s.dataset.Swap(ds)
	return prev == nil || prev.Checksum != ds.Checksum
}

// AgeSeconds returns the age of the current dataset in seconds, or -1 if
// nothing is loaded.
func (s *Store) AgeSeconds() float64 {
	ds := s.dataset.Load()
	if ds == nil {
		return -1
	}
	return time.Since(ds.FetchedAt).Seconds()
}
