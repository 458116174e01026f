// Package orbit integrates circular, uniform-speed orbits.
//
// Angles follow the convention of the reference renderer: prograde bodies
// move toward decreasing angles, retrograde bodies toward increasing ones.
// Stored angles are truncated modulo 360 and so lie in (-360, 360) with
// their sign preserved.
package orbit

import (
	"github.com/star/orrery/internal/registry"
)

// State is the mutable part of a simulation. It is owned by a single
// controller; readers get copies via Clone.
type State struct {
	// Angles holds the current angle of every body in degrees.
	Angles map[string]float64
	// Travel holds each body's unwrapped forward progress in degrees since
	// the state was seeded. It only grows.
	Travel map[string]float64
	// ElapsedDays is simulated time since the state was seeded.
	ElapsedDays float64
	// Ticks counts applied ticks.
	Ticks uint64
}

// Seed creates a state with every body at its initial phase.
func Seed(reg *registry.Registry) *State {
	s := &State{
		Angles: make(map[string]float64, reg.Len()),
		Travel: make(map[string]float64, reg.Len()),
	}
	for _, b := range reg.Bodies() {
		s.Angles[b.ID] = b.InitialPhaseDeg
		s.Travel[b.ID] = 0
	}
	return s
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := &State{
		Angles:      make(map[string]float64, len(s.Angles)),
		Travel:      make(map[string]float64, len(s.Travel)),
		ElapsedDays: s.ElapsedDays,
		Ticks:       s.Ticks,
	}
	for id, a := range s.Angles {
		c.Angles[id] = a
	}
	for id, t := range s.Travel {
		c.Travel[id] = t
	}
	return c
}
