// Package registry turns raw body records into the validated, immutable
// two-level hierarchy the simulation runs on: planets around an implicit sun,
// moons around planets.
package registry

import (
	"fmt"
	"strings"
)

// Direction is the sign of a body's orbital motion.
type Direction int

const (
	Prograde   Direction = 1
	Retrograde Direction = -1
)

func (d Direction) String() string {
	if d == Retrograde {
		return "retrograde"
	}
	return "prograde"
}

// Body is one simulated body. Bodies handed out by a Registry are shared
// and must not be modified.
type Body struct {
	ID                 string
	DisplayName        string
	MeanRadius         float64 // km, carried for renderers only
	SemimajorAxis      float64 // km, ordering key
	SiderealPeriodDays float64
	InitialPhaseDeg    float64 // [0, 360)
	Direction          Direction
	ParentID           string // empty for planets
	Children           []*Body
}

// IsMoon reports whether the body orbits a planet.
func (b *Body) IsMoon() bool {
	return b.ParentID != ""
}

// DegreesPerDay is the body's angular speed at rate 1, ignoring direction.
func (b *Body) DegreesPerDay() float64 {
	return 360 / b.SiderealPeriodDays
}

// matches reports whether key names this body by id or display name.
func (b *Body) matches(key string) bool {
	return strings.EqualFold(b.ID, key) || strings.EqualFold(b.DisplayName, key)
}

// ValidationError describes one record rejected at construction. The record
// is skipped; the rest of the registry is unaffected.
type ValidationError struct {
	BodyID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	id := e.BodyID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("body %s: %s: %s", id, e.Field, e.Reason)
}
