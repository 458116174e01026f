// Package frames holds the read-only snapshots of the simulation handed to
// renderers, and a bounded buffer of the most recent ones.
package frames

import (
	"time"

	"github.com/soniakeys/unit"
)

// BodyAngle is one body's position in a frame.
type BodyAngle struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID string  `json:"parent_id,omitempty"`
	Degrees  float64 `json:"deg"`
	Radians  float64 `json:"rad"`
}

// NewBodyAngle fills in the radian form of deg.
func NewBodyAngle(id, name, parentID string, deg float64) BodyAngle {
	return BodyAngle{
		ID:       id,
		Name:     name,
		ParentID: parentID,
		Degrees:  deg,
		Radians:  unit.AngleFromDeg(deg).Rad(),
	}
}

// Frame is an immutable snapshot of the simulation after one tick or
// control change.
type Frame struct {
	Seq         uint64      `json:"seq"`
	RunID       string      `json:"run_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Rate        float64     `json:"rate"`
	Running     bool        `json:"running"`
	Ticks       uint64      `json:"ticks"`
	ElapsedDays float64     `json:"elapsed_days"`
	Date        string      `json:"date"`
	JulianDay   float64     `json:"julian_day"`
	Bodies      []BodyAngle `json:"bodies"`
}

// Angle returns the angle of the body with the given id.
func (f *Frame) Angle(id string) (BodyAngle, bool) {
	for _, b := range f.Bodies {
		if b.ID == id {
			return b, true
		}
	}
	return BodyAngle{}, false
}
