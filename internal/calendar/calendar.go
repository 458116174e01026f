// Package calendar derives the in-simulation date from the reference body's
// accumulated rotation.
package calendar

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/star/orrery/internal/registry"
)

// ErrReferenceBodyMissing means the registry has no reference body. The
// calendar still works but the date never advances.
var ErrReferenceBodyMissing = errors.New("calendar reference body missing")

// DateLayout is the long US date format shown to users.
const DateLayout = "January 2, 2006"

// epsilon absorbs float error when travel lands exactly on a day boundary.
const epsilon = 1e-9

// Calendar tracks the simulated date. It is not safe for concurrent use.
type Calendar struct {
	start      time.Time
	refID      string
	refName    string
	periodDays float64
	days       int
}

// New creates a calendar starting at start (truncated to midnight UTC) and
// following reg's reference body. When the reference body is missing the
// returned calendar is usable but disabled, and the error is
// ErrReferenceBodyMissing.
func New(start time.Time, reg *registry.Registry) (*Calendar, error) {
	y, m, d := start.UTC().Date()
	c := &Calendar{start: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}

	ref, ok := reg.Reference()
	if !ok {
		return c, ErrReferenceBodyMissing
	}
	c.refID = ref.ID
	c.refName = ref.DisplayName
	c.periodDays = ref.SiderealPeriodDays
	return c, nil
}

// Enabled reports whether the date follows a reference body.
func (c *Calendar) Enabled() bool {
	return c.refID != ""
}

// Reference returns the reference body's id and display name.
func (c *Calendar) Reference() (id, name string) {
	return c.refID, c.refName
}

// Observe updates the date from the bodies' accumulated travel in degrees
// and returns how many days it advanced. The day count never decreases.
func (c *Calendar) Observe(travel map[string]float64) int {
	if !c.Enabled() {
		return 0
	}
	t, ok := travel[c.refID]
	if !ok || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0
	}
	passed := int(math.Floor(t/360*c.periodDays + epsilon))
	if passed <= c.days {
		return 0
	}
	n := passed - c.days
	c.days = passed
	return n
}

// DaysPassed returns the number of whole days since the start date.
func (c *Calendar) DaysPassed() int {
	return c.days
}

// Date returns the current simulated date.
func (c *Calendar) Date() time.Time {
	return c.start.AddDate(0, 0, c.days)
}

// String returns the date in DateLayout.
func (c *Calendar) String() string {
	return c.Date().Format(DateLayout)
}

// JulianDay returns the Julian day number of the current date at midnight.
func (c *Calendar) JulianDay() float64 {
	d := c.Date()
	return satellite.JDay(d.Year(), int(d.Month()), d.Day(), 0, 0, 0)
}

// Reset returns the calendar to its start date.
func (c *Calendar) Reset() {
	c.days = 0
}

// ParseStart parses a configured start date. An empty value means today.
func ParseStart(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return now, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339, DateLayout} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid start date %q", value)
}
