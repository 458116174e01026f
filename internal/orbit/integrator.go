package orbit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/star/orrery/internal/registry"
)

// ErrNonFinite is returned when a tick would store a NaN or infinite value.
var ErrNonFinite = errors.New("non-finite orbital state")

// Integrator advances a State by measured wall-clock time.
type Integrator struct {
	secondsPerDay float64
}

// NewIntegrator returns an Integrator mapping secondsPerDay wall seconds to
// one simulated day at rate 1. Non-positive values select 1.
func NewIntegrator(secondsPerDay float64) *Integrator {
	if !(secondsPerDay > 0) || math.IsInf(secondsPerDay, 0) {
		secondsPerDay = 1
	}
	return &Integrator{secondsPerDay: secondsPerDay}
}

// SecondsPerDay returns the wall seconds per simulated day at rate 1.
func (in *Integrator) SecondsPerDay() float64 {
	return in.secondsPerDay
}

// Days converts elapsed wall time at the given rate into simulated days.
func (in *Integrator) Days(rate float64, elapsed time.Duration) float64 {
	return rate * elapsed.Seconds() / in.secondsPerDay
}

// Delta returns the signed angle change of b over the given simulated days.
func Delta(b *registry.Body, days float64) float64 {
	return b.DegreesPerDay() * float64(b.Direction) * days
}

// Advance applies one tick to every body of reg and returns the new state.
// prev is never modified: on error the caller keeps prev, so a tick applies
// fully or not at all. Bodies missing from prev start from their initial
// phase.
func (in *Integrator) Advance(prev *State, reg *registry.Registry, rate float64, elapsed time.Duration) (*State, error) {
	if elapsed < 0 {
		return nil, fmt.Errorf("negative elapsed time %s", elapsed)
	}
	days := in.Days(rate, elapsed)
	if !finite(days) {
		return nil, fmt.Errorf("%w: elapsed days at rate %g", ErrNonFinite, rate)
	}

	next := &State{
		Angles:      make(map[string]float64, reg.Len()),
		Travel:      make(map[string]float64, reg.Len()),
		ElapsedDays: prev.ElapsedDays + days,
		Ticks:       prev.Ticks + 1,
	}
	for _, b := range reg.Bodies() {
		angle, ok := prev.Angles[b.ID]
		if !ok {
			angle = b.InitialPhaseDeg
		}
		angle = math.Mod(angle-Delta(b, days), 360)
		travel := prev.Travel[b.ID] + b.DegreesPerDay()*days
		if !finite(angle) || !finite(travel) {
			return nil, fmt.Errorf("%w: body %s", ErrNonFinite, b.ID)
		}
		next.Angles[b.ID] = angle
		next.Travel[b.ID] = travel
	}
	return next, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
