package registry

import (
	"context"
	"math"
	"strings"

	"github.com/soniakeys/unit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/star/orrery/internal/bodies"
)

var tracer = otel.Tracer("github.com/star/orrery/internal/registry")

// Config holds the hierarchy knobs.
type Config struct {
	MinMoons      int      // Moons always kept per planet, largest first (default: 2).
	MaxMoons      int      // Hard cap on moons per planet (default: 8).
	MinMoonRadius float64  // km; moons past MinMoons must be larger than this (default: 80).
	Retrograde    []string // Ids or names of bodies orbiting retrograde (default: triton).
	ReferenceBody string   // Id or name of the calendar reference body (default: Earth).
}

// DefaultConfig returns the reference knob values.
func DefaultConfig() Config {
	return Config{
		MinMoons:      2,
		MaxMoons:      8,
		MinMoonRadius: 80,
		Retrograde:    []string{"triton"},
		ReferenceBody: "Earth",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinMoons < 0 {
		c.MinMoons = d.MinMoons
	}
	if c.MaxMoons <= 0 {
		c.MaxMoons = d.MaxMoons
	}
	if c.MinMoonRadius < 0 {
		c.MinMoonRadius = d.MinMoonRadius
	}
	if c.Retrograde == nil {
		c.Retrograde = d.Retrograde
	}
	if c.ReferenceBody == "" {
		c.ReferenceBody = d.ReferenceBody
	}
	return c
}

// Registry is an immutable snapshot of the simulated bodies.
type Registry struct {
	planets   []*Body
	ordered   []*Body
	byID      map[string]*Body
	reference *Body
	issues    []*ValidationError
	filtered  int
}

// Build validates the document's records and resolves the hierarchy.
// Invalid records are skipped and reported through Issues.
func Build(ctx context.Context, doc bodies.Document, cfg Config) *Registry {
	_, span := tracer.Start(ctx, "registry.build")
	defer span.End()

	cfg = cfg.withDefaults()
	r := &Registry{byID: make(map[string]*Body)}

	retro := make(map[string]bool, len(cfg.Retrograde))
	for _, key := range cfg.Retrograde {
		retro[strings.ToLower(key)] = true
	}

	for _, rec := range doc.Planets {
		b, err := newBody(rec, retro)
		if err == nil && rec.ParentID() != "" {
			err = &ValidationError{BodyID: rec.ID, Field: "aroundPlanet", Reason: "planet record has a parent"}
		}
		if err == nil {
			err = r.claim(b)
		}
		if err != nil {
			r.issues = append(r.issues, err)
			continue
		}
		r.planets = append(r.planets, b)
	}
	sortByAxis(r.planets)

	candidates := make(map[string][]*Body)
	for _, rec := range doc.Moons {
		b, err := newBody(rec, retro)
		if err == nil {
			err = r.adopt(b)
		}
		if err == nil {
			err = r.claim(b)
		}
		if err != nil {
			r.issues = append(r.issues, err)
			continue
		}
		candidates[b.ParentID] = append(candidates[b.ParentID], b)
	}

	for _, p := range r.planets {
		r.ordered = append(r.ordered, p)
		all := candidates[p.ID]
		p.Children = SelectMoons(all, cfg)
		spreadPhases(p.Children, cfg.MaxMoons)
		r.filtered += len(all) - len(p.Children)

		kept := make(map[string]bool, len(p.Children))
		for _, m := range p.Children {
			kept[m.ID] = true
			r.ordered = append(r.ordered, m)
		}
		for _, m := range all {
			if !kept[m.ID] {
				delete(r.byID, m.ID)
			}
		}
	}

	for _, p := range r.planets {
		if p.matches(cfg.ReferenceBody) {
			r.reference = p
			break
		}
	}

	span.SetAttributes(
		attribute.Int("planets", len(r.planets)),
		attribute.Int("bodies", len(r.ordered)),
		attribute.Int("issues", len(r.issues)),
		attribute.Int("filtered", r.filtered),
	)
	return r
}

// newBody validates one record and converts it.
func newBody(rec bodies.Record, retro map[string]bool) (*Body, *ValidationError) {
	invalid := func(field, reason string) (*Body, *ValidationError) {
		return nil, &ValidationError{BodyID: rec.ID, Field: field, Reason: reason}
	}

	if strings.TrimSpace(rec.ID) == "" {
		return invalid("id", "missing")
	}
	if !positive(rec.SideralOrbit) {
		return invalid("sideralOrbit", "must be a positive number")
	}
	if !positive(rec.MeanRadius) {
		return invalid("meanRadius", "must be a positive number")
	}
	if !positive(rec.SemimajorAxis) {
		return invalid("semimajorAxis", "must be a positive number")
	}
	if math.IsNaN(rec.MainAnomaly) || math.IsInf(rec.MainAnomaly, 0) {
		return invalid("mainAnomaly", "must be a finite number")
	}

	name := rec.EnglishName
	if name == "" {
		name = rec.ID
	}
	dir := Prograde
	if retro[strings.ToLower(rec.ID)] || retro[strings.ToLower(name)] {
		dir = Retrograde
	}

	return &Body{
		ID:                 rec.ID,
		DisplayName:        name,
		MeanRadius:         rec.MeanRadius,
		SemimajorAxis:      rec.SemimajorAxis,
		SiderealPeriodDays: rec.SideralOrbit,
		InitialPhaseDeg:    unit.PMod(rec.MainAnomaly, 360),
		Direction:          dir,
		ParentID:           rec.ParentID(),
	}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// claim registers b's id, rejecting duplicates.
func (r *Registry) claim(b *Body) *ValidationError {
	if _, dup := r.byID[b.ID]; dup {
		return &ValidationError{BodyID: b.ID, Field: "id", Reason: "duplicate id"}
	}
	r.byID[b.ID] = b
	return nil
}

// adopt checks that a moon's parent is a planet of this registry.
func (r *Registry) adopt(b *Body) *ValidationError {
	if b.ParentID == "" {
		return &ValidationError{BodyID: b.ID, Field: "aroundPlanet", Reason: "moon record has no parent"}
	}
	if parent, ok := r.byID[b.ParentID]; !ok || parent.IsMoon() {
		return &ValidationError{BodyID: b.ID, Field: "aroundPlanet", Reason: "unknown planet " + b.ParentID}
	}
	return nil
}

// Planets returns the planets ordered by ascending semimajor axis.
func (r *Registry) Planets() []*Body {
	return r.planets
}

// Bodies returns every simulated body: each planet followed by its moons.
func (r *Registry) Bodies() []*Body {
	return r.ordered
}

// Len returns the number of simulated bodies.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Lookup returns the simulated body with the given id.
func (r *Registry) Lookup(id string) (*Body, bool) {
	b, ok := r.byID[id]
	return b, ok
}

// Find resolves key by id, then case-insensitively by id or display name.
func (r *Registry) Find(key string) (*Body, bool) {
	if b, ok := r.byID[key]; ok {
		return b, true
	}
	for _, b := range r.ordered {
		if b.matches(key) {
			return b, true
		}
	}
	return nil, false
}

// Reference returns the calendar reference body, if present.
func (r *Registry) Reference() (*Body, bool) {
	return r.reference, r.reference != nil
}

// Issues returns the records rejected during Build.
func (r *Registry) Issues() []*ValidationError {
	return r.issues
}

// Filtered returns how many valid moons the moon filter dropped.
func (r *Registry) Filtered() int {
	return r.filtered
}
