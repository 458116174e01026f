package registry

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/star/orrery/internal/bodies"
)

func planet(id, name string, axis, period float64) bodies.Record {
	return bodies.Record{ID: id, EnglishName: name, MeanRadius: 1000, SemimajorAxis: axis, SideralOrbit: period}
}

func moon(id, parent string, radius, axis float64) bodies.Record {
	return bodies.Record{
		ID:            id,
		EnglishName:   id,
		MeanRadius:    radius,
		SemimajorAxis: axis,
		SideralOrbit:  10,
		AroundPlanet:  &bodies.PlanetRef{Planet: parent},
	}
}

func build(doc bodies.Document) *Registry {
	return Build(context.Background(), doc, DefaultConfig())
}

func TestPlanetsOrderedByAxis(t *testing.T) {
	reg := build(bodies.Document{Planets: []bodies.Record{
		planet("mars", "Mars", 227939200, 686.98),
		planet("mercure", "Mercury", 57909227, 87.97),
		planet("terre", "Earth", 149598023, 365.256),
	}})

	want := []string{"mercure", "terre", "mars"}
	got := reg.Planets()
	if len(got) != len(want) {
		t.Fatalf("planets = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("planet %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

// TestMoonFilter: of five candidate moons only the two largest survive
// because none of the rest exceeds the minimum radius.
func TestMoonFilter(t *testing.T) {
	reg := build(bodies.Document{
		Planets: []bodies.Record{planet("p", "P", 1e8, 100)},
		Moons: []bodies.Record{
			moon("a", "p", 50, 5000),
			moon("b", "p", 10, 1000),
			moon("c", "p", 70, 3000),
			moon("d", "p", 60, 2000),
			moon("e", "p", 40, 4000),
		},
	})

	p, _ := reg.Lookup("p")
	if len(p.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(p.Children))
	}
	// Kept: c (70) and d (60), reordered by ascending axis.
	if p.Children[0].ID != "d" || p.Children[1].ID != "c" {
		t.Errorf("children = [%s %s], want [d c]", p.Children[0].ID, p.Children[1].ID)
	}
	if reg.Filtered() != 3 {
		t.Errorf("filtered = %d, want 3", reg.Filtered())
	}
	if _, ok := reg.Lookup("a"); ok {
		t.Error("filtered moon still resolvable")
	}
	if reg.Len() != 3 {
		t.Errorf("Len = %d, want 3", reg.Len())
	}
}

func TestSelectMoons(t *testing.T) {
	var candidates []*Body
	for i, r := range []float64{2634, 2410, 1821, 1560, 85, 81, 80, 43, 30, 20, 10, 5} {
		candidates = append(candidates, &Body{ID: string(rune('a' + i)), MeanRadius: r, SemimajorAxis: float64(100 - i)})
	}

	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"defaults keep large moons", DefaultConfig(), 6},
		{"cap", Config{MinMoons: 2, MaxMoons: 3, MinMoonRadius: 80}, 3},
		{"min moons dominates", Config{MinMoons: 10, MaxMoons: 8, MinMoonRadius: 1e6}, 8},
		{"radius threshold is strict", Config{MinMoons: 0, MaxMoons: 20, MinMoonRadius: 81}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectMoons(candidates, tt.cfg)
			if len(got) != tt.want {
				t.Fatalf("kept %d, want %d", len(got), tt.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i-1].SemimajorAxis > got[i].SemimajorAxis {
					t.Errorf("result not ordered by axis at %d", i)
				}
			}
		})
	}

	// The cap keeps the largest moons.
	got := SelectMoons(candidates, Config{MinMoons: 2, MaxMoons: 2, MinMoonRadius: 0})
	for _, m := range got {
		if m.MeanRadius < 2410 {
			t.Errorf("cap kept small moon %s (%v km)", m.ID, m.MeanRadius)
		}
	}
}

func TestSyntheticPhases(t *testing.T) {
	withPhase := moon("c", "p", 300, 3000)
	withPhase.MainAnomaly = 42

	reg := build(bodies.Document{
		Planets: []bodies.Record{planet("p", "P", 1e8, 100)},
		Moons: []bodies.Record{
			moon("b", "p", 200, 2000),
			withPhase,
			moon("a", "p", 100, 1000),
		},
	})

	p, _ := reg.Lookup("p")
	want := map[string]float64{"a": 0, "b": 45, "c": 42}
	for _, m := range p.Children {
		if m.InitialPhaseDeg != want[m.ID] {
			t.Errorf("%s phase = %v, want %v", m.ID, m.InitialPhaseDeg, want[m.ID])
		}
	}
}

func TestPhaseWrapped(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{370, 10},
		{-30, 330},
		{360, 0},
		{720.5, 0.5},
	}
	for _, tt := range tests {
		rec := planet("p", "P", 1e8, 100)
		rec.MainAnomaly = tt.in
		p, ok := build(bodies.Document{Planets: []bodies.Record{rec}}).Lookup("p")
		if !ok {
			t.Fatalf("phase %v rejected", tt.in)
		}
		if math.Abs(p.InitialPhaseDeg-tt.want) > 1e-9 {
			t.Errorf("phase %v wrapped to %v, want %v", tt.in, p.InitialPhaseDeg, tt.want)
		}
	}
}

func TestRetrograde(t *testing.T) {
	reg := build(bodies.Document{
		Planets: []bodies.Record{planet("neptune", "Neptune", 4.5e9, 60189)},
		Moons: []bodies.Record{
			moon("triton", "neptune", 1353, 354759),
			moon("protee", "neptune", 210, 117647),
		},
	})

	triton, _ := reg.Lookup("triton")
	if triton.Direction != Retrograde {
		t.Errorf("triton direction = %v, want retrograde", triton.Direction)
	}
	protee, _ := reg.Lookup("protee")
	if protee.Direction != Prograde {
		t.Errorf("protee direction = %v, want prograde", protee.Direction)
	}
}

func TestRetrogradeByName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retrograde = []string{"Venus"}
	reg := Build(context.Background(), bodies.Document{Planets: []bodies.Record{planet("venus", "Venus", 1e8, 224.7)}}, cfg)

	v, _ := reg.Lookup("venus")
	if v.Direction != Retrograde {
		t.Errorf("direction = %v, want retrograde", v.Direction)
	}
}

// TestMalformedRecordsSkipped verifies invalid records are reported and
// skipped without affecting the rest of the batch.
func TestMalformedRecordsSkipped(t *testing.T) {
	zeroPeriod := planet("bad", "Bad", 2e8, 0)
	nanRadius := planet("nan", "NaN", 3e8, 100)
	nanRadius.MeanRadius = math.NaN()
	infPhase := planet("inf", "Inf", 4e8, 100)
	infPhase.MainAnomaly = math.Inf(1)
	withParent := planet("sat", "Sat", 5e8, 100)
	withParent.AroundPlanet = &bodies.PlanetRef{Planet: "terre"}

	reg := build(bodies.Document{
		Planets: []bodies.Record{
			planet("terre", "Earth", 1.5e8, 365.256),
			zeroPeriod,
			nanRadius,
			infPhase,
			withParent,
			planet("", "Nameless", 6e8, 100),
			planet("terre", "Earth again", 7e8, 100),
			planet("mars", "Mars", 2.2e8, 686.98),
		},
		Moons: []bodies.Record{
			moon("lune", "terre", 1737, 384400),
			moon("orphan", "vulcan", 100, 1000),
			moon("child-of-bad", "bad", 100, 1000),
			{ID: "loose", EnglishName: "Loose", MeanRadius: 1, SemimajorAxis: 1, SideralOrbit: 1},
			moon("mars", "terre", 100, 2000),
		},
	})

	if got := len(reg.Planets()); got != 2 {
		t.Errorf("planets = %d, want 2", got)
	}
	if _, ok := reg.Lookup("lune"); !ok {
		t.Error("valid moon missing")
	}

	wantIssues := map[string]string{
		"bad":          "sideralOrbit",
		"nan":          "meanRadius",
		"inf":          "mainAnomaly",
		"sat":          "aroundPlanet",
		"":             "id",
		"orphan":       "aroundPlanet",
		"child-of-bad": "aroundPlanet",
		"loose":        "aroundPlanet",
	}
	issues := reg.Issues()
	// Both duplicate ids are reported too.
	if len(issues) != len(wantIssues)+2 {
		t.Errorf("issues = %d, want %d: %v", len(issues), len(wantIssues)+2, issues)
	}
	dups := 0
	for _, issue := range issues {
		if issue.Reason == "duplicate id" {
			dups++
			continue
		}
		if field, ok := wantIssues[issue.BodyID]; !ok || field != issue.Field {
			t.Errorf("unexpected issue %v", issue)
		}
	}
	if dups != 2 {
		t.Errorf("duplicate issues = %d, want 2", dups)
	}

	var verr *ValidationError
	if !errors.As(error(issues[0]), &verr) {
		t.Error("issue does not unwrap to *ValidationError")
	}
}

func TestBodiesOrder(t *testing.T) {
	reg := build(bodies.Document{
		Planets: []bodies.Record{
			planet("mars", "Mars", 2.2e8, 686.98),
			planet("terre", "Earth", 1.5e8, 365.256),
		},
		Moons: []bodies.Record{
			moon("deimos", "mars", 6.2, 23458),
			moon("lune", "terre", 1737, 384400),
			moon("phobos", "mars", 11.1, 9376),
		},
	})

	want := []string{"terre", "lune", "mars", "phobos", "deimos"}
	got := reg.Bodies()
	if len(got) != len(want) {
		t.Fatalf("bodies = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("body %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestReference(t *testing.T) {
	reg := build(bodies.Document{Planets: []bodies.Record{planet("terre", "Earth", 1.5e8, 365.256)}})
	ref, ok := reg.Reference()
	if !ok || ref.ID != "terre" {
		t.Errorf("reference = %v, %v; want terre", ref, ok)
	}

	cfg := DefaultConfig()
	cfg.ReferenceBody = "mars"
	if _, ok := Build(context.Background(), bodies.Document{Planets: []bodies.Record{planet("terre", "Earth", 1.5e8, 365.256)}}, cfg).Reference(); ok {
		t.Error("reference found for a body that is not in the registry")
	}
}

func TestFind(t *testing.T) {
	reg := build(bodies.Document{Planets: []bodies.Record{planet("terre", "Earth", 1.5e8, 365.256)}})
	for _, key := range []string{"terre", "TERRE", "earth"} {
		if b, ok := reg.Find(key); !ok || b.ID != "terre" {
			t.Errorf("Find(%q) = %v, %v", key, b, ok)
		}
	}
	if _, ok := reg.Find("pluton"); ok {
		t.Error("Find(pluton) succeeded")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "id", Reason: "missing"}
	if got := err.Error(); got != "body <no id>: id: missing" {
		t.Errorf("Error() = %q", got)
	}
}
