package bodies

import "time"

// Record is one body as served by the Solar System OpenData API.
// Numeric fields are kept as decoded; the registry validates them.
type Record struct {
	ID            string     `json:"id"`
	EnglishName   string     `json:"englishName"`
	MeanRadius    float64    `json:"meanRadius"`
	SemimajorAxis float64    `json:"semimajorAxis"`
	SideralOrbit  float64    `json:"sideralOrbit"`
	MainAnomaly   float64    `json:"mainAnomaly"`
	Moons         []MoonRef  `json:"moons,omitempty"`
	AroundPlanet  *PlanetRef `json:"aroundPlanet,omitempty"`
}

// MoonRef is the API's short reference to a moon of a planet.
type MoonRef struct {
	Moon string `json:"moon"`
	Rel  string `json:"rel,omitempty"`
}

// PlanetRef is the API's back-reference from a moon to its planet.
type PlanetRef struct {
	Planet string `json:"planet"`
	Rel    string `json:"rel,omitempty"`
}

// HasMoons reports whether the API lists any moon for this body.
func (r Record) HasMoons() bool {
	return len(r.Moons) > 0
}

// ParentID returns the planet id a moon orbits, or "" for planets.
func (r Record) ParentID() string {
	if r.AroundPlanet == nil {
		return ""
	}
	return r.AroundPlanet.Planet
}

// Document is the on-disk and in-memory shape of one complete fetch:
// the planet list plus the moons of every planet that has any.
type Document struct {
	Planets []Record `json:"planets"`
	Moons   []Record `json:"moons"`
}

// Dataset is a loaded Document with provenance.
type Dataset struct {
	Source    string
	FetchedAt time.Time
	Checksum  uint64
	Document  Document
}
