package registry

import "sort"

// SelectMoons applies the moon filter to one planet's candidates. Candidates
// are ranked by descending mean radius: the first MinMoons always survive,
// later ones only if larger than MinMoonRadius, and at most MaxMoons are
// kept. The result is ordered by ascending semimajor axis.
func SelectMoons(candidates []*Body, cfg Config) []*Body {
	ranked := make([]*Body, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MeanRadius > ranked[j].MeanRadius
	})

	var kept []*Body
	for i, m := range ranked {
		if i < cfg.MinMoons || m.MeanRadius > cfg.MinMoonRadius {
			kept = append(kept, m)
		}
	}
	if len(kept) > cfg.MaxMoons {
		kept = kept[:cfg.MaxMoons]
	}

	sortByAxis(kept)
	return kept
}

// spreadPhases gives moons without a known phase a synthetic one so
// siblings do not start on top of each other.
func spreadPhases(moons []*Body, maxMoons int) {
	step := 360 / float64(maxMoons)
	for i, m := range moons {
		if m.InitialPhaseDeg == 0 {
			m.InitialPhaseDeg = step * float64(i)
		}
	}
}

func sortByAxis(list []*Body) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].SemimajorAxis != list[j].SemimajorAxis {
			return list[i].SemimajorAxis < list[j].SemimajorAxis
		}
		return list[i].ID < list[j].ID
	})
}
