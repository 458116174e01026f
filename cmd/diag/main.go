// Command diag loads a cached body dataset, reports the records the
// registry rejects, and integrates a few synthetic ticks offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/star/orrery/internal/bodies"
	"github.com/star/orrery/internal/calendar"
	"github.com/star/orrery/internal/orbit"
	"github.com/star/orrery/internal/registry"
)

func main() {
	cacheDir := flag.String("cache", "/tmp/orrery/bodies", "body cache directory")
	file := flag.String("file", "", "dataset file to read instead of the newest cache entry")
	days := flag.Float64("days", 365.25, "simulated days to integrate")
	ticks := flag.Int("ticks", 100, "number of ticks the days are split into")
	start := flag.String("start", "", "calendar start date (YYYY-MM-DD, default today)")
	reference := flag.String("reference", "Earth", "calendar reference body")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	data, source, err := readDataset(*cacheDir, *file)
	if err != nil {
		fmt.Println("ERROR reading body data:", err)
		os.Exit(1)
	}
	doc, err := bodies.Parse(data)
	if err != nil {
		fmt.Println("ERROR parsing body data:", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d planets and %d moons from %s\n", len(doc.Planets), len(doc.Moons), source)

	cfg := registry.DefaultConfig()
	cfg.ReferenceBody = *reference
	reg := registry.Build(context.Background(), *doc, cfg)
	fmt.Printf("Registry: %d bodies, %d skipped records, %d moons filtered\n", reg.Len(), len(reg.Issues()), reg.Filtered())
	for _, issue := range reg.Issues() {
		fmt.Println("  skipped:", issue)
	}
	if reg.Len() == 0 {
		os.Exit(1)
	}

	startDate, err := calendar.ParseStart(*start, time.Now())
	if err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(1)
	}
	cal, err := calendar.New(startDate, reg)
	if err != nil {
		logger.Warn("calendar disabled", "reference_body", *reference, "error", err)
	}

	if *ticks < 1 {
		*ticks = 1
	}
	// One wall second per simulated day keeps the tick length readable.
	in := orbit.NewIntegrator(1)
	step := time.Duration(*days / float64(*ticks) * float64(time.Second))
	state := orbit.Seed(reg)
	initial := state.Clone()

	began := time.Now()
	for i := 0; i < *ticks; i++ {
		next, err := in.Advance(state, reg, 1, step)
		if err != nil {
			fmt.Printf("ERROR at tick %d: %v\n", i, err)
			os.Exit(1)
		}
		state = next
		cal.Observe(state.Travel)
	}
	fmt.Printf("Integrated %d ticks (%.2f days) in %v\n\n", *ticks, state.ElapsedDays, time.Since(began))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BODY\tPARENT\tPERIOD (d)\tDIR\tSTART (°)\tNOW (°)\tREVS")
	for _, b := range reg.Bodies() {
		parent := "-"
		if b.IsMoon() {
			parent = b.ParentID
		}
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%.3f\t%.3f\t%.3f\n",
			b.DisplayName, parent, b.SiderealPeriodDays, b.Direction,
			initial.Angles[b.ID], state.Angles[b.ID], state.Travel[b.ID]/360)
	}
	w.Flush()

	if cal.Enabled() {
		fmt.Printf("\nDate: %s (+%d days, JD %.1f)\n", cal, cal.DaysPassed(), cal.JulianDay())
	}
}

func readDataset(cacheDir, file string) ([]byte, string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		return data, file, err
	}
	data, ts, err := bodies.NewCache(cacheDir, 0).LoadLatest()
	if err != nil {
		return nil, "", err
	}
	return data, fmt.Sprintf("cache (%s)", ts.UTC().Format(time.RFC3339)), nil
}
