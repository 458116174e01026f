package bodies

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/star/orrery/internal/metrics"
)

const (
	defaultSourceURL = "https://api.le-systeme-solaire.net/rest/bodies"

	// maxBodyBytes bounds a single API response.
	maxBodyBytes = 10 << 20

	// maxMoonRequests bounds concurrent moon requests against the API.
	maxMoonRequests = 4
)

var tracer = otel.Tracer("github.com/star/orrery/internal/bodies")

// Fetcher retrieves planet and moon records from the Solar System OpenData API.
type Fetcher struct {
	sourceURL  string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher for the given API base URL. token, when
// non-empty, is sent as a Bearer credential.
func NewFetcher(sourceURL, token string, logger *slog.Logger) *Fetcher {
	if sourceURL == "" {
		sourceURL = defaultSourceURL
	}
	return &Fetcher{
		sourceURL: sourceURL,
		token:     token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// SourceURL returns the configured API base URL.
func (f *Fetcher) SourceURL() string {
	return f.sourceURL
}

// Fetch downloads every planet, then the moons of each planet that has any.
// Moon lists are requested concurrently. A failed moon request fails the
// whole fetch so a partial hierarchy is never cached.
func (f *Fetcher) Fetch(ctx context.Context) (*Document, error) {
	ctx, span := tracer.Start(ctx, "bodies.fetch")
	defer span.End()

	start := time.Now()
	doc, err := f.fetch(ctx)
	metrics.ObserveFetch(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("planets", len(doc.Planets)),
		attribute.Int("moons", len(doc.Moons)),
	)
	return doc, nil
}

func (f *Fetcher) fetch(ctx context.Context) (*Document, error) {
	planets, err := f.get(ctx, planetsQuery())
	if err != nil {
		return nil, fmt.Errorf("fetching planets: %w", err)
	}

	var parents []string
	for _, p := range planets {
		if p.HasMoons() {
			parents = append(parents, p.ID)
		}
	}

	moonLists := make([][]Record, len(parents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxMoonRequests)
	for i, id := range parents {
		g.Go(func() error {
			ctx, span := tracer.Start(gctx, "bodies.fetch_moons")
			defer span.End()
			span.SetAttributes(attribute.String("planet_id", id))

			moons, err := f.get(ctx, moonsQuery(id))
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("fetching moons of %s: %w", id, err)
			}
			moonLists[i] = moons
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	doc := &Document{Planets: planets}
	for _, moons := range moonLists {
		doc.Moons = append(doc.Moons, moons...)
	}

	f.logger.Info("fetched body data",
		"source_url", f.sourceURL,
		"planets", len(doc.Planets),
		"moons", len(doc.Moons),
	)
	return doc, nil
}

// apiResponse is the envelope of the /bodies endpoint.
type apiResponse struct {
	Bodies []Record `json:"bodies"`
}

func (f *Fetcher) get(ctx context.Context, query url.Values) ([]Record, error) {
	u := f.sourceURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", f.sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, f.sourceURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", f.sourceURL, maxBodyBytes)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out.Bodies, nil
}

func planetsQuery() url.Values {
	q := url.Values{}
	q.Set("order", "semimajorAxis,asc")
	q.Add("filter[]", "isPlanet,neq,0")
	q.Add("filter[]", "isPlanet,neq,-1")
	return q
}

func moonsQuery(planetID string) url.Values {
	q := url.Values{}
	q.Set("order", "meanRadius,desc")
	q.Add("filter[]", "aroundPlanet,eq,"+planetID)
	return q
}
