package bodies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/orrery/internal/metrics"
)

// ErrRegistryUnavailable means neither the API nor the disk cache produced
// a usable document.
var ErrRegistryUnavailable = errors.New("body registry unavailable")

// LoaderConfig controls cache freshness and retry pacing.
type LoaderConfig struct {
	MaxAge        time.Duration // Cached data younger than this is used as-is (default: 24h).
	RetryInterval time.Duration // Delay between failed load attempts (default: 30s).
}

// Loader resolves the current dataset from cache or network and publishes
// it to a Store.
type Loader struct {
	fetcher *Fetcher
	cache   *Cache
	store   *Store
	config  LoaderConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoader creates a Loader. fetcher may be nil to run from cache only.
func NewLoader(fetcher *Fetcher, cache *Cache, store *Store, config LoaderConfig, logger *slog.Logger) *Loader {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 30 * time.Second
	}
	return &Loader{
		fetcher: fetcher,
		cache:   cache,
		store:   store,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Load returns a dataset, preferring a cache file younger than MaxAge,
// then the network, then a stale cache file. The result is stored and the
// second return value reports whether its content differs from the
// previously stored dataset.
func (l *Loader) Load(ctx context.Context) (*Dataset, bool, error) {
	return l.load(ctx, false)
}

// Refresh is Load without the fresh-cache shortcut.
func (l *Loader) Refresh(ctx context.Context) (*Dataset, bool, error) {
	return l.load(ctx, true)
}

func (l *Loader) load(ctx context.Context, force bool) (*Dataset, bool, error) {
	cached, cachedErr := l.loadCache()
	if cachedErr == nil && !force && l.now().Sub(cached.FetchedAt) < l.config.MaxAge {
		return l.publish(cached)
	}

	ds, fetchErr := l.fetch(ctx)
	if fetchErr == nil {
		return l.publish(ds)
	}

	if cachedErr == nil {
		l.logger.Warn("fetch failed, serving stale cached body data",
			"error", fetchErr,
			"cached_at", cached.FetchedAt.UTC().Format(time.RFC3339),
		)
		cached.Source = "stale-cache"
		return l.publish(cached)
	}

	return nil, false, fmt.Errorf("%w: fetch: %v; cache: %v", ErrRegistryUnavailable, fetchErr, cachedErr)
}

func (l *Loader) publish(ds *Dataset) (*Dataset, bool, error) {
	changed := l.store.Set(ds)
	metrics.SetDatasetBodies(len(ds.Document.Planets), len(ds.Document.Moons))
	metrics.SetDatasetAge(l.now().Sub(ds.FetchedAt).Seconds())
	return ds, changed, nil
}

func (l *Loader) loadCache() (*Dataset, error) {
	data, ts, err := l.cache.LoadLatest()
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewDataset(doc, data, "cache", ts), nil
}

func (l *Loader) fetch(ctx context.Context) (*Dataset, error) {
	if l.fetcher == nil {
		return nil, errors.New("fetching disabled")
	}
	doc, err := l.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	data, err := Encode(doc)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if err := l.cache.Write(data, now); err != nil {
		l.logger.Warn("failed to write body cache", "error", err)
	}
	return NewDataset(doc, data, "network", now), nil
}

// Run loads a dataset, retrying every RetryInterval until it succeeds, then
// refreshes it every MaxAge. onChange is called from Run's goroutine each
// time the stored content changes. Blocks until ctx is cancelled.
func (l *Loader) Run(ctx context.Context, onChange func(*Dataset)) {
	next := l.config.MaxAge
	ds, changed, err := l.Load(ctx)
	for err != nil {
		l.logger.Warn("body data unavailable, retrying",
			"error", err,
			"retry_in_seconds", l.config.RetryInterval.Seconds(),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.config.RetryInterval):
		}
		ds, changed, err = l.Load(ctx)
	}
	if changed {
		onChange(ds)
	}
	if age := l.now().Sub(ds.FetchedAt); age < l.config.MaxAge {
		next = l.config.MaxAge - age
	}

	timer := time.NewTimer(next)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ds, changed, err := l.Refresh(ctx)
		if err != nil {
			l.logger.Warn("body data refresh failed", "error", err)
			timer.Reset(l.config.RetryInterval)
			continue
		}
		if changed {
			onChange(ds)
		}
		timer.Reset(l.config.MaxAge)
	}
}
