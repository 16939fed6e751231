package model

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sandboxws/boostsql/pkg/metrics"
)

// Loader reads a model from disk. Load is the default.
type Loader func(path string, format Format) (Model, error)

// Cache holds loaded models keyed by path and format, so one file read as
// two formats is two entries. Models are immutable, so a hit only takes the
// read lock; concurrent misses for one key share a single load. Failed loads
// are not cached.
type Cache struct {
	load   Loader
	mu     sync.RWMutex
	models map[cacheKey]Model
	group  singleflight.Group
}

type cacheKey struct {
	path   string
	format Format
}

// keyFor resolves an empty format from the path so explicit and inferred
// requests for one file share an entry.
func keyFor(path string, format Format) cacheKey {
	if format == "" {
		format = FormatFromPath(path)
	}
	return cacheKey{path: path, format: format}
}

func (k cacheKey) String() string { return string(k.format) + ":" + k.path }

// NewCache creates an empty cache. A nil loader uses Load.
func NewCache(load Loader) *Cache {
	if load == nil {
		load = Load
	}
	return &Cache{load: load, models: make(map[cacheKey]Model)}
}

// Get returns the model at path read as format, loading it on first use.
func (c *Cache) Get(path string, format Format) (Model, error) {
	key := keyFor(path, format)
	format = key.format
	c.mu.RLock()
	m, ok := c.models[key]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.mu.RLock()
		m, ok := c.models[key]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}

		start := time.Now()
		m, err := c.load(path, format)
		metrics.ModelLoadSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ModelLoads.WithLabelValues(path, "error").Inc()
			slog.Error("model load failed", "path", path, "format", format, "error", err)
			return nil, err
		}
		metrics.ModelLoads.WithLabelValues(path, "ok").Inc()
		slog.Info("model loaded", "path", path, "format", format,
			"features", m.NumFeatures(), "duration", time.Since(start))

		c.mu.Lock()
		c.models[key] = m
		metrics.CachedModels.Set(float64(len(c.models)))
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

// Preload loads every path concurrently and returns the first error.
func (c *Cache) Preload(ctx context.Context, format Format, paths ...string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, p := range paths {
		g.Go(func() error {
			_, err := c.Get(p, format)
			return err
		})
	}
	return g.Wait()
}

// Invalidate drops path in every format so the next Get reloads it from
// disk.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	for key := range c.models {
		if key.path == path {
			delete(c.models, key)
			c.group.Forget(key.String())
		}
	}
	metrics.CachedModels.Set(float64(len(c.models)))
	c.mu.Unlock()
}

// Purge drops every cached model.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.models = make(map[cacheKey]Model)
	metrics.CachedModels.Set(0)
	c.mu.Unlock()
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
