// Package meshcache serves isosurface meshes per case and threshold,
// computing each one at most once.
//
// A lookup tries the in-memory hot tier, then the persisted mesh blob, and
// only then loads the case volume and extracts the mesh. Concurrent requests
// for the same key share a single computation. Entries are never invalidated:
// case volumes are immutable once stored.
package meshcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"golang.org/x/sync/singleflight"

	"dicommesh/internal/models"
	"dicommesh/pkg/isosurface"
	"dicommesh/pkg/logger"
	"dicommesh/pkg/reconstruction"
)

// DefaultThreshold is the iso level computed eagerly when a case is created.
const DefaultThreshold = 0.5

// ErrInvalidThreshold is returned for thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("threshold must be a number in [0, 1]")

// Store loads case volumes and persists encoded meshes. LoadMesh reports
// found=false, not an error, for a key with no stored mesh.
type Store interface {
	LoadVolume(ctx context.Context, caseID string) (*models.Volume, error)
	LoadMesh(ctx context.Context, caseID, key string) (data []byte, found bool, err error)
	SaveMesh(ctx context.Context, caseID, key string, data []byte) error
}

// Stats counts how lookups were served.
type Stats struct {
	HotHits      int64
	StoreHits    int64
	Computations int64
}

// Cache is safe for concurrent use.
type Cache struct {
	store   Store
	hot     *freecache.Cache
	group   singleflight.Group
	normals bool
	log     *logger.Logger

	hotHits      atomic.Int64
	storeHits    atomic.Int64
	computations atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithHotCacheMB sizes the in-memory tier. Zero disables it.
func WithHotCacheMB(mb int) Option {
	return func(c *Cache) {
		if mb <= 0 {
			c.hot = nil
			return
		}
		c.hot = freecache.NewCache(mb * 1024 * 1024)
	}
}

// WithNormals controls per-vertex normals in computed meshes.
func WithNormals(on bool) Option {
	return func(c *Cache) { c.normals = on }
}

// WithLogger sets the logger for computations and hot tier misses. A nil
// logger discards output.
func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) { c.log = logger.OrNop(l) }
}

// New returns a cache over store. Without options there is no hot tier and
// normals are computed.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, normals: true, log: logger.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the canonical form of a threshold used to name cache entries.
// Thresholds that compare equal as float64 share a key.
func Key(threshold float64) (string, error) {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return "", fmt.Errorf("%w, got %v", ErrInvalidThreshold, threshold)
	}
	if threshold == 0 {
		threshold = 0 // fold -0
	}
	return strconv.FormatFloat(threshold, 'g', -1, 64), nil
}

// ParseThreshold parses a query value, defaulting to DefaultThreshold when
// s is empty.
func ParseThreshold(s string) (float64, error) {
	if s == "" {
		return DefaultThreshold, nil
	}
	t, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w, got %q", ErrInvalidThreshold, s)
	}
	if _, err := Key(t); err != nil {
		return 0, err
	}
	return t, nil
}

// GetOrComputeBytes returns the encoded mesh JSON for caseID at threshold.
// Repeated calls return identical bytes. The returned slice may be shared
// with other callers and must not be modified.
func (c *Cache) GetOrComputeBytes(ctx context.Context, caseID string, threshold float64) ([]byte, error) {
	key, err := Key(threshold)
	if err != nil {
		return nil, err
	}
	hotKey := []byte(caseID + "/" + key)

	if c.hot != nil {
		if data, err := c.hot.Get(hotKey); err == nil {
			c.hotHits.Add(1)
			return data, nil
		}
	}

	data, shared, err := c.share(ctx, string(hotKey), func(ctx context.Context) ([]byte, error) {
		data, found, err := c.store.LoadMesh(ctx, caseID, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load mesh: %w", err)
		}
		if found {
			c.storeHits.Add(1)
			c.fill(hotKey, data)
			return data, nil
		}

		vol, err := c.store.LoadVolume(ctx, caseID)
		if err != nil {
			return nil, err
		}
		return c.computeAndSave(ctx, caseID, key, vol, threshold)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("mesh request joined in-flight computation", "case", caseID, "threshold", key)
	}
	return data, nil
}

// GetOrCompute is GetOrComputeBytes decoded into a Mesh.
func (c *Cache) GetOrCompute(ctx context.Context, caseID string, threshold float64) (*models.Mesh, error) {
	data, err := c.GetOrComputeBytes(ctx, caseID, threshold)
	if err != nil {
		return nil, err
	}
	var mesh models.Mesh
	if err := json.Unmarshal(data, &mesh); err != nil {
		return nil, fmt.Errorf("failed to decode cached mesh: %w", err)
	}
	return &mesh, nil
}

// Warm computes and stores the mesh of a freshly created case from its
// in-memory volume, skipping the volume load.
func (c *Cache) Warm(ctx context.Context, caseID string, vol *models.Volume, threshold float64) error {
	key, err := Key(threshold)
	if err != nil {
		return err
	}
	_, _, err = c.share(ctx, caseID+"/"+key, func(ctx context.Context) ([]byte, error) {
		return c.computeAndSave(ctx, caseID, key, vol, threshold)
	})
	return err
}

// share runs fn once per key among concurrent callers. fn gets a context
// that keeps ctx's values but not its cancellation, so one caller giving up
// does not fail the others. Each caller still returns early when its own
// ctx is done.
func (c *Cache) share(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	work := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(work)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops the in-memory entry of caseID at threshold. Persisted meshes
// are the store's concern.
func (c *Cache) Forget(caseID string, threshold float64) {
	key, err := Key(threshold)
	if err != nil || c.hot == nil {
		return
	}
	c.hot.Del([]byte(caseID + "/" + key))
}

// Stats returns the lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		HotHits:      c.hotHits.Load(),
		StoreHits:    c.storeHits.Load(),
		Computations: c.computations.Load(),
	}
}

func (c *Cache) computeAndSave(ctx context.Context, caseID, key string, vol *models.Volume, threshold float64) ([]byte, error) {
	start := time.Now()
	c.computations.Add(1)

	field := reconstruction.Normalize(vol)
	mesh, err := isosurface.ExtractMesh(field, vol.Spacing, threshold, isosurface.WithNormals(c.normals))
	if err != nil {
		return nil, fmt.Errorf("failed to extract mesh: %w", err)
	}
	data, err := json.Marshal(mesh)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mesh: %w", err)
	}
	if err := c.store.SaveMesh(ctx, caseID, key, data); err != nil {
		return nil, fmt.Errorf("failed to save mesh: %w", err)
	}
	c.fill([]byte(caseID+"/"+key), data)

	c.log.Info("mesh computed", "case", caseID, "threshold", key,
		"vertices", len(mesh.Vertices), "faces", len(mesh.Faces), "elapsed", time.Since(start))
	return data, nil
}

func (c *Cache) fill(hotKey, data []byte) {
	if c.hot == nil {
		return
	}
	// freecache rejects entries above 1/1024 of its size; those stay on disk only.
	if err := c.hot.Set(hotKey, data, 0); err != nil {
		c.log.Debug("mesh not kept in memory", "key", string(hotKey), "size", len(data), "error", err)
	}
}
