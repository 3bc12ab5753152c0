// Package cases turns uploaded slice series into persisted cases and answers
// questions about them.
package cases

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dicommesh/internal/models"
	"dicommesh/pkg/casestore"
	"dicommesh/pkg/dicomio"
	"dicommesh/pkg/logger"
	"dicommesh/pkg/meshcache"
	"dicommesh/pkg/reconstruction"
	"dicommesh/pkg/visualization"
)

// Service coordinates ingestion, the case store and the mesh cache.
type Service struct {
	store            *casestore.Store
	meshes           *meshcache.Cache
	defaultThreshold float64
	workers          int
	log              *logger.Logger

	// newID is swapped in tests.
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultThreshold sets the iso level meshed eagerly on ingestion.
func WithDefaultThreshold(t float64) Option {
	return func(s *Service) { s.defaultThreshold = t }
}

// WithWorkers bounds the number of slices parsed concurrently.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

// WithLogger sets the logger used for ingestion. A nil logger discards
// output.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = logger.OrNop(l) }
}

// NewService wires a case service over store and meshes.
func NewService(store *casestore.Store, meshes *meshcache.Cache, opts ...Option) *Service {
	s := &Service{
		store:            store,
		meshes:           meshes,
		defaultThreshold: meshcache.DefaultThreshold,
		workers:          1,
		log:              logger.Nop(),
		newID:            func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultThreshold returns the iso level meshed on ingestion.
func (s *Service) DefaultThreshold() float64 {
	return s.defaultThreshold
}

// Meshes returns the mesh cache backing the service.
func (s *Service) Meshes() *meshcache.Cache {
	return s.meshes
}

// Ingest parses inputs into a volume, persists it under a fresh case id and
// computes the default mesh before returning. Unreadable inputs are skipped;
// an input set with no usable slice fails with models.ErrEmptySeries.
func (s *Service) Ingest(ctx context.Context, inputs []dicomio.Input) (*models.CaseInfo, error) {
	start := time.Now()

	records, err := dicomio.LoadSlices(ctx, inputs,
		dicomio.WithLogger(s.log), dicomio.WithWorkers(s.workers))
	if err != nil {
		return nil, err
	}
	vol, spacing, err := reconstruction.AssembleVolume(records)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	log := s.log.With("case", id)

	// Mesh first so a series the extractor rejects never becomes a case.
	// Anything written for id before a later step fails is removed again.
	if err := s.meshes.Warm(ctx, id, vol, s.defaultThreshold); err != nil {
		s.discard(id)
		return nil, err
	}
	if err := s.store.SaveVolume(ctx, id, vol); err != nil {
		s.discard(id)
		return nil, err
	}

	mean, std := reconstruction.VolumeStats(vol)
	info := &models.CaseInfo{
		ID:         id,
		Depth:      vol.Depth,
		Height:     vol.Height,
		Width:      vol.Width,
		Spacing:    spacing,
		Mean:       mean,
		StdDev:     std,
		Thresholds: []float64{s.defaultThreshold},
	}
	if err := s.store.SaveInfo(id, info); err != nil {
		s.discard(id)
		return nil, err
	}

	log.Info("case created", "slices", len(records), "inputs", len(inputs),
		"shape", vol.Shape(), "spacing", spacing, "elapsed", time.Since(start))
	return info, nil
}

func (s *Service) discard(id string) {
	s.meshes.Forget(id, s.defaultThreshold)
	if err := s.store.DeleteCase(id); err != nil {
		s.log.Warn("failed to remove partial case", "case", id, "error", err)
	}
}

// List returns the ids of all cases, sorted.
func (s *Service) List() ([]string, error) {
	return s.store.ListCases()
}

// Info returns the summary of a case with the thresholds cached so far. A
// case exists once its volume is stored.
func (s *Service) Info(caseID string) (*models.CaseInfo, error) {
	if !s.store.HasCase(caseID) {
		return nil, fmt.Errorf("%w: %s", casestore.ErrCaseNotFound, caseID)
	}
	info, err := s.store.LoadInfo(caseID)
	if err != nil {
		return nil, err
	}
	keys, err := s.store.MeshKeys(caseID)
	if err != nil {
		return nil, err
	}
	info.Thresholds = info.Thresholds[:0]
	for _, k := range keys {
		if t, err := strconv.ParseFloat(k, 64); err == nil {
			info.Thresholds = append(info.Thresholds, t)
		}
	}
	sort.Float64s(info.Thresholds)
	return info, nil
}

// Preview renders slice pos along axis ("x", "y" or "z") of a case as PNG,
// resampled to the physical aspect ratio.
func (s *Service) Preview(ctx context.Context, caseID, axis string, pos int) ([]byte, error) {
	vol, err := s.store.LoadVolume(ctx, caseID)
	if err != nil {
		return nil, err
	}
	viewer := visualization.NewViewer(reconstruction.Normalize(vol), vol.Spacing)
	img, err := viewer.ExtractScaledSlice(axis, pos)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := visualization.WritePNG(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
