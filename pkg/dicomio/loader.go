// Package dicomio reads DICOM slices into SliceRecords and collects slice
// inputs from directories and zip archives.
package dicomio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"dicommesh/internal/models"
	"dicommesh/pkg/logger"
)

var (
	// ErrNoPixelData is returned for a readable DICOM object without an image.
	ErrNoPixelData = errors.New("dicomio: no pixel data")

	// ErrUnsafeArchivePath is returned for an archive entry whose name is
	// absolute or climbs out of the archive root.
	ErrUnsafeArchivePath = errors.New("dicomio: archive entry outside destination")
)

// Option configures LoadSlices.
type Option func(*loadOptions)

type loadOptions struct {
	log     *logger.Logger
	workers int
}

// WithLogger sets the logger used to report skipped inputs.
func WithLogger(l *logger.Logger) Option {
	return func(o *loadOptions) { o.log = l }
}

// WithWorkers bounds the number of inputs parsed at once.
func WithWorkers(n int) Option {
	return func(o *loadOptions) { o.workers = n }
}

// LoadSlices parses every input and returns the valid slices in input
// order. Unreadable inputs and inputs without pixel data are logged and
// skipped. If nothing survives, the error wraps models.ErrEmptySeries.
func LoadSlices(ctx context.Context, inputs []Input, opts ...Option) ([]models.SliceRecord, error) {
	o := loadOptions{workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrNop(o.log)
	if o.workers < 1 {
		o.workers = 1
	}

	results := make([]*models.SliceRecord, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := readInput(in)
			if err != nil {
				log.Warn("skipping input", "source", in.Name, "error", err)
				return nil
			}
			results[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]models.SliceRecord, 0, len(inputs))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w (%d inputs)", models.ErrEmptySeries, len(inputs))
	}
	log.Debug("loaded slices", "valid", len(records), "skipped", len(inputs)-len(records))
	return records, nil
}

func readInput(in Input) (models.SliceRecord, error) {
	rc, err := in.Open()
	if err != nil {
		return models.SliceRecord{}, err
	}
	defer rc.Close()
	return ParseSlice(rc, in.Size, in.Name)
}

// ParseSlice decodes one DICOM object. Pixel samples of the first frame are
// cast to int16; for multi-sample pixels only the first sample is kept.
// Ordering and spacing attributes are optional.
func ParseSlice(r io.Reader, size int64, name string) (rec models.SliceRecord, err error) {
	// The parser panics on some truncated inputs.
	defer func() {
		if p := recover(); p != nil {
			rec = models.SliceRecord{}
			err = fmt.Errorf("malformed DICOM %s: %v", name, p)
		}
	}()

	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return models.SliceRecord{}, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	rec = models.SliceRecord{Source: name}
	if err := readPixels(&ds, &rec); err != nil {
		return models.SliceRecord{}, fmt.Errorf("%s: %w", name, err)
	}

	if v, ok := intValue(&ds, tag.InstanceNumber); ok {
		rec.InstanceNumber, rec.HasInstanceNumber = v, true
	}
	if v, ok := floatValues(&ds, tag.SliceLocation, 1); ok {
		rec.SliceLocation, rec.HasSliceLocation = v[0], true
	}

	thickness, okT := floatValues(&ds, tag.SliceThickness, 1)
	pixel, okP := floatValues(&ds, tag.PixelSpacing, 2)
	if okT && okP {
		rec.Thickness = thickness[0]
		rec.RowSpacing, rec.ColumnSpacing = pixel[0], pixel[1]
		rec.SpacingOK = true
	}
	return rec, nil
}

func readPixels(ds *dicom.Dataset, rec *models.SliceRecord) error {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return ErrNoPixelData
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return ErrNoPixelData
	}

	fr := info.Frames[0]
	if fr.Encapsulated || fr.NativeData == nil {
		return fmt.Errorf("encapsulated pixel data is not supported")
	}
	native := fr.NativeData
	rows, cols := native.Rows(), native.Cols()
	if rows <= 0 || cols <= 0 {
		return ErrNoPixelData
	}

	pixels := make([]int16, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			px, err := native.GetPixel(x, y)
			if err != nil {
				return fmt.Errorf("failed to read pixel (%d, %d): %w", x, y, err)
			}
			pixels[y*cols+x] = int16(px[0])
		}
	}

	rec.Pixels = pixels
	rec.Rows, rec.Columns = rows, cols
	return nil
}

// stringValues returns the string values of an element, if present.
func stringValues(ds *dicom.Dataset, t tag.Tag) ([]string, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

// intValue reads an IS element.
func intValue(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	vals, ok := stringValues(ds, t)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(vals[0]))
	if err != nil {
		return 0, false
	}
	return v, true
}

// floatValues reads the first n components of a DS element. Multi-valued
// elements may arrive split or as one backslash separated string.
func floatValues(ds *dicom.Dataset, t tag.Tag, n int) ([]float64, bool) {
	vals, ok := stringValues(ds, t)
	if !ok {
		return nil, false
	}
	var parts []string
	for _, v := range vals {
		parts = append(parts, strings.Split(v, `\`)...)
	}
	if len(parts) < n {
		return nil, false
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
