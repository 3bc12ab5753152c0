package reconstruction

import (
	"math"
	"sort"

	"dicommesh/internal/models"
)

// AssembleVolume orders the slices and stacks them into a single contiguous
// volume of shape (depth, height, width).
//
// Slices are sorted by one global key: the instance number when present,
// else the slice location, else 0. The sort is stable so slices without
// ordering metadata keep their discovery order. The voxel spacing comes from
// the first sorted slice; if any of its three spacings is unusable the
// default (1, 1, 1) is used for all axes.
//
// The input slice is not modified.
func AssembleVolume(records []models.SliceRecord) (*models.Volume, models.Spacing, error) {
	if len(records) == 0 {
		return nil, models.Spacing{}, models.ErrEmptySeries
	}

	sorted := make([]*models.SliceRecord, len(records))
	for i := range records {
		sorted[i] = &records[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OrderKey() < sorted[j].OrderKey()
	})

	first := sorted[0]
	height, width := first.Rows, first.Columns
	sliceSize := height * width

	for i, s := range sorted {
		if s.Rows != height || s.Columns != width || len(s.Pixels) != s.Rows*s.Columns {
			return nil, models.Spacing{}, &models.ShapeMismatchError{
				Index:       i,
				Source:      s.Source,
				WantRows:    height,
				WantColumns: width,
				GotRows:     s.Rows,
				GotColumns:  s.Columns,
			}
		}
	}

	vol := &models.Volume{
		Data:   make([]int16, sliceSize*len(sorted)),
		Depth:  len(sorted),
		Height: height,
		Width:  width,
	}
	for z, s := range sorted {
		copy(vol.Data[z*sliceSize:(z+1)*sliceSize], s.Pixels)
	}

	vol.Spacing = spacingOf(first)
	return vol, vol.Spacing, nil
}

// spacingOf returns (thickness, row spacing, column spacing) or the default
// when any of the three is unusable.
func spacingOf(s *models.SliceRecord) models.Spacing {
	if !s.SpacingOK {
		return models.DefaultSpacing
	}
	sp := models.Spacing{s.Thickness, s.RowSpacing, s.ColumnSpacing}
	if !ValidSpacing(sp) {
		return models.DefaultSpacing
	}
	return sp
}

// ValidSpacing reports whether every component is finite and positive.
func ValidSpacing(sp models.Spacing) bool {
	for _, v := range sp {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return true
}
