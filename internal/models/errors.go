package models

import (
	"errors"
	"fmt"
)

// ErrEmptySeries is returned when no usable slice survives loading.
var ErrEmptySeries = errors.New("no valid DICOM slices found")

// ShapeMismatchError reports a slice whose 2D shape differs from the first
// slice of the sorted series.
type ShapeMismatchError struct {
	// Index is the position of the offending slice after sorting
	Index  int
	Source string

	WantRows, WantColumns int
	GotRows, GotColumns   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("slice %d (%s) is %dx%d, expected %dx%d",
		e.Index, e.Source, e.GotRows, e.GotColumns, e.WantRows, e.WantColumns)
}
