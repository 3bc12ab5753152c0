package models

// SliceRecord represents a single parsed DICOM slice with the metadata
// needed to order and stack it.
type SliceRecord struct {
	// Source names where the slice was read from (file path or archive entry)
	Source string

	// Pixels holds Rows*Columns samples in row-major order
	Pixels []int16

	// Rows and Columns are the 2D dimensions of the slice
	Rows    int
	Columns int

	// InstanceNumber is the explicit ordering index, valid when HasInstanceNumber is set
	InstanceNumber    int
	HasInstanceNumber bool

	// SliceLocation is the position along the stacking axis, valid when HasSliceLocation is set
	SliceLocation    float64
	HasSliceLocation bool

	// Thickness, RowSpacing and ColumnSpacing are the physical spacings in mm.
	// SpacingOK is false when any of them was missing or unparseable.
	Thickness     float64
	RowSpacing    float64
	ColumnSpacing float64
	SpacingOK     bool
}

// OrderKey returns the sort key used to stack the slice: the instance
// number if present, else the slice location, else 0.
func (s *SliceRecord) OrderKey() float64 {
	switch {
	case s.HasInstanceNumber:
		return float64(s.InstanceNumber)
	case s.HasSliceLocation:
		return s.SliceLocation
	default:
		return 0
	}
}

// Spacing is the physical distance between adjacent samples along the
// depth, row and column axes, in that order.
type Spacing [3]float64

// DefaultSpacing is used when slice metadata is absent or malformed.
var DefaultSpacing = Spacing{1, 1, 1}

// Volume represents a 3D volume stacked from ordered slices
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (depth, height, width)
	Data []int16

	// Depth, Height and Width are the dimensions of the volume in voxels
	Depth  int
	Height int
	Width  int

	// Spacing is the physical voxel size in mm (depth, row, column)
	Spacing Spacing
}

// Index returns the offset of voxel (z, y, x) in Data.
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Height+y)*v.Width + x
}

// Shape returns (depth, height, width).
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// NormalizedField is a Volume rescaled to floating point samples in [0, 1].
type NormalizedField struct {
	Data []float64

	Depth  int
	Height int
	Width  int

	// Min and Max are the bounds of Data after rescaling. They are
	// informational: extraction rescans Data since it must reject NaN and
	// infinite samples anyway.
	Min float64
	Max float64
}

// Index returns the offset of sample (z, y, x) in Data.
func (f *NormalizedField) Index(z, y, x int) int {
	return (z*f.Height+y)*f.Width + x
}
