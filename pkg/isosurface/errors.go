package isosurface

import "errors"

var (
	// ErrInvalidSpacing is returned for a non-positive or non-finite spacing.
	ErrInvalidSpacing = errors.New("isosurface: voxel spacing must be finite and positive")

	// ErrInvalidField is returned when the field holds NaN/Inf samples or its
	// buffer does not match its shape.
	ErrInvalidField = errors.New("isosurface: invalid scalar field")

	// ErrDegenerateVolume is returned when an axis has fewer than two samples,
	// so no cube can be formed.
	ErrDegenerateVolume = errors.New("isosurface: volume needs at least 2 samples along every axis")

	// ErrInvalidThreshold is returned for a NaN threshold.
	ErrInvalidThreshold = errors.New("isosurface: threshold is NaN")
)
