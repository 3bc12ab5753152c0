package reconstruction

import (
	"gonum.org/v1/gonum/floats"

	"dicommesh/internal/models"
)

// normEpsilon keeps the rescale finite when the volume is constant.
const normEpsilon = 1e-9

// Normalize rescales the whole volume to [0, 1] using its global minimum and
// maximum: (v - min) / (max - min + eps). Slices are never normalized on
// their own, so relative contrast across the stack is kept.
func Normalize(v *models.Volume) *models.NormalizedField {
	data := make([]float64, len(v.Data))
	for i, s := range v.Data {
		data[i] = float64(s)
	}

	field := &models.NormalizedField{
		Data:   data,
		Depth:  v.Depth,
		Height: v.Height,
		Width:  v.Width,
	}
	if len(data) == 0 {
		return field
	}

	lo, hi := floats.Min(data), floats.Max(data)
	scale := 1 / (hi - lo + normEpsilon)
	floats.AddConst(-lo, data)
	floats.Scale(scale, data)

	field.Min = floats.Min(data)
	field.Max = floats.Max(data)
	return field
}
