package reconstruction

import (
	"gonum.org/v1/gonum/stat"

	"dicommesh/internal/models"
)

// VolumeStats returns the mean and standard deviation of the raw intensities.
func VolumeStats(v *models.Volume) (mean, std float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	data := make([]float64, len(v.Data))
	for i, s := range v.Data {
		data[i] = float64(s)
	}
	if len(data) == 1 {
		return data[0], 0
	}
	return stat.MeanStdDev(data, nil)
}
