package reconstruction

import (
	"math"
	"testing"

	"dicommesh/internal/models"
)

func TestNormalizeRange(t *testing.T) {
	vol := &models.Volume{
		Data:   []int16{-100, 0, 100, 300, 50, -100, 300, 20},
		Depth:  2,
		Height: 2,
		Width:  2,
	}

	field := Normalize(vol)
	if field.Depth != 2 || field.Height != 2 || field.Width != 2 {
		t.Fatalf("Unexpected field shape %dx%dx%d", field.Depth, field.Height, field.Width)
	}
	for i, v := range field.Data {
		if v < 0 || v > 1 {
			t.Errorf("Sample %d = %f outside [0, 1]", i, v)
		}
	}

	if field.Data[0] != 0 {
		t.Errorf("Expected the minimum to map to 0, got %f", field.Data[0])
	}
	if math.Abs(field.Data[3]-1) > 1e-9 {
		t.Errorf("Expected the maximum to map to ~1, got %f", field.Data[3])
	}
	// (0 - -100) / 400
	if math.Abs(field.Data[1]-0.25) > 1e-9 {
		t.Errorf("Expected 0.25, got %f", field.Data[1])
	}
	if field.Min != 0 || math.Abs(field.Max-1) > 1e-9 {
		t.Errorf("Unexpected recorded range [%f, %f]", field.Min, field.Max)
	}

	// The raw volume is untouched.
	if vol.Data[0] != -100 {
		t.Error("Normalize modified its input")
	}
}

func TestNormalizeIsGlobal(t *testing.T) {
	// A dim slice stays dim next to a bright one.
	vol := &models.Volume{
		Data:   []int16{0, 10, 0, 1000},
		Depth:  2,
		Height: 1,
		Width:  2,
	}
	field := Normalize(vol)
	if field.Data[1] > 0.02 {
		t.Errorf("Dim slice was rescaled on its own: %f", field.Data[1])
	}
}

func TestNormalizeConstant(t *testing.T) {
	vol := &models.Volume{Data: []int16{7, 7, 7, 7, 7, 7, 7, 7}, Depth: 2, Height: 2, Width: 2}
	field := Normalize(vol)
	for i, v := range field.Data {
		if v != 0 {
			t.Errorf("Sample %d = %f, expected 0 for a constant volume", i, v)
		}
	}
	if field.Min != 0 || field.Max != 0 {
		t.Errorf("Expected range [0, 0], got [%f, %f]", field.Min, field.Max)
	}
}

func TestVolumeStats(t *testing.T) {
	vol := &models.Volume{Data: []int16{2, 4, 4, 4, 5, 5, 7, 9}, Depth: 2, Height: 2, Width: 2}
	mean, std := VolumeStats(vol)
	if mean != 5 {
		t.Errorf("Expected mean 5, got %f", mean)
	}
	// Unbiased estimate: sqrt(32 / 7)
	if math.Abs(std-math.Sqrt(32.0/7)) > 1e-9 {
		t.Errorf("Expected std %f, got %f", math.Sqrt(32.0/7), std)
	}

	if m, s := VolumeStats(&models.Volume{}); m != 0 || s != 0 {
		t.Errorf("Expected zero stats for an empty volume, got %f, %f", m, s)
	}
}

func BenchmarkNormalize(b *testing.B) {
	vol := &models.Volume{Data: make([]int16, 64*128*128), Depth: 64, Height: 128, Width: 128}
	for i := range vol.Data {
		vol.Data[i] = int16(i % 4096)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Normalize(vol)
	}
}
