package reconstruction

import (
	"errors"
	"math"
	"testing"

	"dicommesh/internal/models"
)

// record builds a 2x2 slice whose pixels all equal fill.
func record(src string, fill int16) models.SliceRecord {
	return models.SliceRecord{
		Source:  src,
		Pixels:  []int16{fill, fill, fill, fill},
		Rows:    2,
		Columns: 2,
	}
}

func withInstance(r models.SliceRecord, n int) models.SliceRecord {
	r.InstanceNumber, r.HasInstanceNumber = n, true
	return r
}

func withLocation(r models.SliceRecord, loc float64) models.SliceRecord {
	r.SliceLocation, r.HasSliceLocation = loc, true
	return r
}

func withSpacing(r models.SliceRecord, thickness, row, col float64) models.SliceRecord {
	r.Thickness, r.RowSpacing, r.ColumnSpacing, r.SpacingOK = thickness, row, col, true
	return r
}

// depthOrder returns the fill value of each stacked slice.
func depthOrder(v *models.Volume) []int16 {
	out := make([]int16, v.Depth)
	for z := range out {
		out[z] = v.Data[v.Index(z, 0, 0)]
	}
	return out
}

func equalOrder(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAssembleOrdersByInstanceNumber(t *testing.T) {
	records := []models.SliceRecord{
		withInstance(record("c", 3), 3),
		withInstance(record("a", 1), 1),
		withInstance(record("b", 2), 2),
	}

	vol, _, err := AssembleVolume(records)
	if err != nil {
		t.Fatalf("AssembleVolume failed: %v", err)
	}
	if got := vol.Shape(); got != [3]int{3, 2, 2} {
		t.Fatalf("Expected shape (3,2,2), got %v", got)
	}
	if got := depthOrder(vol); !equalOrder(got, []int16{1, 2, 3}) {
		t.Errorf("Expected order [1 2 3], got %v", got)
	}

	// The input keeps its discovery order.
	if records[0].Source != "c" {
		t.Error("AssembleVolume reordered its input")
	}
}

func TestAssembleKeyPrecedence(t *testing.T) {
	// Instance number wins over location; location is used when the
	// instance number is absent; slices without either sort as 0.
	records := []models.SliceRecord{
		withLocation(withInstance(record("a", 5), 5), -100),
		withLocation(record("b", 2), 2.5),
		record("c", 0),
		withLocation(record("d", -1), -1),
	}

	vol, _, err := AssembleVolume(records)
	if err != nil {
		t.Fatalf("AssembleVolume failed: %v", err)
	}
	if got := depthOrder(vol); !equalOrder(got, []int16{-1, 0, 2, 5}) {
		t.Errorf("Expected order [-1 0 2 5], got %v", got)
	}
}

func TestAssembleStableTies(t *testing.T) {
	records := []models.SliceRecord{
		record("first", 1),
		withInstance(record("zero", 2), 0),
		record("second", 3),
		withInstance(record("one", 4), 1),
	}

	vol, _, err := AssembleVolume(records)
	if err != nil {
		t.Fatalf("AssembleVolume failed: %v", err)
	}
	if got := depthOrder(vol); !equalOrder(got, []int16{1, 2, 3, 4}) {
		t.Errorf("Expected discovery order for ties [1 2 3 4], got %v", got)
	}
}

func TestAssembleShapeMismatch(t *testing.T) {
	odd := models.SliceRecord{Source: "odd.dcm", Pixels: make([]int16, 6), Rows: 2, Columns: 3}
	records := []models.SliceRecord{
		withInstance(record("a", 1), 1),
		withInstance(odd, 2),
	}

	_, _, err := AssembleVolume(records)
	var mismatch *models.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected ShapeMismatchError, got %v", err)
	}
	if mismatch.Index != 1 || mismatch.Source != "odd.dcm" {
		t.Errorf("Unexpected mismatch details: %+v", mismatch)
	}
	if mismatch.GotColumns != 3 || mismatch.WantColumns != 2 {
		t.Errorf("Unexpected mismatch shape: %+v", mismatch)
	}

	short := record("short", 1)
	short.Pixels = short.Pixels[:3]
	if _, _, err := AssembleVolume([]models.SliceRecord{short}); !errors.As(err, &mismatch) {
		t.Errorf("Expected ShapeMismatchError for short pixel buffer, got %v", err)
	}
}

func TestAssembleEmpty(t *testing.T) {
	_, _, err := AssembleVolume(nil)
	if !errors.Is(err, models.ErrEmptySeries) {
		t.Errorf("Expected ErrEmptySeries, got %v", err)
	}
}

func TestAssembleSpacing(t *testing.T) {
	tests := []struct {
		name  string
		first models.SliceRecord
		want  models.Spacing
	}{
		{"from first sorted slice", withSpacing(record("a", 0), 2.5, 0.5, 0.75), models.Spacing{2.5, 0.5, 0.75}},
		{"missing metadata", record("a", 0), models.DefaultSpacing},
		{"zero thickness", withSpacing(record("a", 0), 0, 0.5, 0.5), models.DefaultSpacing},
		{"negative pixel spacing", withSpacing(record("a", 0), 1, -0.5, 0.5), models.DefaultSpacing},
		{"nan column spacing", withSpacing(record("a", 0), 1, 0.5, math.NaN()), models.DefaultSpacing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			first := withInstance(tc.first, 1)
			second := withInstance(withSpacing(record("b", 0), 9, 9, 9), 2)

			vol, sp, err := AssembleVolume([]models.SliceRecord{second, first})
			if err != nil {
				t.Fatalf("AssembleVolume failed: %v", err)
			}
			if sp != tc.want {
				t.Errorf("Expected spacing %v, got %v", tc.want, sp)
			}
			if vol.Spacing != sp {
				t.Errorf("Volume spacing %v differs from returned %v", vol.Spacing, sp)
			}
		})
	}
}

func TestAssembleContiguousLayout(t *testing.T) {
	a := models.SliceRecord{Pixels: []int16{1, 2, 3, 4, 5, 6}, Rows: 2, Columns: 3, InstanceNumber: 1, HasInstanceNumber: true}
	b := models.SliceRecord{Pixels: []int16{7, 8, 9, 10, 11, 12}, Rows: 2, Columns: 3, InstanceNumber: 2, HasInstanceNumber: true}

	vol, _, err := AssembleVolume([]models.SliceRecord{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if got := vol.Data[vol.Index(1, 1, 2)]; got != 12 {
		t.Errorf("Expected voxel (1,1,2) = 12, got %d", got)
	}
	if got := vol.Data[vol.Index(0, 1, 0)]; got != 4 {
		t.Errorf("Expected voxel (0,1,0) = 4, got %d", got)
	}

	// The volume owns its buffer.
	a.Pixels[0] = 99
	if vol.Data[0] != 1 {
		t.Error("Volume shares memory with the input slice")
	}
}
