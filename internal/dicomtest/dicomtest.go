// Package dicomtest writes synthetic DICOM slices for tests.
package dicomtest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Slice describes one fixture. Empty strings leave the attribute out.
type Slice struct {
	Rows, Cols    int
	Pixels        []int16
	Instance      string
	Location      string
	Thickness     string
	PixelSpacing  []string
	WithoutPixels bool
}

type attr struct {
	t tag.Tag
	v interface{}
}

// Encode serializes s as an explicit VR little endian DICOM file.
func Encode(s Slice) ([]byte, error) {
	attrs := []attr{
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}},
		{tag.SOPInstanceUID, []string{"1.2.826.0.1.3680043.2." + s.Instance + "9"}},
		{tag.Modality, []string{"MR"}},
		{tag.Rows, []int{s.Rows}},
		{tag.Columns, []int{s.Cols}},
		{tag.BitsAllocated, []int{16}},
		{tag.BitsStored, []int{16}},
		{tag.HighBit, []int{15}},
		{tag.PixelRepresentation, []int{0}},
		{tag.SamplesPerPixel, []int{1}},
		{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
	}
	if s.Instance != "" {
		attrs = append(attrs, attr{tag.InstanceNumber, []string{s.Instance}})
	}
	if s.Location != "" {
		attrs = append(attrs, attr{tag.SliceLocation, []string{s.Location}})
	}
	if s.Thickness != "" {
		attrs = append(attrs, attr{tag.SliceThickness, []string{s.Thickness}})
	}
	if s.PixelSpacing != nil {
		attrs = append(attrs, attr{tag.PixelSpacing, s.PixelSpacing})
	}
	if !s.WithoutPixels {
		if len(s.Pixels) != s.Rows*s.Cols {
			return nil, fmt.Errorf("dicomtest: %d pixels for %dx%d", len(s.Pixels), s.Rows, s.Cols)
		}
		nf := frame.NewNativeFrame[uint16](16, s.Rows, s.Cols, s.Rows*s.Cols, 1)
		for i, v := range s.Pixels {
			nf.RawData[i] = uint16(v)
		}
		attrs = append(attrs, attr{tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
		}})
	}

	elems := make([]*dicom.Element, 0, len(attrs))
	for _, a := range attrs {
		e, err := dicom.NewElement(a.t, a.v)
		if err != nil {
			return nil, fmt.Errorf("dicomtest: element %v: %w", a.t, err)
		}
		elems = append(elems, e)
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes s into path.
func WriteFile(path string, s Slice) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Ball returns depth slices of rows x cols pixels holding a bright ball of
// the given radius (in voxels) on a dark background. Slices carry instance
// numbers 1..depth in reverse file order and the given spacing.
func Ball(depth, rows, cols int, radius float64, thickness string, pixelSpacing []string) []Slice {
	cz, cy, cx := float64(depth-1)/2, float64(rows-1)/2, float64(cols-1)/2
	out := make([]Slice, depth)
	for z := 0; z < depth; z++ {
		px := make([]int16, rows*cols)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				dz, dy, dx := float64(z)-cz, float64(y)-cy, float64(x)-cx
				if dz*dz+dy*dy+dx*dx <= radius*radius {
					px[y*cols+x] = 1000
				} else {
					px[y*cols+x] = 10
				}
			}
		}
		out[depth-1-z] = Slice{
			Rows:         rows,
			Cols:         cols,
			Pixels:       px,
			Instance:     fmt.Sprint(z + 1),
			Thickness:    thickness,
			PixelSpacing: pixelSpacing,
		}
	}
	return out
}

// WriteSeries writes slices into dir as slice_NNN.dcm and returns the paths.
func WriteSeries(dir string, slices []Slice) ([]string, error) {
	paths := make([]string, len(slices))
	for i, s := range slices {
		p := filepath.Join(dir, fmt.Sprintf("slice_%03d.dcm", i))
		if err := WriteFile(p, s); err != nil {
			return nil, err
		}
		paths[i] = p
	}
	return paths, nil
}
