// Package visualization renders orthogonal slices of a normalized volume as
// grayscale images.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"dicommesh/internal/models"
)

var (
	ErrInvalidAxis   = errors.New("invalid axis (must be x, y, or z)")
	ErrInvalidOffset = errors.New("slice position out of range")

	// ErrPreviewTooLarge is returned when resampling to the physical aspect
	// ratio would exceed MaxScaledPixels.
	ErrPreviewTooLarge = errors.New("scaled slice too large")
)

// MaxScaledPixels bounds the output of ExtractScaledSlice.
const MaxScaledPixels = 16 << 20

// Viewer extracts 2D slices from a normalized field.
type Viewer struct {
	field   *models.NormalizedField
	spacing models.Spacing
}

// NewViewer creates a viewer over field. spacing is only used when slices
// are resampled to their physical aspect ratio.
func NewViewer(field *models.NormalizedField, spacing models.Spacing) *Viewer {
	return &Viewer{field: field, spacing: spacing}
}

// Extent returns the number of slices along axis ("x", "y" or "z").
func (v *Viewer) Extent(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.field.Width, nil
	case "y":
		return v.field.Height, nil
	case "z":
		return v.field.Depth, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAxis, axis)
	}
}

// ExtractSlice extracts a 2D slice at position along axis. x slices are laid
// out depth by row, y slices column by depth and z slices column by row.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	n, err := v.Extent(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("%w: %d not in [0, %d) on axis %s", ErrInvalidOffset, position, n, axis)
	}

	f := v.field
	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		img = image.NewGray16(image.Rect(0, 0, f.Depth, f.Height))
		for y := 0; y < f.Height; y++ {
			for z := 0; z < f.Depth; z++ {
				img.SetGray16(z, y, gray(f.Data[f.Index(z, y, position)]))
			}
		}
	case "y":
		img = image.NewGray16(image.Rect(0, 0, f.Width, f.Depth))
		for z := 0; z < f.Depth; z++ {
			for x := 0; x < f.Width; x++ {
				img.SetGray16(x, z, gray(f.Data[f.Index(z, position, x)]))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				img.SetGray16(x, y, gray(f.Data[f.Index(position, y, x)]))
			}
		}
	}
	return img, nil
}

func gray(v float64) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v*65535)))}
}

// ExtractScaledSlice is ExtractSlice resampled so one pixel covers the same
// physical distance along both image axes.
func (v *Viewer) ExtractScaledSlice(axis string, position int) (image.Image, error) {
	img, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	var sx, sy float64
	switch strings.ToLower(axis) {
	case "x":
		sx, sy = v.spacing[0], v.spacing[1]
	case "y":
		sx, sy = v.spacing[2], v.spacing[0]
	default:
		sx, sy = v.spacing[2], v.spacing[1]
	}
	if sx <= 0 || sy <= 0 || sx == sy {
		return img, nil
	}

	unit := math.Min(sx, sy)
	b := img.Bounds()
	fw := math.Round(float64(b.Dx()) * sx / unit)
	fh := math.Round(float64(b.Dy()) * sy / unit)
	if fw*fh > MaxScaledPixels {
		return nil, fmt.Errorf("%w: %.0fx%.0f for spacing %v on axis %s", ErrPreviewTooLarge, fw, fh, v.spacing, axis)
	}
	w, h := int(fw), int(fh)
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// SaveSlice saves an image as PNG or, for .jpg/.jpeg names, as JPEG.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return WritePNG(file, img)
	}
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as PNG files in outputDir.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.Extent(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractScaledSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
