// Package reconstruction turns parsed DICOM slices into a normalized volume
// and runs the offline slices-to-mesh pipeline.
package reconstruction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dicommesh/internal/models"
	"dicommesh/pkg/dicomio"
	"dicommesh/pkg/isosurface"
	"dicommesh/pkg/logger"
	"dicommesh/pkg/stl"
	"dicommesh/pkg/visualization"
)

// Summary describes the outcome of a reconstruction run.
type Summary struct {
	// Slices is the number of valid slices stacked into the volume
	Slices int

	// Shape is (depth, height, width) in voxels
	Shape [3]int

	// Spacing is the voxel size actually used
	Spacing models.Spacing

	// Mean and StdDev describe the raw intensities
	Mean   float64
	StdDev float64

	// Vertices and Faces count the extracted mesh
	Vertices int
	Faces    int

	// Elapsed is the wall time of Process
	Elapsed time.Duration
}

// Params holds the reconstruction parameters.
type Params struct {
	// InputPath is a directory of DICOM files or a zip archive of them.
	InputPath string

	// OutputFile receives the mesh. A .json suffix writes the mesh JSON,
	// anything else binary STL.
	OutputFile string

	// Threshold is the normalized iso level in [0, 1].
	Threshold float64

	// NumCores bounds the number of slices parsed concurrently.
	NumCores int

	// ComputeNormals enables per-vertex normals in the JSON output.
	ComputeNormals bool

	// SaveIntermediaryResults writes PNG previews of the normalized volume
	// into IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string
}

// Reconstructor runs the slices-to-mesh pipeline:
// 1. Collecting inputs from a directory or archive
// 2. Parsing slices
// 3. Ordering and stacking them into a volume
// 4. Normalizing intensities
// 5. Extracting the isosurface
// 6. Writing the mesh
type Reconstructor struct {
	params *Params
	log    *logger.Logger

	volume  *models.Volume
	field   *models.NormalizedField
	mesh    *models.Mesh
	summary Summary
}

// NewReconstructor creates a new reconstructor with the provided parameters.
// A nil logger discards output.
func NewReconstructor(params *Params, log *logger.Logger) *Reconstructor {
	return &Reconstructor{
		params: params,
		log:    logger.OrNop(log),
	}
}

// Process runs the complete reconstruction pipeline
func (r *Reconstructor) Process(ctx context.Context) error {
	start := time.Now()

	if r.params.SaveIntermediaryResults {
		if err := os.MkdirAll(r.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	r.log.Info("Step 1: Collecting inputs", "input", r.params.InputPath)
	scratch, err := os.MkdirTemp("", "dicommesh-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)
	inputs, err := CollectInputs(r.params.InputPath, scratch)
	if err != nil {
		return fmt.Errorf("failed to collect inputs: %w", err)
	}

	r.log.Info("Step 2: Parsing slices", "files", len(inputs), "workers", r.params.NumCores)
	records, err := dicomio.LoadSlices(ctx, inputs,
		dicomio.WithLogger(r.log), dicomio.WithWorkers(r.params.NumCores))
	if err != nil {
		return fmt.Errorf("failed to load slices: %w", err)
	}

	r.log.Info("Step 3: Assembling volume", "slices", len(records))
	vol, spacing, err := AssembleVolume(records)
	if err != nil {
		return fmt.Errorf("failed to assemble volume: %w", err)
	}
	r.volume = vol
	r.log.Info("Volume assembled", "shape", vol.Shape(), "spacing", spacing)

	r.log.Info("Step 4: Normalizing intensities")
	r.field = Normalize(vol)

	if r.params.SaveIntermediaryResults {
		viewer := visualization.NewViewer(r.field, spacing)
		for _, axis := range []string{"x", "y", "z"} {
			dir := filepath.Join(r.params.IntermediaryDir, "slices_"+axis)
			if err := viewer.SaveSliceSequence(axis, dir); err != nil {
				r.log.Warn("Failed to save slice previews", "axis", axis, "error", err)
			}
		}
	}

	r.log.Info("Step 5: Extracting isosurface", "threshold", r.params.Threshold)
	mesh, err := isosurface.ExtractMesh(r.field, spacing, r.params.Threshold,
		isosurface.WithNormals(r.params.ComputeNormals))
	if err != nil {
		return fmt.Errorf("failed to extract mesh: %w", err)
	}
	r.mesh = mesh

	r.log.Info("Step 6: Writing mesh", "output", r.params.OutputFile,
		"vertices", len(mesh.Vertices), "faces", len(mesh.Faces))
	if err := WriteMesh(r.params.OutputFile, mesh); err != nil {
		return err
	}

	mean, std := VolumeStats(vol)
	r.summary = Summary{
		Slices:   len(records),
		Shape:    vol.Shape(),
		Spacing:  spacing,
		Mean:     mean,
		StdDev:   std,
		Vertices: len(mesh.Vertices),
		Faces:    len(mesh.Faces),
		Elapsed:  time.Since(start),
	}
	return nil
}

// CollectInputs returns the slice inputs under path: every file of a
// directory, or every entry of a .zip archive unpacked into scratch.
func CollectInputs(path, scratch string) ([]dicomio.Input, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return dicomio.CollectDir(path)
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		paths, err := dicomio.ExtractZip(path, scratch)
		if err != nil {
			return nil, err
		}
		inputs := make([]dicomio.Input, 0, len(paths))
		for _, p := range paths {
			in, err := dicomio.FileInput(p)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, in)
		}
		return inputs, nil
	}
	in, err := dicomio.FileInput(path)
	if err != nil {
		return nil, err
	}
	return []dicomio.Input{in}, nil
}

// WriteMesh saves mesh to path as JSON (.json) or binary STL.
func WriteMesh(path string, mesh *models.Mesh) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := json.Marshal(mesh)
		if err != nil {
			return fmt.Errorf("failed to encode mesh: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write mesh: %w", err)
		}
		return nil
	}
	return stl.SaveToSTL(path, mesh)
}

// GetSummary returns the statistics of the last successful run.
func (r *Reconstructor) GetSummary() Summary {
	return r.summary
}

// GetVolume returns the assembled volume, nil before Process.
func (r *Reconstructor) GetVolume() *models.Volume {
	return r.volume
}

// GetField returns the normalized field, nil before Process.
func (r *Reconstructor) GetField() *models.NormalizedField {
	return r.field
}

// GetMesh returns the extracted mesh, nil before Process.
func (r *Reconstructor) GetMesh() *models.Mesh {
	return r.mesh
}
