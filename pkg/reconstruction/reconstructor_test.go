package reconstruction

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"dicommesh/internal/dicomtest"
	"dicommesh/internal/models"
	"dicommesh/pkg/dicomio"
	"dicommesh/pkg/isosurface"
	"dicommesh/pkg/stl"
)

// createTestSeries writes a ball phantom into dir in reverse instance order.
func createTestSeries(t *testing.T, dir string) []string {
	t.Helper()
	slices := dicomtest.Ball(8, 12, 12, 3.5, "2.0", []string{"0.5", "0.5"})
	paths, err := dicomtest.WriteSeries(dir, slices)
	if err != nil {
		t.Fatalf("Failed to write test series: %v", err)
	}
	return paths
}

// TestBasicReconstructor runs the whole pipeline on a synthetic series
func TestBasicReconstructor(t *testing.T) {
	tmpDir := t.TempDir()
	inputDir := filepath.Join(tmpDir, "input")
	if err := os.MkdirAll(inputDir, 0755); err != nil {
		t.Fatalf("Failed to create input dir: %v", err)
	}
	createTestSeries(t, inputDir)

	// A stray non-DICOM file is skipped.
	if err := os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	params := &Params{
		InputPath:               inputDir,
		OutputFile:              filepath.Join(tmpDir, "output.stl"),
		Threshold:               0.5,
		NumCores:                2,
		ComputeNormals:          true,
		SaveIntermediaryResults: true,
		IntermediaryDir:         filepath.Join(tmpDir, "intermediary"),
	}

	reconstructor := NewReconstructor(params, nil)
	if err := reconstructor.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	summary := reconstructor.GetSummary()
	if summary.Slices != 8 {
		t.Errorf("Expected 8 slices, got %d", summary.Slices)
	}
	if summary.Shape != [3]int{8, 12, 12} {
		t.Errorf("Expected shape (8,12,12), got %v", summary.Shape)
	}
	if summary.Spacing != (models.Spacing{2, 0.5, 0.5}) {
		t.Errorf("Expected spacing (2,0.5,0.5), got %v", summary.Spacing)
	}
	if summary.Faces == 0 {
		t.Fatal("No faces were generated")
	}

	mesh := reconstructor.GetMesh()
	for _, v := range mesh.Vertices {
		if v[0] < 0 || v[0] > 14 || v[1] < 0 || v[1] > 5.5 || v[2] < 0 || v[2] > 5.5 {
			t.Fatalf("Vertex %v outside the physical extent", v)
		}
	}

	// The STL file holds exactly the extracted faces.
	f, err := os.Open(params.OutputFile)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer f.Close()
	written, _, err := stl.Read(f)
	if err != nil {
		t.Fatalf("Failed to read output STL: %v", err)
	}
	if len(written.Faces) != len(mesh.Faces) {
		t.Errorf("Expected %d faces in STL, got %d", len(mesh.Faces), len(written.Faces))
	}

	// Previews were written along every axis.
	for _, name := range []string{"slices_x/slice_x_000.png", "slices_y/slice_y_011.png", "slices_z/slice_z_007.png"} {
		if _, err := os.Stat(filepath.Join(params.IntermediaryDir, name)); err != nil {
			t.Errorf("Missing preview %s: %v", name, err)
		}
	}
}

// TestReconstructorZipAndJSON reads an archive and writes mesh JSON
func TestReconstructorZipAndJSON(t *testing.T) {
	tmpDir := t.TempDir()
	zipPath := filepath.Join(tmpDir, "series.zip")

	out, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	for i, s := range dicomtest.Ball(6, 10, 10, 3, "", nil) {
		data, err := dicomtest.Encode(s)
		if err != nil {
			t.Fatal(err)
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join("study", "s"+string(rune('a'+i))+".dcm")))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	params := &Params{
		InputPath:  zipPath,
		OutputFile: filepath.Join(tmpDir, "mesh.json"),
		Threshold:  0.5,
		NumCores:   1,
	}
	r := NewReconstructor(params, nil)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if r.GetSummary().Spacing != models.DefaultSpacing {
		t.Errorf("Expected default spacing without metadata, got %v", r.GetSummary().Spacing)
	}

	data, err := os.ReadFile(params.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	var decoded models.Mesh
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Output is not mesh JSON: %v", err)
	}
	if len(decoded.Faces) != len(r.GetMesh().Faces) || len(decoded.Faces) == 0 {
		t.Errorf("Expected %d faces in JSON, got %d", len(r.GetMesh().Faces), len(decoded.Faces))
	}
	if decoded.Normals != nil {
		t.Error("Normals were written although disabled")
	}
}

// TestReconstructorErrors verifies that pipeline errors keep their category
func TestReconstructorErrors(t *testing.T) {
	tmpDir := t.TempDir()

	empty := filepath.Join(tmpDir, "empty")
	if err := os.MkdirAll(empty, 0755); err != nil {
		t.Fatal(err)
	}
	r := NewReconstructor(&Params{InputPath: empty, OutputFile: filepath.Join(tmpDir, "x.stl"), Threshold: 0.5}, nil)
	if err := r.Process(context.Background()); !errors.Is(err, models.ErrEmptySeries) {
		t.Errorf("Expected ErrEmptySeries, got %v", err)
	}

	single := filepath.Join(tmpDir, "single")
	if err := os.MkdirAll(single, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := dicomtest.WriteSeries(single, dicomtest.Ball(1, 6, 6, 2, "", nil)); err != nil {
		t.Fatal(err)
	}
	r = NewReconstructor(&Params{InputPath: single, OutputFile: filepath.Join(tmpDir, "y.stl"), Threshold: 0.5}, nil)
	if err := r.Process(context.Background()); !errors.Is(err, isosurface.ErrDegenerateVolume) {
		t.Errorf("Expected ErrDegenerateVolume, got %v", err)
	}

	r = NewReconstructor(&Params{InputPath: filepath.Join(tmpDir, "missing")}, nil)
	if err := r.Process(context.Background()); err == nil {
		t.Error("Expected error for missing input")
	}
}

// TestCollectInputs verifies directory, archive and single file inputs
func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	paths := createTestSeries(t, dir)

	inputs, err := CollectInputs(dir, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != len(paths) {
		t.Errorf("Expected %d inputs, got %d", len(paths), len(inputs))
	}

	inputs, err = CollectInputs(paths[0], t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 1 || inputs[0].Name != paths[0] {
		t.Errorf("Expected the single file, got %v", inputs)
	}

	zipPath := filepath.Join(t.TempDir(), "series.zip")
	out, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		w, err := zw.Create("study/" + filepath.Base(p))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	scratch := t.TempDir()
	inputs, err = CollectInputs(zipPath, scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != len(paths) {
		t.Fatalf("Expected %d archive inputs, got %d", len(paths), len(inputs))
	}
	for _, in := range inputs {
		if filepath.Dir(filepath.Dir(in.Name)) != scratch {
			t.Errorf("Input %s was not unpacked into the scratch directory", in.Name)
		}
	}
}

// TestCollectInputsUnsafeArchive verifies that a traversing entry is refused
func TestCollectInputsUnsafeArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	out, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	if _, err := zw.Create("../escape.dcm"); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	r := NewReconstructor(&Params{InputPath: zipPath, OutputFile: filepath.Join(dir, "x.stl"), Threshold: 0.5}, nil)
	if err := r.Process(context.Background()); !errors.Is(err, dicomio.ErrUnsafeArchivePath) {
		t.Errorf("Expected ErrUnsafeArchivePath, got %v", err)
	}
}
