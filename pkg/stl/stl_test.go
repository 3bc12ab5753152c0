package stl

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"dicommesh/internal/models"
	"dicommesh/pkg/isosurface"
)

// tetrahedron is a closed mesh wound counter-clockwise seen from outside.
func tetrahedron() *models.Mesh {
	return &models.Mesh{
		Vertices: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Faces:    [][3]int32{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}},
	}
}

// TestTriangles verifies facet expansion and normals
func TestTriangles(t *testing.T) {
	tris, err := Triangles(tetrahedron())
	if err != nil {
		t.Fatalf("Triangles failed: %v", err)
	}
	if len(tris) != 4 {
		t.Fatalf("Expected 4 facets, got %d", len(tris))
	}

	// The base face lies in z = 0 and must point down.
	if n := tris[0].Normal; n[0] != 0 || n[1] != 0 || n[2] != -1 {
		t.Errorf("Expected base normal (0,0,-1), got %v", n)
	}

	// Every facet normal points away from the centroid.
	for i, tri := range tris {
		var c [3]float32
		for k := 0; k < 3; k++ {
			c[k] = (tri.Vertex1[k]+tri.Vertex2[k]+tri.Vertex3[k])/3 - 0.25
		}
		dot := c[0]*tri.Normal[0] + c[1]*tri.Normal[1] + c[2]*tri.Normal[2]
		if dot <= 0 {
			t.Errorf("Facet %d normal points inward, dot product: %f", i, dot)
		}
	}

	bad := tetrahedron()
	bad.Faces = append(bad.Faces, [3]int32{0, 1, 9})
	if _, err := Triangles(bad); err == nil {
		t.Error("Expected error for out of range vertex index")
	}
}

// TestDegenerateFacet verifies that collinear faces get a zero normal
func TestDegenerateFacet(t *testing.T) {
	mesh := &models.Mesh{
		Vertices: [][3]float32{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}},
		Faces:    [][3]int32{{0, 1, 2}},
	}
	tris, err := Triangles(mesh)
	if err != nil {
		t.Fatal(err)
	}
	if tris[0].Normal != ([3]float32{}) {
		t.Errorf("Expected zero normal, got %v", tris[0].Normal)
	}
}

// TestWriteLayout verifies the binary STL layout
func TestWriteLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, tetrahedron()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// STL header: 80 bytes, facet count: 4 bytes, facets: 50 bytes each
	data := buf.Bytes()
	if want := 80 + 4 + 4*50; len(data) != want {
		t.Fatalf("Expected %d bytes, got %d", want, len(data))
	}
	if n := binary.LittleEndian.Uint32(data[80:84]); n != 4 {
		t.Errorf("Expected facet count 4, got %d", n)
	}

	// First vertex of the second facet is vertex 0.
	off := 84 + 50 + 12
	for c := 0; c < 3; c++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*c:]))
		if v != 0 {
			t.Errorf("Expected coordinate 0, got %f", v)
		}
	}
}

// TestRoundTrip verifies that Read restores the indexed mesh
func TestRoundTrip(t *testing.T) {
	src := tetrahedron()
	var buf bytes.Buffer
	if err := Write(&buf, src); err != nil {
		t.Fatal(err)
	}

	got, header, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if header != headerText {
		t.Errorf("Expected header %q, got %q", headerText, header)
	}
	if len(got.Vertices) != len(src.Vertices) || len(got.Faces) != len(src.Faces) {
		t.Fatalf("Expected %d vertices and %d faces, got %d and %d",
			len(src.Vertices), len(src.Faces), len(got.Vertices), len(got.Faces))
	}
	for i, f := range src.Faces {
		for k := 0; k < 3; k++ {
			if got.Vertices[got.Faces[i][k]] != src.Vertices[f[k]] {
				t.Errorf("Face %d corner %d moved", i, k)
			}
		}
	}
}

// TestReadTruncated verifies that short input is rejected
func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, tetrahedron()); err != nil {
		t.Fatal(err)
	}
	short := buf.Bytes()[:buf.Len()-10]
	if _, _, err := Read(bytes.NewReader(short)); err == nil {
		t.Error("Expected error for truncated STL")
	}
}

// TestSaveToSTL verifies that an extracted sphere can be written to disk
func TestSaveToSTL(t *testing.T) {
	size := 16
	field := &models.NormalizedField{
		Data:   make([]float64, size*size*size),
		Depth:  size,
		Height: size,
		Width:  size,
	}
	radius := float64(size) / 4
	center := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-center, float64(y)-center, float64(z)-center
				dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
				// Smooth transition at the boundary
				field.Data[field.Index(z, y, x)] = 1 / (1 + math.Exp(dist-radius))
			}
		}
	}

	mesh, err := isosurface.ExtractMesh(field, models.Spacing{2, 1, 1}, 0.5)
	if err != nil {
		t.Fatalf("ExtractMesh failed: %v", err)
	}
	if len(mesh.Faces) < 100 {
		t.Fatalf("Expected at least 100 triangles for sphere, got %d", len(mesh.Faces))
	}

	path := filepath.Join(t.TempDir(), "sphere.stl")
	if err := SaveToSTL(path, mesh); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat output file: %v", err)
	}
	if want := int64(84 + 50*len(mesh.Faces)); info.Size() != want {
		t.Errorf("Expected %d bytes, got %d", want, info.Size())
	}

	// Outward facet normals on the sphere, in physical units.
	tris, err := Triangles(mesh)
	if err != nil {
		t.Fatal(err)
	}
	for i, tri := range tris[:10] {
		cz := float64(tri.Vertex1[0]+tri.Vertex2[0]+tri.Vertex3[0])/3 - 2*center
		cy := float64(tri.Vertex1[1]+tri.Vertex2[1]+tri.Vertex3[1])/3 - center
		cx := float64(tri.Vertex1[2]+tri.Vertex2[2]+tri.Vertex3[2])/3 - center
		dot := cz*float64(tri.Normal[0]) + cy*float64(tri.Normal[1]) + cx*float64(tri.Normal[2])
		if dot <= 0 {
			t.Errorf("Triangle %d normal appears to point inward, dot product: %f", i, dot)
		}
	}

	if err := SaveToSTL(filepath.Join(t.TempDir(), "missing", "x.stl"), mesh); err == nil {
		t.Error("Expected error for unwritable path")
	}
}

// BenchmarkWrite benchmarks binary STL encoding
func BenchmarkWrite(b *testing.B) {
	mesh := tetrahedron()
	for i := 0; i < 12; i++ {
		mesh.Faces = append(mesh.Faces, mesh.Faces...)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := Write(&buf, mesh); err != nil {
			b.Fatal(err)
		}
	}
}
