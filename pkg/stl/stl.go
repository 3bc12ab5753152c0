// Package stl reads and writes meshes in the binary STL format.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"dicommesh/internal/models"
)

// headerText is written into the 80 byte header of every file.
const headerText = "dicommesh binary STL"

// Triangle is one STL facet.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Triangles expands an indexed mesh into facets. The facet normal follows
// the right-hand rule over the vertex order; degenerate faces get a zero
// normal.
func Triangles(mesh *models.Mesh) ([]Triangle, error) {
	tris := make([]Triangle, 0, len(mesh.Faces))
	n := int32(len(mesh.Vertices))
	for i, f := range mesh.Faces {
		for _, id := range f {
			if id < 0 || id >= n {
				return nil, fmt.Errorf("face %d references vertex %d of %d", i, id, n)
			}
		}
		a, b, c := mesh.Vertices[f[0]], mesh.Vertices[f[1]], mesh.Vertices[f[2]]
		tris = append(tris, Triangle{
			Normal:  facetNormal(a, b, c),
			Vertex1: a,
			Vertex2: b,
			Vertex3: c,
		})
	}
	return tris, nil
}

func vec(p [3]float32) r3.Vec {
	return r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
}

func facetNormal(a, b, c [3]float32) [3]float32 {
	pa := vec(a)
	n := r3.Cross(r3.Sub(vec(b), pa), r3.Sub(vec(c), pa))
	l := r3.Norm(n)
	if l == 0 {
		return [3]float32{}
	}
	n = r3.Scale(1/l, n)
	return [3]float32{float32(n.X), float32(n.Y), float32(n.Z)}
}

// Write encodes mesh as binary STL.
func Write(w io.Writer, mesh *models.Mesh) error {
	tris, err := Triangles(mesh)
	if err != nil {
		return err
	}
	return WriteTriangles(w, tris)
}

// WriteTriangles encodes facets as binary STL: an 80 byte header, a uint32
// facet count and 50 bytes per facet, all little endian.
func WriteTriangles(w io.Writer, tris []Triangle) error {
	bw := bufio.NewWriter(w)

	var header [80]byte
	copy(header[:], headerText)
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(tris))); err != nil {
		return err
	}

	var buf [50]byte
	for _, t := range tris {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveToSTL writes mesh to path.
func SaveToSTL(path string, mesh *models.Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	if err := Write(f, mesh); err != nil {
		f.Close()
		return fmt.Errorf("failed to write STL file: %w", err)
	}
	return f.Close()
}

// Read decodes a binary STL stream into an indexed mesh. Identical vertex
// positions are merged. It returns the header text as well.
func Read(r io.Reader) (*models.Mesh, string, error) {
	var header struct {
		H    [80]byte
		NTri uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, "", err
	}
	text := strings.TrimRight(string(header.H[:]), "\x00 ")

	mesh := &models.Mesh{
		Vertices: [][3]float32{},
		Faces:    make([][3]int32, 0, header.NTri),
	}
	index := make(map[[3]float32]int32)

	var buf [50]byte
	for i := uint32(0); i < header.NTri; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, "", fmt.Errorf("facet %d: %w", i, err)
		}
		var face [3]int32
		for v := 0; v < 3; v++ {
			var p [3]float32
			for c := 0; c < 3; c++ {
				const start = 12 // skip normal
				p[c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[start+12*v+4*c:]))
			}
			id, ok := index[p]
			if !ok {
				id = int32(len(mesh.Vertices))
				mesh.Vertices = append(mesh.Vertices, p)
				index[p] = id
			}
			face[v] = id
		}
		mesh.Faces = append(mesh.Faces, face)
	}
	return mesh, text, nil
}
