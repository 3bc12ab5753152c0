// Package isosurface extracts triangle meshes from normalized scalar fields
// with the marching cubes algorithm.
package isosurface

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"dicommesh/internal/models"
)

// Option configures ExtractMesh.
type Option func(*options)

type options struct {
	normals bool
}

// WithNormals turns per-vertex normal estimation on or off. It is on by default.
func WithNormals(on bool) Option {
	return func(o *options) { o.normals = on }
}

// ExtractMesh builds the isosurface of field at threshold. Corners with a
// value >= threshold are inside. Vertex coordinates are scaled by spacing and
// ordered (depth, row, column). Normals, when computed, point from higher
// toward lower values.
//
// A threshold at or beyond the field's range gives an empty mesh, not an
// error. Any axis shorter than two samples gives ErrDegenerateVolume.
func ExtractMesh(field *models.NormalizedField, spacing models.Spacing, threshold float64, opts ...Option) (*models.Mesh, error) {
	o := options{normals: true}
	for _, opt := range opts {
		opt(&o)
	}

	for _, s := range spacing {
		if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpacing, spacing)
		}
	}
	if math.IsNaN(threshold) {
		return nil, ErrInvalidThreshold
	}
	if field == nil {
		return nil, fmt.Errorf("%w: nil field", ErrInvalidField)
	}

	d, h, w := field.Depth, field.Height, field.Width
	if d < 0 || h < 0 || w < 0 || len(field.Data) != d*h*w {
		return nil, fmt.Errorf("%w: %d samples for shape %dx%dx%d", ErrInvalidField, len(field.Data), d, h, w)
	}
	if d < 2 || h < 2 || w < 2 {
		return nil, fmt.Errorf("%w: shape %dx%dx%d", ErrDegenerateVolume, d, h, w)
	}

	lo, hi, err := fieldRange(field.Data)
	if err != nil {
		return nil, err
	}

	mesh := &models.Mesh{
		Vertices:  [][3]float32{},
		Faces:     [][3]int32{},
		Threshold: threshold,
	}
	if o.normals {
		mesh.Normals = [][3]float32{}
	}
	if threshold <= lo || threshold >= hi {
		return mesh, nil
	}

	m := newMarcher(field, spacing, threshold, o.normals, mesh)
	m.run()
	return mesh, nil
}

// fieldRange returns the minimum and maximum sample, failing on NaN or Inf.
func fieldRange(data []float64) (lo, hi float64, err error) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, fmt.Errorf("%w: non-finite sample %v at offset %d", ErrInvalidField, v, i)
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, nil
}

// marcher holds the state of one extraction call.
type marcher struct {
	f       []float64
	d, h, w int
	iso     float64
	spacing models.Spacing
	normals bool

	// stride[axis] is the offset between neighbouring samples along axis
	stride [3]int

	// cornerOff[c] is the offset of cube corner c from the cube origin
	cornerOff [8]int

	// Vertex ids of crossed grid edges, keyed by y*w+x. xEdges and yEdges
	// cover the bottom (0) and top (1) plane of the current cube layer; zEdges
	// covers the edges between the two planes. -1 means no vertex yet.
	xEdges [2][]int32
	yEdges [2][]int32
	zEdges []int32

	mesh *models.Mesh
}

func newMarcher(field *models.NormalizedField, spacing models.Spacing, iso float64, normals bool, mesh *models.Mesh) *marcher {
	m := &marcher{
		f:       field.Data,
		d:       field.Depth,
		h:       field.Height,
		w:       field.Width,
		iso:     iso,
		spacing: spacing,
		normals: normals,
		mesh:    mesh,
	}
	m.stride = [3]int{axisX: 1, axisY: m.w, axisZ: m.w * m.h}
	for c, off := range cubeCorners {
		m.cornerOff[c] = off[2]*m.stride[axisZ] + off[1]*m.stride[axisY] + off[0]
	}

	plane := m.h * m.w
	for i := 0; i < 2; i++ {
		m.xEdges[i] = newSlab(plane)
		m.yEdges[i] = newSlab(plane)
	}
	m.zEdges = newSlab(plane)
	return m
}

func newSlab(n int) []int32 {
	s := make([]int32, n)
	resetSlab(s)
	return s
}

func resetSlab(s []int32) {
	for i := range s {
		s[i] = -1
	}
}

func (m *marcher) run() {
	for z := 0; z < m.d-1; z++ {
		if z > 0 {
			m.xEdges[0], m.xEdges[1] = m.xEdges[1], m.xEdges[0]
			m.yEdges[0], m.yEdges[1] = m.yEdges[1], m.yEdges[0]
			resetSlab(m.xEdges[1])
			resetSlab(m.yEdges[1])
			resetSlab(m.zEdges)
		}
		for y := 0; y < m.h-1; y++ {
			for x := 0; x < m.w-1; x++ {
				m.march(z, y, x)
			}
		}
	}
}

// march triangulates the cube whose lowest corner is (z, y, x).
func (m *marcher) march(z, y, x int) {
	base := z*m.stride[axisZ] + y*m.stride[axisY] + x

	code := 0
	for c := 0; c < 8; c++ {
		if m.f[base+m.cornerOff[c]] >= m.iso {
			code |= 1 << uint(c)
		}
	}

	cc := &caseTable[code]
	if cc.edges == 0 {
		return
	}

	var verts [centerVertex + 4]int32
	for e := 0; e < 12; e++ {
		if cc.edges&(1<<uint(e)) != 0 {
			verts[e] = m.vertex(z, y, x, e)
		}
	}
	for k, loop := range cc.centers {
		verts[centerVertex+k] = m.center(loop, verts[:centerVertex])
	}
	for i := 0; i+2 < len(cc.tris); i += 3 {
		m.mesh.Faces = append(m.mesh.Faces, [3]int32{
			verts[cc.tris[i]], verts[cc.tris[i+1]], verts[cc.tris[i+2]],
		})
	}
}

// vertex returns the id of the vertex on cube edge e, creating it the first
// time the underlying grid edge is seen.
func (m *marcher) vertex(z, y, x, e int) int32 {
	g := edgeGrid[e]
	gz, gy, gx := z+g.dz, y+g.dy, x+g.dx
	key := gy*m.w + gx

	var slot *int32
	switch g.axis {
	case axisX:
		slot = &m.xEdges[g.dz][key]
	case axisY:
		slot = &m.yEdges[g.dz][key]
	default:
		slot = &m.zEdges[key]
	}
	if *slot >= 0 {
		return *slot
	}

	id := int32(len(m.mesh.Vertices))
	*slot = id

	p := gz*m.stride[axisZ] + gy*m.stride[axisY] + gx
	q := p + m.stride[g.axis]
	fp, fq := m.f[p], m.f[q]
	t := (m.iso - fp) / (fq - fp)

	// Grid position in (depth, row, column) order.
	pos := [3]float64{float64(gz), float64(gy), float64(gx)}
	pos[2-g.axis] += t
	m.mesh.Vertices = append(m.mesh.Vertices, [3]float32{
		float32(pos[0] * m.spacing[0]),
		float32(pos[1] * m.spacing[1]),
		float32(pos[2] * m.spacing[2]),
	})

	if m.normals {
		qz, qy, qx := gz, gy, gx
		switch g.axis {
		case axisX:
			qx++
		case axisY:
			qy++
		default:
			qz++
		}
		grad := r3.Add(r3.Scale(1-t, m.gradient(gz, gy, gx, p)), r3.Scale(t, m.gradient(qz, qy, qx, q)))
		n := r3.Scale(-1, grad)
		if norm := r3.Norm(n); norm > 0 {
			n = r3.Scale(1/norm, n)
		}
		m.mesh.Normals = append(m.mesh.Normals, [3]float32{float32(n.X), float32(n.Y), float32(n.Z)})
	}
	return id
}

// center adds a vertex at the mean of the loop's edge vertices. Its normal is
// the normalized mean of theirs. Centres are never shared between cubes.
func (m *marcher) center(loop []uint8, verts []int32) int32 {
	var pos, nrm r3.Vec
	for _, e := range loop {
		v := m.mesh.Vertices[verts[e]]
		pos = r3.Add(pos, r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])})
		if m.normals {
			n := m.mesh.Normals[verts[e]]
			nrm = r3.Add(nrm, r3.Vec{X: float64(n[0]), Y: float64(n[1]), Z: float64(n[2])})
		}
	}
	pos = r3.Scale(1/float64(len(loop)), pos)

	id := int32(len(m.mesh.Vertices))
	m.mesh.Vertices = append(m.mesh.Vertices, [3]float32{float32(pos.X), float32(pos.Y), float32(pos.Z)})
	if m.normals {
		if norm := r3.Norm(nrm); norm > 0 {
			nrm = r3.Scale(1/norm, nrm)
		}
		m.mesh.Normals = append(m.mesh.Normals, [3]float32{float32(nrm.X), float32(nrm.Y), float32(nrm.Z)})
	}
	return id
}

// gradient estimates the field gradient at grid point (z, y, x) with flat
// offset p, in physical units. Components hold (depth, row, column).
func (m *marcher) gradient(z, y, x, p int) r3.Vec {
	return r3.Vec{
		X: m.partial(z, m.d, p, m.stride[axisZ], m.spacing[0]),
		Y: m.partial(y, m.h, p, m.stride[axisY], m.spacing[1]),
		Z: m.partial(x, m.w, p, m.stride[axisX], m.spacing[2]),
	}
}

// partial is a central difference, one-sided at the borders.
func (m *marcher) partial(i, n, p, stride int, step float64) float64 {
	switch {
	case i == 0:
		return (m.f[p+stride] - m.f[p]) / step
	case i == n-1:
		return (m.f[p] - m.f[p-stride]) / step
	default:
		return (m.f[p+stride] - m.f[p-stride]) / (2 * step)
	}
}
