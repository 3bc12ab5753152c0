package models

// Mesh is a triangulated isosurface. Vertex coordinates are in physical
// units, ordered (depth, row, column) like the Volume they came from.
type Mesh struct {
	Vertices [][3]float32 `json:"vertices"`
	Faces    [][3]int32   `json:"faces"`

	// Normals has one unit vector per vertex when computed
	Normals [][3]float32 `json:"normals,omitempty"`

	// Threshold is the normalized iso level the mesh was extracted at
	Threshold float64 `json:"threshold"`
}

// Empty reports whether the mesh has no geometry.
func (m *Mesh) Empty() bool {
	return len(m.Vertices) == 0 && len(m.Faces) == 0
}

// CaseInfo summarizes a persisted case
type CaseInfo struct {
	ID      string  `json:"id"`
	Depth   int     `json:"depth"`
	Height  int     `json:"height"`
	Width   int     `json:"width"`
	Spacing Spacing `json:"spacing"`

	// Mean and StdDev describe the raw intensities of the volume
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`

	// Thresholds lists the iso levels that already have a cached mesh
	Thresholds []float64 `json:"thresholds,omitempty"`
}
