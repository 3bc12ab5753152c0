package isosurface

// Cube geometry. x is the column axis, y the row axis and z the depth axis
// of the volume.

// cubeCorners are the (dx, dy, dz) offsets of the eight cube corners.
var cubeCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// cubeEdges lists the pair of corners joined by each of the twelve edges.
var cubeEdges = [12][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 0},
	{4, 5}, {5, 6}, {6, 7}, {7, 4},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

// cubeFaces lists the corners of each face counter-clockwise as seen from
// outside the cube.
var cubeFaces = [6][4]int{
	{0, 3, 2, 1}, // z = 0
	{4, 5, 6, 7}, // z = 1
	{0, 1, 5, 4}, // y = 0
	{3, 7, 6, 2}, // y = 1
	{0, 4, 7, 3}, // x = 0
	{1, 2, 6, 5}, // x = 1
}

const (
	axisX = iota
	axisY
	axisZ
)

// gridEdge locates a cube edge on the sample grid: the axis it runs along
// and the (dz, dy, dx) offset of its lower endpoint from the cube origin.
type gridEdge struct {
	axis       int
	dz, dy, dx int
}

var edgeGrid [12]gridEdge

// edgeFaces has bit f set when cube edge e lies on face f.
var edgeFaces [12]uint8

// centerVertex is the first triangle index that refers to a loop centre
// rather than a cube edge. Index centerVertex+k is the centre of centers[k].
const centerVertex = 12

// cubeCase is one entry of the case table.
type cubeCase struct {
	// edges has bit i set when edge i is crossed by the surface
	edges uint16

	// tris holds cube edge ids or centre indices, three per triangle
	tris []uint8

	// centers lists the loops that are fanned around their centre
	centers [][]uint8
}

// caseTable is indexed by the corner classification code: bit i is set when
// corner i is inside (value >= threshold).
//
// The table is derived once from the cube topology instead of being typed in.
// Each face contributes contour segments; on an ambiguous face (two inside
// corners on a diagonal) the inside corners are always kept apart. Both cubes
// sharing a face apply the same rule to the same four samples, so their
// contours agree and the surface has no cracks. Segments chain into closed
// loops on the cube boundary and every loop is fanned into triangles.
//
// A loop that visits an ambiguous face twice cannot be fanned from one of its
// own vertices: some chord would lie in that face, and the neighbour cube
// would put a copy of the same triangle there. Such loops are fanned around a
// vertex at their centre, which lies inside the cube.
//
// Loops run clockwise around the inside corners in (x, y, z). Vertices are
// emitted in (depth, row, column) order, which mirrors the frame, so the fans
// are reversed here: in output coordinates every triangle winds
// counter-clockwise when seen from the lower valued side.
var caseTable [256]cubeCase

func init() {
	for e, pair := range cubeEdges {
		a, b := cubeCorners[pair[0]], cubeCorners[pair[1]]
		lo := a
		axis := axisX
		switch {
		case a[1] != b[1]:
			axis = axisY
		case a[2] != b[2]:
			axis = axisZ
		}
		if b[axis] < a[axis] {
			lo = b
		}
		edgeGrid[e] = gridEdge{axis: axis, dz: lo[2], dy: lo[1], dx: lo[0]}
	}

	for f, face := range cubeFaces {
		for k := 0; k < 4; k++ {
			edgeFaces[edgeBetween(face[k], face[(k+1)%4])] |= 1 << uint(f)
		}
	}

	for code := 0; code < 256; code++ {
		caseTable[code] = buildCase(uint8(code))
	}
}

func edgeBetween(a, b int) int {
	for e, pair := range cubeEdges {
		if (pair[0] == a && pair[1] == b) || (pair[0] == b && pair[1] == a) {
			return e
		}
	}
	panic("isosurface: corners do not share an edge")
}

func buildCase(code uint8) cubeCase {
	inside := func(corner int) bool { return code&(1<<uint(corner)) != 0 }

	// next[e] is the edge the contour reaches after crossing edge e.
	var next [12]int
	for i := range next {
		next[i] = -1
	}

	for _, face := range cubeFaces {
		var crossed [4]int
		for k := 0; k < 4; k++ {
			a, b := face[k], face[(k+1)%4]
			crossed[k] = -1
			if inside(a) != inside(b) {
				crossed[k] = edgeBetween(a, b)
			}
		}
		// A segment starts where the boundary walk enters an inside run and
		// ends where it leaves that same run.
		for k := 0; k < 4; k++ {
			if crossed[k] < 0 || inside(face[k]) {
				continue
			}
			for step := 1; step < 4; step++ {
				if j := (k + step) % 4; crossed[j] >= 0 {
					next[crossed[k]] = crossed[j]
					break
				}
			}
		}
	}

	var cc cubeCase
	var visited [12]bool
	for start := 0; start < 12; start++ {
		if next[start] < 0 || visited[start] {
			continue
		}
		var loop []uint8
		for e := start; !visited[e]; e = next[e] {
			visited[e] = true
			cc.edges |= 1 << uint(e)
			loop = append(loop, uint8(e))
		}
		if !chordOnFace(loop) {
			for i := 1; i+1 < len(loop); i++ {
				cc.tris = append(cc.tris, loop[0], loop[i+1], loop[i])
			}
			continue
		}
		c := uint8(centerVertex + len(cc.centers))
		cc.centers = append(cc.centers, loop)
		for i := range loop {
			cc.tris = append(cc.tris, c, loop[(i+1)%len(loop)], loop[i])
		}
	}
	return cc
}

// chordOnFace reports whether two loop vertices that are not neighbours on
// the loop lie on a common cube face.
func chordOnFace(loop []uint8) bool {
	n := len(loop)
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if edgeFaces[loop[i]]&edgeFaces[loop[j]] != 0 {
				return true
			}
		}
	}
	return false
}
