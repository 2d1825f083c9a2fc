package world

import (
	"fmt"
	"math"
	"slices"

	"github.com/go-gl/mathgl/mgl32"
)

// ChunkCoord identifies a chunk on the integer chunk lattice.
type ChunkCoord struct {
	X, Y, Z int
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Add returns the component-wise sum of c and o.
func (c ChunkCoord) Add(o ChunkCoord) ChunkCoord {
	return ChunkCoord{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
}

// DistSq returns the squared lattice distance between c and o, in chunks.
func (c ChunkCoord) DistSq(o ChunkCoord) int {
	dx, dy, dz := c.X-o.X, c.Y-o.Y, c.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// Vec returns c as a float vector in chunk units.
func (c ChunkCoord) Vec() mgl32.Vec3 {
	return mgl32.Vec3{float32(c.X), float32(c.Y), float32(c.Z)}
}

// Face indices into a neighbour array.
const (
	FaceNegX = iota
	FacePosX
	FaceNegY
	FacePosY
	FaceNegZ
	FacePosZ
)

var faceOffsets = [6]ChunkCoord{
	{X: -1}, {X: 1},
	{Y: -1}, {Y: 1},
	{Z: -1}, {Z: 1},
}

// Neighbors returns the six face-adjacent coordinates of c in the order
// -X, +X, -Y, +Y, -Z, +Z.
func Neighbors(c ChunkCoord) [6]ChunkCoord {
	var out [6]ChunkCoord
	for i, off := range faceOffsets {
		out[i] = c.Add(off)
	}
	return out
}

// Origin returns the world-space position of the chunk's minimum corner.
func Origin(c ChunkCoord, size int) mgl32.Vec3 {
	return c.Vec().Mul(float32(size))
}

// ChunkToWorld returns the world-space centre of the chunk.
func ChunkToWorld(c ChunkCoord, size int) mgl32.Vec3 {
	s := float32(size)
	return mgl32.Vec3{
		(float32(c.X) + 0.5) * s,
		(float32(c.Y) + 0.5) * s,
		(float32(c.Z) + 0.5) * s,
	}
}

// WorldToChunk returns the coordinate of the chunk containing world position p.
func WorldToChunk(p mgl32.Vec3, size int) ChunkCoord {
	s := float64(size)
	return ChunkCoord{
		X: int(math.Floor(float64(p.X()) / s)),
		Y: int(math.Floor(float64(p.Y()) / s)),
		Z: int(math.Floor(float64(p.Z()) / s)),
	}
}

// Bounds returns the world-space AABB covered by the chunk.
func Bounds(c ChunkCoord, size int) (min, max mgl32.Vec3) {
	min = Origin(c, size)
	s := float32(size)
	return min, min.Add(mgl32.Vec3{s, s, s})
}

// Around returns every coordinate whose Euclidean lattice distance from
// center is at most radius (in chunks), closest first. Ties are broken by
// coordinate so the result is deterministic.
func Around(center ChunkCoord, radius float32) []ChunkCoord {
	if radius < 0 {
		return nil
	}
	r := int(math.Ceil(float64(radius)))
	limit := float64(radius) * float64(radius)
	out := make([]ChunkCoord, 0, (2*r+1)*(2*r+1)*(2*r+1))
	for x := -r; x <= r; x++ {
		for y := -r; y <= r; y++ {
			for z := -r; z <= r; z++ {
				if float64(x*x+y*y+z*z) > limit {
					continue
				}
				out = append(out, center.Add(ChunkCoord{X: x, Y: y, Z: z}))
			}
		}
	}
	SortByDistance(out, center)
	return out
}

// SortByDistance orders coords by ascending distance from center.
func SortByDistance(coords []ChunkCoord, center ChunkCoord) {
	slices.SortFunc(coords, func(a, b ChunkCoord) int {
		if d := a.DistSq(center) - b.DistSq(center); d != 0 {
			return d
		}
		return compareCoord(a, b)
	})
}

func compareCoord(a, b ChunkCoord) int {
	if a.X != b.X {
		return a.X - b.X
	}
	if a.Y != b.Y {
		return a.Y - b.Y
	}
	return a.Z - b.Z
}

// BlockPos is a voxel position on the world lattice.
type BlockPos struct {
	X, Y, Z int
}

func (p BlockPos) String() string {
	return fmt.Sprintf("[%d,%d,%d]", p.X, p.Y, p.Z)
}

// Split returns the chunk containing p and p's local position inside it.
func (p BlockPos) Split(size int) (ChunkCoord, [3]int) {
	c := ChunkCoord{X: floorDiv(p.X, size), Y: floorDiv(p.Y, size), Z: floorDiv(p.Z, size)}
	return c, [3]int{mod(p.X, size), mod(p.Y, size), mod(p.Z, size)}
}

// BlockAt returns the voxel position containing world point p.
func BlockAt(p mgl32.Vec3) BlockPos {
	return BlockPos{
		X: int(math.Floor(float64(p.X()))),
		Y: int(math.Floor(float64(p.Y()))),
		Z: int(math.Floor(float64(p.Z()))),
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
