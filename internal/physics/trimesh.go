// Package physics builds the triangle-soup collision shapes handed to the
// presentation layer alongside chunk meshes.
package physics

import (
	"voxstream/internal/profiling"

	"github.com/go-gl/mathgl/mgl32"
)

// TriMesh is a triangle soup in world space. Triangle i uses the vertices
// Indices[i][0..2].
type TriMesh struct {
	Vertices []mgl32.Vec3
	Indices  [][3]uint32
	Min, Max mgl32.Vec3
}

// RaycastResult stores the result of a raycast operation
type RaycastResult struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	Triangle int
	Distance float32
	Hit      bool
}

// NewTriMesh builds a shape from a triangle list. Every three consecutive
// vertices form one triangle; a trailing partial triangle is ignored.
// Returns nil when there is no complete triangle.
func NewTriMesh(vertices []mgl32.Vec3) *TriMesh {
	n := len(vertices) / 3
	if n == 0 {
		return nil
	}
	t := &TriMesh{
		Vertices: make([]mgl32.Vec3, n*3),
		Indices:  make([][3]uint32, n),
		Min:      vertices[0],
		Max:      vertices[0],
	}
	copy(t.Vertices, vertices[:n*3])
	for i := range n {
		t.Indices[i] = [3]uint32{uint32(3 * i), uint32(3*i + 1), uint32(3*i + 2)}
	}
	for _, v := range t.Vertices {
		for a := 0; a < 3; a++ {
			if v[a] < t.Min[a] {
				t.Min[a] = v[a]
			}
			if v[a] > t.Max[a] {
				t.Max[a] = v[a]
			}
		}
	}
	return t
}

// Len returns the number of triangles.
func (t *TriMesh) Len() int {
	return len(t.Indices)
}

// OverlapsAABB reports whether the box [min, max] touches the shape's bounds
// and the bounds of at least one triangle.
func (t *TriMesh) OverlapsAABB(min, max mgl32.Vec3) bool {
	if !boxesOverlap(min, max, t.Min, t.Max) {
		return false
	}
	for _, idx := range t.Indices {
		a, b, c := t.Vertices[idx[0]], t.Vertices[idx[1]], t.Vertices[idx[2]]
		tmin, tmax := a, a
		for _, v := range [2]mgl32.Vec3{b, c} {
			for i := 0; i < 3; i++ {
				tmin[i] = min32(tmin[i], v[i])
				tmax[i] = max32(tmax[i], v[i])
			}
		}
		if boxesOverlap(min, max, tmin, tmax) {
			return true
		}
	}
	return false
}

// Raycast returns the nearest triangle hit along dir within maxDist.
// dir does not need to be normalised; Distance is in units of |dir|.
func (t *TriMesh) Raycast(origin, dir mgl32.Vec3, maxDist float32) RaycastResult {
	defer profiling.Track("physics.Raycast")()
	const eps = 1e-6
	best := RaycastResult{Distance: maxDist}
	for i, idx := range t.Indices {
		a, b, c := t.Vertices[idx[0]], t.Vertices[idx[1]], t.Vertices[idx[2]]
		e1 := b.Sub(a)
		e2 := c.Sub(a)
		p := dir.Cross(e2)
		det := e1.Dot(p)
		if det > -eps && det < eps {
			continue
		}
		inv := 1 / det
		s := origin.Sub(a)
		u := s.Dot(p) * inv
		if u < 0 || u > 1 {
			continue
		}
		q := s.Cross(e1)
		v := dir.Dot(q) * inv
		if v < 0 || u+v > 1 {
			continue
		}
		d := e2.Dot(q) * inv
		if d < 0 || d > best.Distance {
			continue
		}
		best = RaycastResult{
			Position: origin.Add(dir.Mul(d)),
			Normal:   e1.Cross(e2).Normalize(),
			Triangle: i,
			Distance: d,
			Hit:      true,
		}
	}
	return best
}

func boxesOverlap(aMin, aMax, bMin, bMax mgl32.Vec3) bool {
	return aMin.X() <= bMax.X() && aMax.X() >= bMin.X() &&
		aMin.Y() <= bMax.Y() && aMax.Y() >= bMin.Y() &&
		aMin.Z() <= bMax.Z() && aMax.Z() >= bMin.Z()
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
