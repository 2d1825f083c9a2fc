package meshing

import (
	"voxstream/internal/profiling"
	"voxstream/internal/registry"
	"voxstream/internal/world"

	"github.com/go-gl/mathgl/mgl32"
)

// VerticesPerQuad is the number of vertices emitted for one merged rectangle.
const VerticesPerQuad = 6

// Vertex is one corner of an emitted triangle, in chunk-local coordinates.
type Vertex struct {
	Pos      mgl32.Vec3
	Normal   mgl32.Vec3
	Material world.Material
}

// Mesh is a triangle list plus the transform placing it in the world.
// A nil Vertices slice is a valid empty mesh.
type Mesh struct {
	Vertices []Vertex
	Model    mgl32.Mat4
}

// NewMesh wraps chunk-local vertices with a translation to the chunk origin.
func NewMesh(vertices []Vertex, coord world.ChunkCoord, size int) Mesh {
	o := world.Origin(coord, size)
	return Mesh{Vertices: vertices, Model: mgl32.Translate3D(o.X(), o.Y(), o.Z())}
}

// Empty reports whether the mesh has no geometry.
func (m Mesh) Empty() bool {
	return len(m.Vertices) == 0
}

// Positions returns the world-space position of every vertex.
func (m Mesh) Positions() []mgl32.Vec3 {
	if len(m.Vertices) == 0 {
		return nil
	}
	out := make([]mgl32.Vec3, len(m.Vertices))
	for i, v := range m.Vertices {
		out[i] = mgl32.TransformCoordinate(v.Pos, m.Model)
	}
	return out
}

// Mesher turns chunks into triangle lists. It only reads its material table
// and is safe for concurrent use.
type Mesher struct {
	materials *registry.Table
}

// NewMesher creates a mesher that classifies voxels with t.
func NewMesher(t *registry.Table) *Mesher {
	return &Mesher{materials: t}
}

// maskCell is one entry of a slab mask. Two cells merge only when both the
// material and the facing agree.
type maskCell struct {
	mat  world.Material
	back bool // face belongs to the voxel behind the slab and points toward +d
	set  bool
}

// sampler reads voxels of a chunk and, one step past each face, of its neighbours.
type sampler struct {
	grid      *world.Chunk
	neighbors [6]*world.Chunk
	size      int
}

// at returns the material at local position p, where at most one component
// lies one step outside the chunk. Missing neighbours read as air.
func (s *sampler) at(p [3]int) world.Material {
	for axis := 0; axis < 3; axis++ {
		switch {
		case p[axis] < 0:
			q := p
			q[axis] = s.size - 1
			return s.neighbors[2*axis].Get(q[0], q[1], q[2])
		case p[axis] >= s.size:
			q := p
			q[axis] = 0
			return s.neighbors[2*axis+1].Get(q[0], q[1], q[2])
		}
	}
	return s.grid.Get(p[0], p[1], p[2])
}

func (m *Mesher) participates(mat world.Material, phase registry.Phase) bool {
	return phase != registry.PhaseNone && m.materials.Phase(mat) == phase
}

// Mesh builds the greedy-merged triangle list of grid for one phase.
// neighbors are the face-adjacent grids in the order -X, +X, -Y, +Y, -Z, +Z;
// a nil neighbour is treated as air. No input is modified.
//
// A face is emitted between two voxels when exactly one of them belongs to
// phase. Faces on the chunk boundary are emitted only for voxels of grid,
// so the neighbour chunk emits its own side of the shared plane.
func (m *Mesher) Mesh(grid *world.Chunk, neighbors [6]*world.Chunk, phase registry.Phase) []Vertex {
	defer profiling.Track("meshing.Mesh")()
	if grid == nil || phase == registry.PhaseNone {
		return nil
	}

	size := grid.Size()
	s := sampler{grid: grid, neighbors: neighbors, size: size}
	mask := make([]maskCell, size*size)
	var vertices []Vertex

	// Sweep on all three axes; d is the main axis, u and v the other two
	for d := 0; d < 3; d++ {
		u := (d + 1) % 3
		v := (d + 2) % 3

		for slab := 0; slab <= size; slab++ {
			empty := true
			for ui := 0; ui < size; ui++ {
				for vi := 0; vi < size; vi++ {
					var back, front [3]int
					back[d], back[u], back[v] = slab-1, ui, vi
					front[d], front[u], front[v] = slab, ui, vi

					a := s.at(back)
					b := s.at(front)
					oa := m.participates(a, phase)
					ob := m.participates(b, phase)

					// A face on the chunk boundary belongs to the chunk whose
					// voxel is the solid side, so the neighbour emits the other.
					cell := maskCell{}
					switch {
					case oa && !ob && slab > 0:
						cell = maskCell{mat: a, back: true, set: true}
					case ob && !oa && slab < size:
						cell = maskCell{mat: b, back: false, set: true}
					}
					mask[ui*size+vi] = cell
					if cell.set {
						empty = false
					}
				}
			}
			if empty {
				continue
			}
			vertices = appendGreedy(vertices, mask, size, d, u, v, slab)
		}
	}
	return vertices
}

// appendGreedy merges the cells of one slab mask into rectangles and appends
// two triangles per rectangle. Consumed cells are cleared.
func appendGreedy(dst []Vertex, mask []maskCell, size, d, u, v, slab int) []Vertex {
	for ui := 0; ui < size; ui++ {
		for vi := 0; vi < size; vi++ {
			cell := mask[ui*size+vi]
			if !cell.set {
				continue
			}

			// Extend along u
			u1 := ui + 1
			for u1 < size && mask[u1*size+vi] == cell {
				u1++
			}

			// Extend along v while the whole u extent matches
			v1 := vi + 1
		extend:
			for v1 < size {
				for uu := ui; uu < u1; uu++ {
					if mask[uu*size+v1] != cell {
						break extend
					}
				}
				v1++
			}

			for uu := ui; uu < u1; uu++ {
				for vv := vi; vv < v1; vv++ {
					mask[uu*size+vv] = maskCell{}
				}
			}

			dst = emitQuad(dst, d, u, v, slab, ui, vi, u1, v1, cell)
		}
	}
	return dst
}

// emitQuad appends the rectangle [u0,u1)x[v0,v1) on plane d=slab as two
// counter-clockwise triangles seen from the side the normal points to.
func emitQuad(dst []Vertex, d, u, v, slab, u0, v0, u1, v1 int, cell maskCell) []Vertex {
	corner := func(cu, cv int) mgl32.Vec3 {
		var p mgl32.Vec3
		p[d] = float32(slab)
		p[u] = float32(cu)
		p[v] = float32(cv)
		return p
	}
	c0 := corner(u0, v0)
	c1 := corner(u1, v0)
	c2 := corner(u1, v1)
	c3 := corner(u0, v1)

	var n mgl32.Vec3
	if cell.back {
		n[d] = 1
	} else {
		n[d] = -1
		c1, c3 = c3, c1
	}

	vert := func(p mgl32.Vec3) Vertex {
		return Vertex{Pos: p, Normal: n, Material: cell.mat}
	}
	return append(dst,
		vert(c0), vert(c1), vert(c2),
		vert(c0), vert(c2), vert(c3),
	)
}

// MeshCulled emits one quad per visible voxel face, with the same culling
// and boundary rules as Mesh but without merging.
func (m *Mesher) MeshCulled(grid *world.Chunk, neighbors [6]*world.Chunk, phase registry.Phase) []Vertex {
	if grid == nil || phase == registry.PhaseNone {
		return nil
	}
	size := grid.Size()
	s := sampler{grid: grid, neighbors: neighbors, size: size}
	var vertices []Vertex

	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			for z := 0; z < size; z++ {
				p := [3]int{x, y, z}
				mat := grid.Get(x, y, z)
				if !m.participates(mat, phase) {
					continue
				}
				for d := 0; d < 3; d++ {
					u := (d + 1) % 3
					v := (d + 2) % 3
					for _, step := range [2]int{-1, 1} {
						q := p
						q[d] += step
						if m.participates(s.at(q), phase) {
							continue
						}
						slab := p[d]
						if step > 0 {
							slab++
						}
						cell := maskCell{mat: mat, back: step > 0, set: true}
						vertices = emitQuad(vertices, d, u, v, slab, p[u], p[v], p[u]+1, p[v]+1, cell)
					}
				}
			}
		}
	}
	return vertices
}
