package registry

import (
	"errors"
	"fmt"

	"voxstream/internal/world"
)

// Phase selects the mesh pass a material is drawn in.
type Phase uint8

const (
	// PhaseNone never participates in meshing (air).
	PhaseNone Phase = iota
	// PhaseOpaque is drawn in the first pass.
	PhaseOpaque
	// PhaseTransparent is drawn in the second pass, after all opaque geometry.
	PhaseTransparent
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseOpaque:
		return "opaque"
	case PhaseTransparent:
		return "transparent"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// MaterialDef defines the properties of a material.
type MaterialDef struct {
	ID          world.Material
	Name        string
	Solid       bool
	Transparent bool
	TintColor   uint32
}

// Phase returns the mesh pass the material belongs to.
func (d MaterialDef) Phase() Phase {
	switch {
	case d.ID == world.Air:
		return PhaseNone
	case d.Transparent:
		return PhaseTransparent
	default:
		return PhaseOpaque
	}
}

var (
	ErrNoAir           = errors.New("registry: material 0 must be air")
	ErrSparseIDs       = errors.New("registry: material IDs must be dense")
	ErrDuplicateName   = errors.New("registry: duplicate material name")
	ErrUnknownMaterial = errors.New("registry: unknown material")
)

// Table is an immutable material lookup table. It is built once and shared
// by the mesher and the authority.
type Table struct {
	defs   []MaterialDef
	phases []Phase
	names  map[string]world.Material
}

// NewTable validates defs and builds a table. IDs must be 0..len(defs)-1 in
// any order, ID 0 must be named "air" and names must be unique.
func NewTable(defs ...MaterialDef) (*Table, error) {
	t := &Table{
		defs:   make([]MaterialDef, len(defs)),
		phases: make([]Phase, len(defs)),
		names:  make(map[string]world.Material, len(defs)),
	}
	seen := make([]bool, len(defs))
	for _, d := range defs {
		if int(d.ID) >= len(defs) || seen[d.ID] {
			return nil, fmt.Errorf("%w: id %d", ErrSparseIDs, d.ID)
		}
		if _, dup := t.names[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, d.Name)
		}
		seen[d.ID] = true
		t.defs[d.ID] = d
		t.phases[d.ID] = d.Phase()
		t.names[d.Name] = d.ID
	}
	if len(defs) == 0 || t.defs[world.Air].Name != "air" {
		return nil, ErrNoAir
	}
	return t, nil
}

// Materials used by the default table.
const (
	Stone world.Material = iota + 1
	Dirt
	Grass
	Sand
	Water
	Glass
	Leaves
)

// Default returns the built-in material table.
func Default() *Table {
	t, err := NewTable(
		MaterialDef{ID: world.Air, Name: "air", Transparent: true},
		MaterialDef{ID: Stone, Name: "stone", Solid: true, TintColor: 0x7f7f7f},
		MaterialDef{ID: Dirt, Name: "dirt", Solid: true, TintColor: 0x866043},
		MaterialDef{ID: Grass, Name: "grass", Solid: true, TintColor: 0x5f9f35},
		MaterialDef{ID: Sand, Name: "sand", Solid: true, TintColor: 0xdbd3a0},
		MaterialDef{ID: Water, Name: "water", Transparent: true, TintColor: 0x3f76e4},
		MaterialDef{ID: Glass, Name: "glass", Solid: true, Transparent: true, TintColor: 0xc0f5fe},
		MaterialDef{ID: Leaves, Name: "leaves", Solid: true, Transparent: true, TintColor: 0x48b518},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// Phase returns the mesh pass of m. Unknown materials never participate.
func (t *Table) Phase(m world.Material) Phase {
	if int(m) >= len(t.phases) {
		return PhaseNone
	}
	return t.phases[m]
}

// Valid reports whether m is defined in the table.
func (t *Table) Valid(m world.Material) bool {
	return int(m) < len(t.defs)
}

// Def returns the definition of m.
func (t *Table) Def(m world.Material) (MaterialDef, error) {
	if !t.Valid(m) {
		return MaterialDef{}, fmt.Errorf("%w: %d", ErrUnknownMaterial, m)
	}
	return t.defs[m], nil
}

// Lookup returns the material registered under name.
func (t *Table) Lookup(name string) (world.Material, bool) {
	m, ok := t.names[name]
	return m, ok
}

// Len returns the number of materials, air included.
func (t *Table) Len() int {
	return len(t.defs)
}
