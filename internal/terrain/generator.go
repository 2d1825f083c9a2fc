// Package terrain provides the default chunk generator: a perlin heightmap
// with a water layer at sea level.
package terrain

import (
	"math"

	"github.com/aquilax/go-perlin"

	"voxstream/internal/registry"
	"voxstream/internal/world"
)

// Generator handles terrain generation logic.
type Generator struct {
	noise      *perlin.Perlin
	scale      float64
	baseHeight int
	amp        float64
	seaLevel   int
	dirtDepth  int
}

// NewGenerator creates a new generator with default settings.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		noise:      perlin.NewPerlin(2, 2, 3, seed),
		scale:      1.0 / 64.0,
		baseHeight: 8,
		amp:        24,
		seaLevel:   4,
		dirtDepth:  3,
	}
}

// HeightAt computes world surface height (block Y) at world X,Z.
func (g *Generator) HeightAt(worldX, worldZ int) int {
	n := g.noise.Noise2D(float64(worldX)*g.scale, float64(worldZ)*g.scale)
	return int(math.Floor(float64(g.baseHeight) + n*g.amp))
}

// Populate fills c, the chunk at coord, from the heightmap. It only reads
// immutable state and is safe to call from several goroutines.
func (g *Generator) Populate(coord world.ChunkCoord, c *world.Chunk) {
	size := c.Size()
	baseX, baseY, baseZ := coord.X*size, coord.Y*size, coord.Z*size
	for lx := range size {
		for lz := range size {
			height := g.HeightAt(baseX+lx, baseZ+lz)
			for ly := range size {
				wy := baseY + ly
				if m := g.materialAt(wy, height); m != world.Air {
					c.Set(lx, ly, lz, m)
				}
			}
		}
	}
}

func (g *Generator) materialAt(y, height int) world.Material {
	switch {
	case y > height:
		if y <= g.seaLevel {
			return registry.Water
		}
		return world.Air
	case y == height:
		if height <= g.seaLevel+1 {
			return registry.Sand
		}
		return registry.Grass
	case y > height-g.dirtDepth:
		if height <= g.seaLevel+1 {
			return registry.Sand
		}
		return registry.Dirt
	default:
		return registry.Stone
	}
}
