package world

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultChunkSize is the side length used when no configuration says otherwise.
const DefaultChunkSize = 16

// ErrChunkSize is returned when a chunk is created or decoded with an unusable side length.
var ErrChunkSize = errors.New("world: invalid chunk size")

// Chunk is a dense cube of materials with side length Size.
type Chunk struct {
	size   int
	blocks []Material
}

// NewChunk creates an all-air chunk with the given side length.
func NewChunk(size int) *Chunk {
	if size <= 0 {
		panic(fmt.Sprintf("world: chunk size %d", size))
	}
	return &Chunk{
		size:   size,
		blocks: make([]Material, size*size*size),
	}
}

// Size returns the side length of the chunk.
func (c *Chunk) Size() int {
	return c.size
}

// index converts local (x, y, z) to the flat index
func (c *Chunk) index(x, y, z int) int {
	return x*c.size*c.size + y*c.size + z
}

func (c *Chunk) inRange(x, y, z int) bool {
	return x >= 0 && x < c.size && y >= 0 && y < c.size && z >= 0 && z < c.size
}

// Get returns the material at local coordinates. Out of range reads return Air.
func (c *Chunk) Get(x, y, z int) Material {
	if c == nil || !c.inRange(x, y, z) {
		return Air
	}
	return c.blocks[c.index(x, y, z)]
}

// Set stores m at local coordinates and reports whether the position was in range.
func (c *Chunk) Set(x, y, z int, m Material) bool {
	if !c.inRange(x, y, z) {
		return false
	}
	c.blocks[c.index(x, y, z)] = m
	return true
}

// Fill sets every voxel in the inclusive box [min, max] to m, clipped to the chunk.
func (c *Chunk) Fill(min, max [3]int, m Material) {
	for x := clamp(min[0], 0, c.size-1); x <= clamp(max[0], 0, c.size-1); x++ {
		for y := clamp(min[1], 0, c.size-1); y <= clamp(max[1], 0, c.size-1); y++ {
			for z := clamp(min[2], 0, c.size-1); z <= clamp(max[2], 0, c.size-1); z++ {
				c.blocks[c.index(x, y, z)] = m
			}
		}
	}
}

// IsEmpty reports whether every voxel is air.
func (c *Chunk) IsEmpty() bool {
	for _, m := range c.blocks {
		if m != Air {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	out := &Chunk{size: c.size, blocks: make([]Material, len(c.blocks))}
	copy(out.blocks, c.blocks)
	return out
}

// Equal reports whether both chunks have the same size and contents.
func (c *Chunk) Equal(o *Chunk) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.size != o.size {
		return false
	}
	for i := range c.blocks {
		if c.blocks[i] != o.blocks[i] {
			return false
		}
	}
	return true
}

// MarshalBinary encodes the chunk as a uint32 side length followed by one
// little-endian uint16 per voxel in index order.
func (c *Chunk) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+2*len(c.blocks))
	binary.LittleEndian.PutUint32(buf, uint32(c.size))
	for i, m := range c.blocks {
		binary.LittleEndian.PutUint16(buf[4+2*i:], uint16(m))
	}
	return buf, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (c *Chunk) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: short header (%d bytes)", ErrChunkSize, len(data))
	}
	size := int(binary.LittleEndian.Uint32(data))
	if size <= 0 || size > 1024 {
		return fmt.Errorf("%w: %d", ErrChunkSize, size)
	}
	n := size * size * size
	if len(data) != 4+2*n {
		return fmt.Errorf("%w: body is %d bytes, want %d", ErrChunkSize, len(data)-4, 2*n)
	}
	blocks := make([]Material, n)
	for i := range blocks {
		blocks[i] = Material(binary.LittleEndian.Uint16(data[4+2*i:]))
	}
	c.size = size
	c.blocks = blocks
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
