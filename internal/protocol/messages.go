// Package protocol defines the messages exchanged between viewpoints, the
// chunk authority and the chunk worker, and an in-process connection that
// carries them.
package protocol

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"voxstream/internal/world"
)

// Kind tags a message variant.
type Kind uint8

const (
	KindPlayerMove Kind = iota + 1
	KindSetBlock
	KindLeave
	KindChunks
	KindLoadChunks
	KindUnloadChunk
	KindReleaseChunks
)

var kindNames = map[Kind]string{
	KindPlayerMove:    "PlayerMove",
	KindSetBlock:      "SetBlock",
	KindLeave:         "Leave",
	KindChunks:        "Chunks",
	KindLoadChunks:    "LoadChunks",
	KindUnloadChunk:   "UnloadChunk",
	KindReleaseChunks: "ReleaseChunks",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is implemented by every variant.
type Message interface {
	Kind() Kind
}

// PlayerMove reports a viewpoint's world-space position.
type PlayerMove struct {
	Position mgl32.Vec3
}

// SetBlock asks the authority to write one voxel.
type SetBlock struct {
	Pos      world.BlockPos
	Material world.Material
}

// Leave starts the disconnect handshake; the authority answers with Leave
// once the viewpoint's references are released.
type Leave struct{}

// ChunkData pairs a coordinate with its grid.
type ChunkData struct {
	Coord world.ChunkCoord
	Chunk *world.Handle
}

// Chunks delivers grids, from the worker to the authority or from the
// authority to a viewpoint.
type Chunks struct {
	Chunks []ChunkData
}

// LoadChunks asks the worker for the listed coordinates, closest first.
type LoadChunks struct {
	Coords []world.ChunkCoord
}

// UnloadChunk hands an evicted grid back to the worker.
type UnloadChunk struct {
	Coord world.ChunkCoord
	Chunk *world.Handle
}

// ReleaseChunks tells a viewpoint the authority no longer holds the listed
// coordinates for it. A viewpoint forgets a chunk only on this notice.
type ReleaseChunks struct {
	Coords []world.ChunkCoord
}

func (PlayerMove) Kind() Kind    { return KindPlayerMove }
func (SetBlock) Kind() Kind      { return KindSetBlock }
func (Leave) Kind() Kind         { return KindLeave }
func (Chunks) Kind() Kind        { return KindChunks }
func (LoadChunks) Kind() Kind    { return KindLoadChunks }
func (UnloadChunk) Kind() Kind   { return KindUnloadChunk }
func (ReleaseChunks) Kind() Kind { return KindReleaseChunks }

// Coords lists the delivered coordinates in message order.
func (c Chunks) Coords() []world.ChunkCoord {
	out := make([]world.ChunkCoord, len(c.Chunks))
	for i, d := range c.Chunks {
		out[i] = d.Coord
	}
	return out
}
