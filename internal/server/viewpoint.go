package server

import (
	"slices"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"voxstream/internal/protocol"
	"voxstream/internal/world"
)

type coordSet map[world.ChunkCoord]struct{}

// viewpoint is the authority's record of one connected viewer.
//
// wanted is the current visibility sphere. held is the part of it that has
// been delivered; the viewpoint owns exactly one reference on each held
// chunk, so a chunk can never be counted twice for the same viewer.
type viewpoint struct {
	id    uuid.UUID
	conn  *protocol.Conn
	pos   mgl32.Vec3
	chunk world.ChunkCoord
	log   *zap.Logger

	wanted coordSet
	held   coordSet

	outbox   []protocol.ChunkData
	queued   coordSet
	released []world.ChunkCoord
}

func newViewpoint(id uuid.UUID, conn *protocol.Conn, pos mgl32.Vec3, chunk world.ChunkCoord, log *zap.Logger) *viewpoint {
	return &viewpoint{
		id:     id,
		conn:   conn,
		pos:    pos,
		chunk:  chunk,
		log:    log.With(zap.Stringer("viewpoint", id)),
		wanted: make(coordSet),
		held:   make(coordSet),
		queued: make(coordSet),
	}
}

func (v *viewpoint) wants(k world.ChunkCoord) bool {
	_, ok := v.wanted[k]
	return ok
}

func (v *viewpoint) holds(k world.ChunkCoord) bool {
	_, ok := v.held[k]
	return ok
}

// queue schedules k for delivery at the end of the tick, once per tick.
func (v *viewpoint) queue(k world.ChunkCoord, h *world.Handle) {
	if _, ok := v.queued[k]; ok {
		return
	}
	v.queued[k] = struct{}{}
	v.outbox = append(v.outbox, protocol.ChunkData{Coord: k, Chunk: h})
}

// unqueue cancels a pending delivery of k and schedules a release notice.
func (v *viewpoint) unqueue(k world.ChunkCoord) {
	if _, ok := v.queued[k]; ok {
		delete(v.queued, k)
		v.outbox = slices.DeleteFunc(v.outbox, func(d protocol.ChunkData) bool { return d.Coord == k })
	}
	v.released = append(v.released, k)
}

// flush sends the tick's release notices, then everything queued as a
// single Chunks message. Releases go first so a coordinate dropped and
// held again within one tick ends up held on the viewer's side too.
func (v *viewpoint) flush() error {
	if len(v.released) > 0 {
		notice := protocol.ReleaseChunks{Coords: v.released}
		v.released = nil
		if err := v.conn.Send(notice); err != nil {
			return err
		}
	}
	if len(v.outbox) == 0 {
		return nil
	}
	batch := protocol.Chunks{Chunks: v.outbox}
	v.outbox = nil
	clear(v.queued)
	return v.conn.Send(batch)
}

// ViewpointInfo is a read-only view of a connected viewpoint.
type ViewpointInfo struct {
	ID       uuid.UUID
	Position mgl32.Vec3
	Chunk    world.ChunkCoord
	Wanted   int
	Held     int
}
