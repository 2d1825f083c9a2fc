package client

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"voxstream/internal/logging"
	"voxstream/internal/physics"
	"voxstream/internal/protocol"
	"voxstream/internal/world"
)

// Reach is how far Dig and Place look for a block, in world units.
const Reach = 6

// Frontend stands in for the presentation layer: it owns the camera, feeds
// positions to the streamer and keeps the meshes the authority still holds
// for this viewpoint.
type Frontend struct {
	controls  *protocol.Conn
	updates   <-chan Batch
	chunkSize int
	state     ViewState
	meshes    map[world.ChunkCoord]MeshedChunk
	done      bool
	log       *zap.Logger
}

// NewFrontend creates a frontend that sends controls to a streamer and reads
// its batches from updates.
func NewFrontend(controls *protocol.Conn, updates <-chan Batch, opts Options, start ViewState, log *zap.Logger) *Frontend {
	return &Frontend{
		controls:  controls,
		updates:   updates,
		chunkSize: opts.ChunkSize,
		state:     start,
		meshes:    make(map[world.ChunkCoord]MeshedChunk),
		log:       logging.OrNop(log).Named("frontend"),
	}
}

// Frame applies events to the camera, reports the position and installs at
// most one pending batch. It returns false once the stream has ended.
func (f *Frontend) Frame(events ...Event) bool {
	if f.done {
		return false
	}
	for _, ev := range events {
		f.state = Update(ev, f.state)
	}
	select {
	case b := <-f.updates:
		f.install(b)
	default:
	}
	if f.done {
		return false
	}
	if err := f.controls.Send(protocol.PlayerMove{Position: f.state.Position}); err != nil {
		f.log.Warn("streamer hung up", zap.Error(err))
		f.done = true
	}
	return !f.done
}

// install drops released meshes before adding new ones, so a chunk released
// and re-delivered within one batch stays installed.
func (f *Frontend) install(b Batch) {
	if b.Done {
		f.done = true
		return
	}
	for _, c := range b.Released {
		delete(f.meshes, c)
	}
	for _, mc := range b.Chunks {
		f.meshes[mc.Coord] = mc
	}
}

// Leave asks the streamer to leave and waits for the end of the stream.
func (f *Frontend) Leave(ctx context.Context) error {
	if f.done {
		return nil
	}
	if err := f.controls.Send(protocol.Leave{}); err != nil {
		return fmt.Errorf("client: leave: %w", err)
	}
	for {
		select {
		case b := <-f.updates:
			f.install(b)
			if f.done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dig clears the block under the crosshair.
func (f *Frontend) Dig() (world.BlockPos, bool) {
	hit, ok := f.pick()
	if !ok {
		return world.BlockPos{}, false
	}
	pos := world.BlockAt(hit.Position.Sub(hit.Normal.Mul(0.5)))
	return pos, f.edit(pos, world.Air)
}

// Place puts m against the face under the crosshair.
func (f *Frontend) Place(m world.Material) (world.BlockPos, bool) {
	hit, ok := f.pick()
	if !ok {
		return world.BlockPos{}, false
	}
	pos := world.BlockAt(hit.Position.Add(hit.Normal.Mul(0.5)))
	return pos, f.edit(pos, m)
}

func (f *Frontend) edit(pos world.BlockPos, m world.Material) bool {
	if err := f.controls.Send(protocol.SetBlock{Pos: pos, Material: m}); err != nil {
		f.log.Warn("edit dropped", zap.Stringer("pos", pos), zap.Error(err))
		return false
	}
	return true
}

// pick casts the view ray against every collision shape.
func (f *Frontend) pick() (physics.RaycastResult, bool) {
	return f.Raycast(f.state.Position, f.state.Front(), Reach)
}

// Raycast returns the nearest hit against the installed collision shapes.
func (f *Frontend) Raycast(origin, dir mgl32.Vec3, maxDist float32) (physics.RaycastResult, bool) {
	best := physics.RaycastResult{Distance: maxDist}
	for _, mc := range f.meshes {
		if mc.Shape == nil {
			continue
		}
		if r := mc.Shape.Raycast(origin, dir, best.Distance); r.Hit {
			best = r
		}
	}
	return best, best.Hit
}

// State returns the camera.
func (f *Frontend) State() ViewState {
	return f.state
}

// Mesh returns the installed mesh for c.
func (f *Frontend) Mesh(c world.ChunkCoord) (MeshedChunk, bool) {
	mc, ok := f.meshes[c]
	return mc, ok
}

// Coords returns the coordinates with installed meshes, closest first.
func (f *Frontend) Coords() []world.ChunkCoord {
	out := slices.Collect(maps.Keys(f.meshes))
	world.SortByDistance(out, world.WorldToChunk(f.state.Position, f.chunkSize))
	return out
}

// Done reports whether the stream has ended.
func (f *Frontend) Done() bool {
	return f.done
}
