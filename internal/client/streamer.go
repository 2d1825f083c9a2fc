// Package client implements the viewpoint side of chunk streaming: the
// streaming worker that turns raw chunks from the authority into meshes, and
// a headless frontend that consumes them.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"voxstream/internal/logging"
	"voxstream/internal/meshing"
	"voxstream/internal/physics"
	"voxstream/internal/profiling"
	"voxstream/internal/protocol"
	"voxstream/internal/world"
)

// ErrLeft is returned by Cycle once the leave handshake has completed.
var ErrLeft = errors.New("client: viewpoint left")

// Options configures a Streamer.
type Options struct {
	ChunkSize          int
	DrawDistance       float32 // world units
	BatchSize          int
	MoveReportInterval time.Duration
	ResortInterval     int // cycles
	CycleInterval      time.Duration
	CollisionShapes    bool
}

// MeshedChunk is one chunk ready for the presentation layer.
type MeshedChunk struct {
	Coord       world.ChunkCoord
	Opaque      meshing.Mesh
	Transparent meshing.Mesh
	Shape       *physics.TriMesh // nil without collision shapes or opaque geometry
	Chunk       *world.Handle
}

// Batch is a message to the presentation layer. Released lists chunks the
// authority let go of since the previous batch; they are removed before
// Chunks are installed. Done marks the end of the stream after a leave.
type Batch struct {
	Chunks   []MeshedChunk
	Released []world.ChunkCoord
	Done     bool
}

// Streamer receives chunks for one viewpoint, meshes them once their
// neighbours are present and hands the meshes to the presentation layer.
type Streamer struct {
	opts     Options
	radius   float32 // draw distance in chunks
	server   *protocol.Conn
	controls *protocol.Conn
	pool     *meshing.WorkerPool
	limiter  *rate.Limiter
	out      chan Batch
	log      *zap.Logger

	pos      mgl32.Vec3
	reported mgl32.Vec3
	dirty    bool // pos differs from reported

	// cache mirrors what the authority holds for this viewpoint: entries are
	// added on delivery and removed only on a release notice.
	cache    map[world.ChunkCoord]*world.Handle
	queue    []world.ChunkCoord
	queued   map[world.ChunkCoord]struct{}
	stale    map[world.ChunkCoord]struct{} // delivered since last meshed
	meshed   map[world.ChunkCoord]struct{} // handed to the presentation layer
	released map[world.ChunkCoord]struct{} // not yet reported in a batch

	cycles    int
	resortDue bool
	left      bool
}

// NewStreamer creates a streamer for a viewpoint that joined at pos. server
// is the link to the authority, controls the link from the presentation
// layer. The pool is shared and not shut down by the streamer.
func NewStreamer(opts Options, server, controls *protocol.Conn, pool *meshing.WorkerPool, pos mgl32.Vec3, log *zap.Logger) (*Streamer, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("client: %w: %d", world.ErrChunkSize, opts.ChunkSize)
	}
	if opts.DrawDistance <= 0 {
		return nil, fmt.Errorf("client: draw distance must be positive, got %v", opts.DrawDistance)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.ResortInterval < 1 {
		opts.ResortInterval = 1
	}
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = time.Millisecond
	}
	return &Streamer{
		opts:     opts,
		radius:   opts.DrawDistance / float32(opts.ChunkSize),
		server:   server,
		controls: controls,
		pool:     pool,
		limiter:  rate.NewLimiter(rate.Every(opts.MoveReportInterval), 1),
		out:      make(chan Batch, 1),
		log:      logging.OrNop(log).Named("streamer"),
		pos:      pos,
		reported: pos,
		cache:    make(map[world.ChunkCoord]*world.Handle),
		queued:   make(map[world.ChunkCoord]struct{}),
		stale:    make(map[world.ChunkCoord]struct{}),
		meshed:   make(map[world.ChunkCoord]struct{}),
		released: make(map[world.ChunkCoord]struct{}),
	}, nil
}

// Updates delivers mesh batches. At most one batch is waiting at a time.
func (s *Streamer) Updates() <-chan Batch {
	return s.out
}

// Run cycles every CycleInterval until ctx is done or the viewpoint leaves.
func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CycleInterval)
	defer ticker.Stop()
	for {
		err := s.Cycle(ctx)
		switch {
		case errors.Is(err, ErrLeft):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.log.Error("streamer stopped", zap.Error(err))
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle performs one pass: drain controls, report movement, re-sort, mesh a
// batch, then take in one delivery.
func (s *Streamer) Cycle(ctx context.Context) error {
	defer profiling.Track("client.Cycle")()
	if s.left {
		return ErrLeft
	}
	if err := s.drainControls(ctx); err != nil {
		return err
	}
	if err := s.reportMove(); err != nil {
		return err
	}

	s.cycles++
	if s.resortDue || s.cycles%s.opts.ResortInterval == 0 {
		s.resort()
	}
	if err := s.meshBatch(ctx); err != nil {
		return err
	}
	return s.receive()
}

func (s *Streamer) drainControls(ctx context.Context) error {
	for {
		m, err := s.controls.TryRecv()
		if errors.Is(err, protocol.ErrConnectionClosed) {
			s.log.Info("presentation layer hung up")
			return s.leave(ctx, false)
		}
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		switch m := m.(type) {
		case protocol.PlayerMove:
			if m.Position != s.pos {
				s.pos = m.Position
				s.dirty = s.pos != s.reported
			}
		case protocol.SetBlock:
			if err := s.send(m); err != nil {
				return err
			}
		case protocol.Leave:
			return s.leave(ctx, true)
		default:
			return protocol.Unexpected("streamer", m)
		}
	}
}

func (s *Streamer) reportMove() error {
	if !s.dirty || !s.limiter.Allow() {
		return nil
	}
	if err := s.send(protocol.PlayerMove{Position: s.pos}); err != nil {
		return err
	}
	s.reported = s.pos
	s.dirty = false
	return nil
}

// leave runs the handshake with the authority. When notify is set the
// presentation layer gets a Done batch.
func (s *Streamer) leave(ctx context.Context, notify bool) error {
	s.left = true
	if err := s.server.Send(protocol.Leave{}); err == nil {
	wait:
		for {
			m, err := s.server.Recv(ctx)
			switch {
			case errors.Is(err, protocol.ErrConnectionClosed):
				break wait
			case err != nil:
				return err
			}
			switch m.(type) {
			case protocol.Leave:
				break wait
			case protocol.Chunks, protocol.ReleaseChunks:
				// late traffic, discarded
			default:
				return protocol.Unexpected("streamer", m)
			}
		}
	}
	s.cache = make(map[world.ChunkCoord]*world.Handle)
	s.queue = nil
	s.queued = make(map[world.ChunkCoord]struct{})
	s.stale = make(map[world.ChunkCoord]struct{})
	s.meshed = make(map[world.ChunkCoord]struct{})
	s.released = make(map[world.ChunkCoord]struct{})
	s.log.Info("left", zap.Int("cycles", s.cycles))

	if notify {
		select {
		case s.out <- Batch{Done: true}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrLeft
}

func (s *Streamer) within(c, center world.ChunkCoord) bool {
	return float32(c.DistSq(center)) <= s.radius*s.radius
}

// resort orders the queue closest first and drops entries beyond the draw
// distance. Dropped chunks stay cached until the authority releases them, and
// are queued again if the viewpoint comes back before that.
func (s *Streamer) resort() {
	s.resortDue = false
	center := world.WorldToChunk(s.pos, s.opts.ChunkSize)

	kept := s.queue[:0]
	for _, c := range s.queue {
		if s.within(c, center) {
			kept = append(kept, c)
		} else {
			delete(s.queued, c)
		}
	}
	s.queue = kept

	for c := range s.stale {
		if s.within(c, center) {
			s.enqueue(c)
		}
	}
	world.SortByDistance(s.queue, center)
}

func (s *Streamer) enqueue(c world.ChunkCoord) {
	if _, ok := s.queued[c]; ok {
		return
	}
	s.queued[c] = struct{}{}
	s.queue = append(s.queue, c)
}

// meshBatch fills the outbound slot when it is free and there is something
// to report: meshes for the closest ready chunks, pending releases or both.
func (s *Streamer) meshBatch(ctx context.Context) error {
	if len(s.out) > 0 {
		return nil
	}
	n := min(s.opts.BatchSize, len(s.queue))
	jobs := make([]meshing.MeshJob, 0, n)
	for _, c := range s.queue[:n] {
		job, ok := s.job(c)
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 && len(s.released) == 0 {
		return nil
	}

	var results []meshing.MeshResult
	if len(jobs) > 0 {
		var err error
		if results, err = s.pool.MeshBatch(ctx, jobs); err != nil {
			return fmt.Errorf("client: meshing: %w", err)
		}
	}
	batch := Batch{Chunks: make([]MeshedChunk, len(results))}
	if len(s.released) > 0 {
		batch.Released = slices.Collect(maps.Keys(s.released))
		clear(s.released)
	}
	meshed := make(map[world.ChunkCoord]struct{}, len(results))
	for i, r := range results {
		mc := MeshedChunk{
			Coord:       r.Coord,
			Opaque:      r.Opaque,
			Transparent: r.Transparent,
			Chunk:       jobs[i].Chunk,
		}
		if s.opts.CollisionShapes && !r.Opaque.Empty() {
			mc.Shape = physics.NewTriMesh(r.Opaque.Positions())
		}
		batch.Chunks[i] = mc
		meshed[r.Coord] = struct{}{}
		s.meshed[r.Coord] = struct{}{}
		delete(s.stale, r.Coord)
		delete(s.queued, r.Coord)
	}
	s.queue = slices.DeleteFunc(s.queue, func(c world.ChunkCoord) bool {
		_, ok := meshed[c]
		return ok
	})
	s.out <- batch
	s.log.Debug("batch sent",
		zap.Int("chunks", len(batch.Chunks)),
		zap.Int("released", len(batch.Released)),
		zap.Int("queued", len(s.queue)))
	return nil
}

// job returns the mesh job for c, or false while a neighbour is missing.
func (s *Streamer) job(c world.ChunkCoord) (meshing.MeshJob, bool) {
	h, ok := s.cache[c]
	if !ok {
		return meshing.MeshJob{}, false
	}
	job := meshing.MeshJob{Coord: c, Chunk: h}
	for i, n := range world.Neighbors(c) {
		nh, ok := s.cache[n]
		if !ok {
			return meshing.MeshJob{}, false
		}
		job.Neighbors[i] = nh
	}
	return job, true
}

func (s *Streamer) receive() error {
	m, err := s.server.TryRecv()
	if err != nil {
		return fmt.Errorf("client: authority link: %w", err)
	}
	if m == nil {
		return nil
	}
	switch m := m.(type) {
	case protocol.Chunks:
		for _, cd := range m.Chunks {
			s.cache[cd.Coord] = cd.Chunk
			s.stale[cd.Coord] = struct{}{}
			delete(s.released, cd.Coord)
			s.enqueue(cd.Coord)
		}
	case protocol.ReleaseChunks:
		for _, c := range m.Coords {
			s.forget(c)
		}
	default:
		return protocol.Unexpected("streamer", m)
	}
	s.resortDue = true
	return nil
}

// forget drops c everywhere and, if its mesh was handed out, schedules its
// removal from the presentation layer.
func (s *Streamer) forget(c world.ChunkCoord) {
	delete(s.cache, c)
	delete(s.stale, c)
	if _, ok := s.queued[c]; ok {
		delete(s.queued, c)
		s.queue = slices.DeleteFunc(s.queue, func(q world.ChunkCoord) bool { return q == c })
	}
	if _, ok := s.meshed[c]; ok {
		delete(s.meshed, c)
		s.released[c] = struct{}{}
	}
}

func (s *Streamer) send(m protocol.Message) error {
	if err := s.server.Send(m); err != nil {
		return fmt.Errorf("client: authority link: %w", err)
	}
	return nil
}

// Queued returns the pending coordinates in queue order. Like Cached and
// Position it must not race with Run.
func (s *Streamer) Queued() []world.ChunkCoord {
	return slices.Clone(s.queue)
}

// Cached reports whether a raw chunk for c is held locally.
func (s *Streamer) Cached(c world.ChunkCoord) bool {
	_, ok := s.cache[c]
	return ok
}

// Position returns the latest position received from the presentation layer.
func (s *Streamer) Position() mgl32.Vec3 {
	return s.pos
}
