// Package game wires the chunk worker, the authority and one local viewpoint
// together over in-process links and drives the headless frame loop.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voxstream/internal/chunkgen"
	"voxstream/internal/client"
	"voxstream/internal/config"
	"voxstream/internal/logging"
	"voxstream/internal/meshing"
	"voxstream/internal/profiling"
	"voxstream/internal/protocol"
	"voxstream/internal/registry"
	"voxstream/internal/server"
	"voxstream/internal/terrain"
)

// Script chooses the input events for a frame of Play.
type Script func(frame int, s client.ViewState) []client.Event

// Session owns every component of a single-process game.
type Session struct {
	cfg config.Config
	log *zap.Logger

	pool      *meshing.WorkerPool
	worker    *chunkgen.Worker
	authority *server.Authority
	streamer  *client.Streamer
	frontend  *client.Frontend
	links     []*protocol.Conn

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error

	Frames           int
	LastFPSCheckTime time.Time
}

// NewSession builds the components. Metrics are registered on reg when it
// is not nil.
func NewSession(cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*Session, error) {
	log = logging.OrNop(log)
	if err := profiling.Register(reg); err != nil {
		return nil, fmt.Errorf("game: %w", err)
	}

	table := registry.Default()
	gen := terrain.NewGenerator(cfg.World.Seed)
	pool := meshing.NewWorkerPool(meshing.NewMesher(table), cfg.Stream.MeshWorkers, 4*cfg.Stream.BatchSize)

	authorityToWorker, workerToAuthority := protocol.LocalPair()
	worker, err := chunkgen.NewWorker(workerToAuthority, gen, chunkgen.Options{
		ChunkSize: cfg.World.ChunkSize,
		Workers:   cfg.Server.GenWorkers,
		CacheSize: cfg.Server.UnloadCacheSize,
	}, log)
	if err != nil {
		pool.Shutdown()
		return nil, err
	}
	authority, err := server.NewAuthority(server.Options{
		ChunkSize:    cfg.World.ChunkSize,
		DrawDistance: cfg.World.DrawDistance,
		TickInterval: cfg.Server.TickInterval,
	}, authorityToWorker, table, log, server.NewMetrics(reg))
	if err != nil {
		pool.Shutdown()
		return nil, err
	}

	// Spawn just above the ground at the world origin.
	spawn := mgl32.Vec3{0.5, float32(gen.HeightAt(0, 0)) + 2, 0.5}

	streamerToAuthority, authorityToStreamer := protocol.LocalPair()
	id := authority.Join(authorityToStreamer, spawn)

	opts := client.Options{
		ChunkSize:          cfg.World.ChunkSize,
		DrawDistance:       cfg.World.DrawDistance,
		BatchSize:          cfg.Stream.BatchSize,
		MoveReportInterval: cfg.Stream.MoveReportInterval,
		ResortInterval:     cfg.Stream.ResortInterval,
		CycleInterval:      cfg.Stream.CycleInterval,
		CollisionShapes:    cfg.Stream.CollisionShapes,
	}
	controls, frontendToStreamer := protocol.LocalPair()
	streamer, err := client.NewStreamer(opts, streamerToAuthority, controls, pool, spawn, log.With(zap.Stringer("viewpoint", id)))
	if err != nil {
		pool.Shutdown()
		return nil, err
	}
	frontend := client.NewFrontend(frontendToStreamer, streamer.Updates(), opts, client.ViewState{Position: spawn}, log)

	return &Session{
		cfg:       cfg,
		log:       log.Named("session"),
		pool:      pool,
		worker:    worker,
		authority: authority,
		streamer:  streamer,
		frontend:  frontend,
		links:     []*protocol.Conn{authorityToWorker, streamerToAuthority, controls},
	}, nil
}

// Start launches the worker, the authority and the streamer. A failure in
// the worker or the authority stops the whole session.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	s.spawn(ctx, "worker", s.worker.Run, true)
	s.spawn(ctx, "authority", s.authority.Run, true)
	s.spawn(ctx, "streamer", s.streamer.Run, false)
	s.LastFPSCheckTime = time.Now()
}

func (s *Session) spawn(ctx context.Context, name string, run func(context.Context) error, fatal bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := run(ctx)
		if err == nil {
			return
		}
		s.log.Error("component failed", zap.String("component", name), zap.Error(err))
		s.mu.Lock()
		if s.err == nil {
			s.err = fmt.Errorf("game: %s: %w", name, err)
		}
		cancel := s.cancel
		s.mu.Unlock()
		if fatal {
			cancel()
		}
	}()
}

// Play runs frames through the frontend until the stream ends, ctx is done
// or frames have been played. frames <= 0 means no limit.
func (s *Session) Play(ctx context.Context, frames int, script Script) error {
	limiter := NewFPSLimiter(s.cfg.Frontend.FrameRate)
	last := time.Now()
	for frame := 0; frames <= 0 || frame < frames; frame++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.Err(); err != nil {
			return err
		}

		now := time.Now()
		events := []client.Event{client.Elapsed{Delta: now.Sub(last)}}
		last = now
		if script != nil {
			events = append(script(frame, s.frontend.State()), events...)
		}
		if !s.frontend.Frame(events...) {
			return s.Err()
		}
		s.countFrame(now)
		limiter.Wait()
	}
	return nil
}

func (s *Session) countFrame(now time.Time) {
	s.Frames++
	if now.Sub(s.LastFPSCheckTime) < time.Second {
		return
	}
	pos := s.frontend.State().Position
	s.log.Info("frame stats",
		zap.Int("fps", s.Frames),
		zap.Int("meshes", len(s.frontend.Coords())),
		zap.Int("resident", len(s.authority.ResidentCoords())),
		zap.Float32s("position", pos[:]),
		zap.String("slowest", profiling.TopN(3)))
	profiling.ResetFrame()
	s.Frames = 0
	s.LastFPSCheckTime = now
}

// Err returns the first component failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Frontend returns the local viewpoint's presentation side.
func (s *Session) Frontend() *client.Frontend {
	return s.frontend
}

// Authority returns the chunk authority.
func (s *Session) Authority() *server.Authority {
	return s.authority
}

// Close leaves gracefully, then stops every component and waits for them.
// The leave handshake is skipped when the session never started or has
// already stopped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	running, cancel := s.ctx != nil && s.ctx.Err() == nil, s.cancel
	s.mu.Unlock()

	var errs []error
	if running {
		if err := s.frontend.Leave(ctx); err != nil {
			errs = append(errs, fmt.Errorf("game: leave: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	for _, l := range s.links {
		l.Close()
	}
	s.pool.Shutdown()

	if err := s.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
