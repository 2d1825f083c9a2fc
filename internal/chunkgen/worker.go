// Package chunkgen implements the chunk worker: it produces chunk grids on
// request from the authority and keeps evicted grids for later reuse.
package chunkgen

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"voxstream/internal/logging"
	"voxstream/internal/profiling"
	"voxstream/internal/protocol"
	"voxstream/internal/world"
)

// Generator fills a freshly allocated chunk. Implementations must be safe
// for concurrent use.
type Generator interface {
	Populate(coord world.ChunkCoord, c *world.Chunk)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(coord world.ChunkCoord, c *world.Chunk)

func (f GeneratorFunc) Populate(coord world.ChunkCoord, c *world.Chunk) {
	f(coord, c)
}

// Options configures a Worker.
type Options struct {
	ChunkSize int
	Workers   int // generator goroutines, NumCPU when zero
	CacheSize int // evicted chunks kept, zero disables the stash
}

type genJob struct {
	out *protocol.ChunkData
	wg  *sync.WaitGroup
}

// Worker serves LoadChunks and UnloadChunk requests from one authority.
type Worker struct {
	conn  *protocol.Conn
	gen   Generator
	opts  Options
	log   *zap.Logger
	stash *stash

	jobs   chan genJob
	orders sync.WaitGroup
}

// NewWorker creates a worker answering on conn.
func NewWorker(conn *protocol.Conn, gen Generator, opts Options, log *zap.Logger) (*Worker, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunkgen: %w: %d", world.ErrChunkSize, opts.ChunkSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU(), 1)
	}
	st, err := newStash(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		conn:  conn,
		gen:   gen,
		opts:  opts,
		log:   logging.OrNop(log).Named("chunkgen"),
		stash: st,
		jobs:  make(chan genJob, 4096),
	}, nil
}

// Run serves requests until ctx is done, the authority hangs up or an
// unexpected message arrives. Batches are answered asynchronously, so
// replies may come back in a different order than the requests.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var gens sync.WaitGroup
	for range w.opts.Workers {
		gens.Add(1)
		go func() {
			defer gens.Done()
			w.generate()
		}()
	}
	defer func() {
		cancel()
		w.orders.Wait()
		close(w.jobs)
		gens.Wait()
		if w.stash != nil {
			w.stash.close()
		}
	}()

	w.log.Info("chunk worker started", zap.Int("generators", w.opts.Workers), zap.Int("stash", w.opts.CacheSize))
	for {
		msg, err := w.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrConnectionClosed) {
				w.log.Info("authority hung up")
			}
			return fmt.Errorf("chunkgen: %w", err)
		}

		switch m := msg.(type) {
		case protocol.LoadChunks:
			w.orders.Add(1)
			go func() {
				defer w.orders.Done()
				w.load(ctx, m.Coords)
			}()
		case protocol.UnloadChunk:
			w.unload(m)
		default:
			err := protocol.Unexpected("chunk worker", msg)
			w.log.Error("protocol violation", zap.Error(err))
			return err
		}
	}
}

func (w *Worker) generate() {
	for job := range w.jobs {
		stop := profiling.Track("chunkgen.Generate")
		c := world.NewChunk(w.opts.ChunkSize)
		w.gen.Populate(job.out.Coord, c)
		job.out.Chunk = world.NewHandle(c)
		stop()
		job.wg.Done()
	}
}

// load produces one Chunks reply holding exactly coords, in request order.
func (w *Worker) load(ctx context.Context, coords []world.ChunkCoord) {
	out := make([]protocol.ChunkData, len(coords))
	var wg sync.WaitGroup
	restored := 0
	for i, coord := range coords {
		out[i].Coord = coord
		if c := w.restore(coord); c != nil {
			out[i].Chunk = world.NewHandle(c)
			restored++
			continue
		}
		wg.Add(1)
		select {
		case w.jobs <- genJob{out: &out[i], wg: &wg}:
		case <-ctx.Done():
			wg.Done()
			wg.Wait()
			return
		}
	}
	wg.Wait()

	if err := w.conn.Send(protocol.Chunks{Chunks: out}); err != nil {
		w.log.Debug("dropping batch", zap.Int("chunks", len(out)), zap.Error(err))
		return
	}
	w.log.Debug("batch ready", zap.Int("chunks", len(out)), zap.Int("restored", restored))
}

func (w *Worker) restore(coord world.ChunkCoord) *world.Chunk {
	if w.stash == nil {
		return nil
	}
	c, ok, err := w.stash.take(coord)
	if err != nil {
		w.log.Warn("discarding stashed chunk", zap.Stringer("coord", coord), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	if c.Size() != w.opts.ChunkSize {
		w.log.Warn("discarding stashed chunk", zap.Stringer("coord", coord), zap.Int("size", c.Size()))
		return nil
	}
	return c
}

func (w *Worker) unload(m protocol.UnloadChunk) {
	if w.stash == nil || m.Chunk == nil {
		return
	}
	if err := w.stash.put(m.Coord, m.Chunk.Snapshot()); err != nil {
		w.log.Warn("cannot stash chunk", zap.Stringer("coord", m.Coord), zap.Error(err))
	}
}

// Stashed returns the number of evicted chunks currently kept.
func (w *Worker) Stashed() int {
	if w.stash == nil {
		return 0
	}
	return w.stash.len()
}
