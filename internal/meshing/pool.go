package meshing

import (
	"context"
	"errors"
	"sync"

	"voxstream/internal/registry"
	"voxstream/internal/world"
)

// ErrPoolClosed is returned by MeshBatch after Shutdown.
var ErrPoolClosed = errors.New("meshing: worker pool is shut down")

// MeshJob asks for both phase meshes of one chunk.
type MeshJob struct {
	Coord     world.ChunkCoord
	Chunk     *world.Handle
	Neighbors [6]*world.Handle
}

// MeshResult contains the result of a meshing operation
type MeshResult struct {
	Coord       world.ChunkCoord
	Opaque      Mesh
	Transparent Mesh
}

type task struct {
	job  MeshJob
	out  *MeshResult
	done *sync.WaitGroup
}

// WorkerPool manages goroutines for mesh generation
type WorkerPool struct {
	mesher   *Mesher
	jobQueue chan task
	workers  int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new mesh worker pool
func NewWorkerPool(m *Mesher, workers int, queueSize int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		mesher:   m,
		jobQueue: make(chan task, queueSize),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Start worker goroutines
	for range workers {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

// MeshBatch meshes every job in parallel and returns the results in job
// order. Each grid is locked only while it is being copied or read, never
// together with another grid.
func (p *WorkerPool) MeshBatch(ctx context.Context, jobs []MeshJob) ([]MeshResult, error) {
	results := make([]MeshResult, len(jobs))
	var done sync.WaitGroup

	var submitErr error
submit:
	for i := range jobs {
		done.Add(1)
		select {
		case p.jobQueue <- task{job: jobs[i], out: &results[i], done: &done}:
		case <-ctx.Done():
			done.Done()
			submitErr = ctx.Err()
			break submit
		case <-p.ctx.Done():
			done.Done()
			return nil, ErrPoolClosed
		}
	}

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
	if submitErr != nil {
		return nil, submitErr
	}
	return results, nil
}

// worker is the worker goroutine that processes mesh jobs
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case t := <-p.jobQueue:
			*t.out = p.run(t.job)
			t.done.Done()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) run(job MeshJob) MeshResult {
	var nb [6]*world.Chunk
	for i, h := range job.Neighbors {
		if h != nil {
			nb[i] = h.Snapshot()
		}
	}

	var opaque, transparent []Vertex
	size := job.Chunk.Size()
	job.Chunk.Read(func(c *world.Chunk) {
		opaque = p.mesher.Mesh(c, nb, registry.PhaseOpaque)
		transparent = p.mesher.Mesh(c, nb, registry.PhaseTransparent)
	})
	return MeshResult{
		Coord:       job.Coord,
		Opaque:      NewMesh(opaque, job.Coord, size),
		Transparent: NewMesh(transparent, job.Coord, size),
	}
}

// Shutdown stops the workers. Batches still waiting return ErrPoolClosed.
func (p *WorkerPool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// GetQueueLength returns the current number of jobs in the queue
func (p *WorkerPool) GetQueueLength() int {
	return len(p.jobQueue)
}
