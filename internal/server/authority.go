// Package server implements the chunk authority: the tick loop that owns the
// canonical chunk table, tracks viewpoints and routes chunk data between the
// chunk worker and the viewpoints that need it.
package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"voxstream/internal/logging"
	"voxstream/internal/profiling"
	"voxstream/internal/protocol"
	"voxstream/internal/registry"
	"voxstream/internal/world"
)

// Options configures an Authority.
type Options struct {
	ChunkSize    int
	DrawDistance float32 // world units
	TickInterval time.Duration
}

// order is a LoadChunks request waiting for the worker.
type order struct {
	coords    []world.ChunkCoord
	requester uuid.UUID
}

type pendingJoin struct {
	id   uuid.UUID
	conn *protocol.Conn
	pos  mgl32.Vec3
}

// Authority owns the canonical chunk table and every reference count.
type Authority struct {
	opts    Options
	radius  float32 // draw distance in chunks
	worker  *protocol.Conn
	table   *registry.Table
	store   *world.Store
	log     *zap.Logger
	metrics *Metrics

	joinMu sync.Mutex
	joins  []pendingJoin

	mu         sync.Mutex
	viewpoints map[uuid.UUID]*viewpoint
	ids        []uuid.UUID // join order
	orders     []order
	inflight   coordSet
	workerErr  error
}

// NewAuthority creates an authority that fetches chunks over worker.
// metrics may be nil.
func NewAuthority(opts Options, worker *protocol.Conn, table *registry.Table, log *zap.Logger, metrics *Metrics) (*Authority, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("server: %w: %d", world.ErrChunkSize, opts.ChunkSize)
	}
	if opts.DrawDistance <= 0 {
		return nil, fmt.Errorf("server: draw distance must be positive, got %v", opts.DrawDistance)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Millisecond
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Authority{
		opts:       opts,
		radius:     opts.DrawDistance / float32(opts.ChunkSize),
		worker:     worker,
		table:      table,
		store:      world.NewStore(opts.ChunkSize),
		log:        logging.OrNop(log).Named("authority"),
		metrics:    metrics,
		viewpoints: make(map[uuid.UUID]*viewpoint),
		inflight:   make(coordSet),
	}, nil
}

// Join registers a viewpoint at pos. It takes effect on the next tick, which
// loads everything within draw distance.
func (a *Authority) Join(conn *protocol.Conn, pos mgl32.Vec3) uuid.UUID {
	id := uuid.New()
	a.joinMu.Lock()
	a.joins = append(a.joins, pendingJoin{id: id, conn: conn, pos: pos})
	a.joinMu.Unlock()
	return id
}

// Run ticks until ctx is done. It returns an error only when the link to the
// chunk worker fails; viewpoint failures are handled per viewpoint.
func (a *Authority) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.TickInterval)
	defer ticker.Stop()

	a.log.Info("authority started",
		zap.Int("chunk_size", a.opts.ChunkSize),
		zap.Float32("draw_chunks", a.radius),
		zap.Duration("tick", a.opts.TickInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Tick(); err != nil {
				a.log.Error("authority stopped", zap.Error(err))
				return err
			}
		}
	}
}

// Tick runs one pass: admit joins, service every viewpoint, route worker
// replies, then send each viewpoint its deliveries.
func (a *Authority) Tick() error {
	defer profiling.Track("server.Tick")()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.applyJoins()
	for _, id := range slices.Clone(a.ids) {
		if v, ok := a.viewpoints[id]; ok {
			a.service(v)
		}
	}
	if err := a.drainWorker(); err != nil {
		return err
	}
	for _, id := range slices.Clone(a.ids) {
		v, ok := a.viewpoints[id]
		if !ok {
			continue
		}
		if err := v.flush(); err != nil {
			a.disconnect(v, err)
		}
	}

	a.metrics.resident.Set(float64(a.store.Len()))
	a.metrics.pendingOrders.Set(float64(len(a.orders)))
	a.metrics.viewpoints.Set(float64(len(a.viewpoints)))

	if a.workerErr != nil {
		err := a.workerErr
		a.workerErr = nil
		return fmt.Errorf("server: worker link: %w", err)
	}
	return nil
}

func (a *Authority) applyJoins() {
	a.joinMu.Lock()
	joins := a.joins
	a.joins = nil
	a.joinMu.Unlock()

	for _, j := range joins {
		chunk := world.WorldToChunk(j.pos, a.opts.ChunkSize)
		v := newViewpoint(j.id, j.conn, j.pos, chunk, a.log)
		a.viewpoints[j.id] = v
		a.ids = append(a.ids, j.id)
		v.log.Info("viewpoint joined", zap.Stringer("chunk", chunk))
		a.retarget(v, chunk)
	}
}

// service drains one viewpoint's messages. Movement is coalesced, so only
// the last reported position is acted on.
func (a *Authority) service(v *viewpoint) {
	moved := false
	for {
		msg, err := v.conn.TryRecv()
		if err != nil {
			a.disconnect(v, err)
			return
		}
		if msg == nil {
			break
		}
		switch m := msg.(type) {
		case protocol.PlayerMove:
			v.pos = m.Position
			moved = true
		case protocol.SetBlock:
			a.setBlock(v, m)
		case protocol.Leave:
			a.leave(v)
			return
		default:
			a.metrics.protocolErrors.Inc()
			a.disconnect(v, protocol.Unexpected("authority", msg))
			return
		}
	}

	if !moved {
		return
	}
	if chunk := world.WorldToChunk(v.pos, a.opts.ChunkSize); chunk != v.chunk {
		a.retarget(v, chunk)
	}
}

// retarget moves v's visibility sphere to center. Chunks leaving the sphere
// lose v's reference; chunks entering it are delivered when resident and
// fetched otherwise.
func (a *Authority) retarget(v *viewpoint, center world.ChunkCoord) {
	defer profiling.Track("server.Retarget")()
	v.chunk = center

	around := world.Around(center, a.radius)
	next := make(coordSet, len(around))
	for _, k := range around {
		next[k] = struct{}{}
	}

	unloaded := 0
	for k := range v.wanted {
		if _, keep := next[k]; !keep {
			a.drop(v, k)
			unloaded++
		}
	}

	var fetch []world.ChunkCoord
	loaded := 0
	for _, k := range around {
		if v.wants(k) {
			continue
		}
		v.wanted[k] = struct{}{}
		loaded++
		if h, ok := a.store.Get(k); ok {
			a.hold(v, k, h)
			continue
		}
		if _, ok := a.inflight[k]; ok {
			continue
		}
		fetch = append(fetch, k)
	}

	v.log.Debug("visibility changed",
		zap.Stringer("chunk", center),
		zap.Int("load", loaded),
		zap.Int("unload", unloaded),
		zap.Int("fetch", len(fetch)))
	if len(fetch) > 0 {
		a.request(v.id, fetch)
	}
}

// hold gives v its reference on k and schedules the delivery. Holding a
// chunk twice is a no-op.
func (a *Authority) hold(v *viewpoint, k world.ChunkCoord, h *world.Handle) {
	if v.holds(k) {
		return
	}
	canonical, _ := a.store.Adopt(k, h)
	v.held[k] = struct{}{}
	v.queue(k, canonical)
}

// drop removes k from v's visibility and releases v's reference if it had
// one. The viewer is told so it can forget the chunk.
func (a *Authority) drop(v *viewpoint, k world.ChunkCoord) {
	delete(v.wanted, k)
	if !v.holds(k) {
		return
	}
	delete(v.held, k)
	v.unqueue(k)
	a.release(k)
}

func (a *Authority) release(k world.ChunkCoord) {
	h, err := a.store.Release(k)
	if errors.Is(err, world.ErrNotLoaded) {
		a.metrics.staleReleases.Inc()
		a.log.Warn("tried to unload a chunk that isn't loaded", zap.Stringer("coord", k))
		return
	}
	if h != nil {
		a.metrics.evicted.Inc()
		a.sendWorker(protocol.UnloadChunk{Coord: k, Chunk: h})
	}
}

func (a *Authority) releaseAll(v *viewpoint) {
	for k := range v.held {
		a.release(k)
	}
	clear(v.held)
	clear(v.wanted)
}

func (a *Authority) request(requester uuid.UUID, coords []world.ChunkCoord) {
	if !a.sendWorker(protocol.LoadChunks{Coords: coords}) {
		return
	}
	for _, k := range coords {
		a.inflight[k] = struct{}{}
	}
	a.orders = append(a.orders, order{coords: coords, requester: requester})
	a.metrics.fetched.Add(float64(len(coords)))
}

func (a *Authority) sendWorker(m protocol.Message) bool {
	if err := a.worker.Send(m); err != nil {
		if a.workerErr == nil {
			a.workerErr = err
		}
		return false
	}
	return true
}

func (a *Authority) drainWorker() error {
	for {
		msg, err := a.worker.TryRecv()
		if err != nil {
			return fmt.Errorf("server: worker link: %w", err)
		}
		if msg == nil {
			return nil
		}
		batch, ok := msg.(protocol.Chunks)
		if !ok {
			err := protocol.Unexpected("authority", msg)
			a.log.Error("protocol violation on worker link", zap.Error(err))
			return err
		}
		a.deliver(batch)
	}
}

// deliver settles the order matching batch and hands each chunk to every
// viewpoint that still wants it. Chunks nobody wants go back to the worker,
// so the table only ever holds referenced chunks.
func (a *Authority) deliver(batch protocol.Chunks) {
	coords := batch.Coords()
	if i := a.matchOrder(coords); i >= 0 {
		a.log.Debug("order fulfilled",
			zap.Stringer("requester", a.orders[i].requester),
			zap.Int("chunks", len(coords)))
		a.orders = slices.Delete(a.orders, i, i+1)
	} else {
		a.log.Warn("chunk batch matches no order", zap.Int("chunks", len(coords)))
	}

	for _, d := range batch.Chunks {
		delete(a.inflight, d.Coord)
		if d.Chunk == nil {
			a.log.Warn("worker delivered an empty handle", zap.Stringer("coord", d.Coord))
			continue
		}
		taken := false
		for _, id := range a.ids {
			v := a.viewpoints[id]
			if v.wants(d.Coord) {
				a.hold(v, d.Coord, d.Chunk)
				taken = true
			}
		}
		if !taken && !a.store.Has(d.Coord) {
			a.metrics.returned.Inc()
			a.sendWorker(protocol.UnloadChunk{Coord: d.Coord, Chunk: d.Chunk})
		}
	}
}

// matchOrder returns the index of the first order whose coordinate set
// equals coords, or -1.
func (a *Authority) matchOrder(coords []world.ChunkCoord) int {
	for i, o := range a.orders {
		if sameSet(o.coords, coords) {
			return i
		}
	}
	return -1
}

func sameSet(a, b []world.ChunkCoord) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[world.ChunkCoord]int, len(a))
	for _, k := range a {
		count[k]++
	}
	for _, k := range b {
		if count[k] == 0 {
			return false
		}
		count[k]--
	}
	return true
}

// setBlock applies an edit to canonical state and re-delivers every chunk
// whose geometry it may change to the viewpoints holding it.
func (a *Authority) setBlock(v *viewpoint, m protocol.SetBlock) {
	if !a.table.Valid(m.Material) {
		v.log.Warn("edit with unknown material", zap.Stringer("pos", m.Pos), zap.Uint16("material", uint16(m.Material)))
		return
	}
	touched, ok := a.store.Set(m.Pos, m.Material)
	if !ok {
		v.log.Warn("edit to a chunk that is not loaded", zap.Stringer("pos", m.Pos))
		return
	}
	for _, k := range touched {
		h, _ := a.store.Get(k)
		for _, id := range a.ids {
			if u := a.viewpoints[id]; u.holds(k) {
				u.queue(k, h)
			}
		}
	}
}

// leave completes the handshake: references are released before the reply.
func (a *Authority) leave(v *viewpoint) {
	a.releaseAll(v)
	a.remove(v)
	if err := v.conn.Send(protocol.Leave{}); err != nil {
		v.log.Debug("leave reply not delivered", zap.Error(err))
	}
	v.log.Info("viewpoint left")
}

// disconnect tears down a single viewpoint after a failure on its link.
func (a *Authority) disconnect(v *viewpoint, cause error) {
	if _, ok := a.viewpoints[v.id]; !ok {
		return
	}
	a.metrics.disconnects.Inc()
	a.releaseAll(v)
	a.remove(v)
	v.conn.Close()
	if protocol.IsProtocolError(cause) {
		v.log.Error("viewpoint dropped", zap.Error(cause))
	} else {
		v.log.Info("viewpoint disconnected", zap.Error(cause))
	}
}

func (a *Authority) remove(v *viewpoint) {
	delete(a.viewpoints, v.id)
	a.ids = slices.DeleteFunc(a.ids, func(id uuid.UUID) bool { return id == v.id })
	v.outbox = nil
	v.released = nil
}

// RefCount returns the number of viewpoints holding k.
func (a *Authority) RefCount(k world.ChunkCoord) int {
	return a.store.RefCount(k)
}

// Resident reports whether k is in the canonical table.
func (a *Authority) Resident(k world.ChunkCoord) bool {
	return a.store.Has(k)
}

// ResidentCoords lists the canonical table's coordinates.
func (a *Authority) ResidentCoords() []world.ChunkCoord {
	return a.store.Coords()
}

// Chunk returns the canonical handle for k.
func (a *Authority) Chunk(k world.ChunkCoord) (*world.Handle, bool) {
	return a.store.Get(k)
}

// PendingOrders returns the number of unanswered LoadChunks requests.
func (a *Authority) PendingOrders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

// Viewpoints returns the connected viewpoints in join order.
func (a *Authority) Viewpoints() []ViewpointInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ViewpointInfo, 0, len(a.ids))
	for _, id := range a.ids {
		v := a.viewpoints[id]
		out = append(out, ViewpointInfo{
			ID:       id,
			Position: v.pos,
			Chunk:    v.chunk,
			Wanted:   len(v.wanted),
			Held:     len(v.held),
		})
	}
	return out
}

// Holds reports whether viewpoint id holds a reference on k.
func (a *Authority) Holds(id uuid.UUID, k world.ChunkCoord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.viewpoints[id]
	return ok && v.holds(k)
}
