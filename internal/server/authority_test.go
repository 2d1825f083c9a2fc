package server

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voxstream/internal/meshing"
	"voxstream/internal/protocol"
	"voxstream/internal/registry"
	"voxstream/internal/terrain"
	"voxstream/internal/world"
)

const testChunk = 4

// harness drives an Authority tick by tick and plays the chunk worker by hand.
type harness struct {
	t       *testing.T
	a       *Authority
	worker  *protocol.Conn
	gen     *terrain.Generator
	loads   [][]world.ChunkCoord
	unloads []protocol.UnloadChunk
	hold    bool // when set, serve queues LoadChunks without answering
	held    []protocol.LoadChunks
}

func newHarness(t *testing.T, drawDistance float32) *harness {
	t.Helper()
	authoritySide, workerSide := protocol.LocalPair()
	a, err := NewAuthority(Options{ChunkSize: testChunk, DrawDistance: drawDistance},
		authoritySide, registry.Default(), zaptest.NewLogger(t), NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return &harness{t: t, a: a, worker: workerSide, gen: terrain.NewGenerator(3)}
}

func (h *harness) answer(m protocol.LoadChunks) {
	out := make([]protocol.ChunkData, len(m.Coords))
	for i, k := range m.Coords {
		c := world.NewChunk(testChunk)
		h.gen.Populate(k, c)
		out[i] = protocol.ChunkData{Coord: k, Chunk: world.NewHandle(c)}
	}
	require.NoError(h.t, h.worker.Send(protocol.Chunks{Chunks: out}))
}

// serve handles everything the authority sent to the worker and returns the
// number of LoadChunks answered.
func (h *harness) serve() int {
	h.t.Helper()
	n := 0
	for {
		msg, err := h.worker.TryRecv()
		require.NoError(h.t, err)
		if msg == nil {
			return n
		}
		switch m := msg.(type) {
		case protocol.LoadChunks:
			h.loads = append(h.loads, m.Coords)
			if h.hold {
				h.held = append(h.held, m)
				continue
			}
			h.answer(m)
			n++
		case protocol.UnloadChunk:
			h.unloads = append(h.unloads, m)
		default:
			h.t.Fatalf("worker got %T", msg)
		}
	}
}

func (h *harness) release() {
	for _, m := range h.held {
		h.answer(m)
	}
	h.held = nil
}

func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(h.t, h.a.Tick())
		if h.serve() == 0 && (h.hold || h.a.PendingOrders() == 0) {
			return
		}
	}
	h.t.Fatal("authority did not settle")
}

func (h *harness) join(pos mgl32.Vec3) (uuid.UUID, *protocol.Conn) {
	client, server := protocol.LocalPair()
	return h.a.Join(server, pos), client
}

// checkInvariant verifies that a chunk is resident exactly when it is
// referenced, and that its count equals the number of viewpoints holding it.
func (h *harness) checkInvariant() {
	h.t.Helper()
	holders := map[world.ChunkCoord]int{}
	for _, vp := range h.a.Viewpoints() {
		for _, k := range world.Around(vp.Chunk, h.a.radius) {
			if h.a.Holds(vp.ID, k) {
				holders[k]++
			}
		}
	}
	for _, k := range h.a.ResidentCoords() {
		assert.Positive(h.t, h.a.RefCount(k), "resident %v unreferenced", k)
		assert.Equal(h.t, holders[k], h.a.RefCount(k), "refcount of %v", k)
	}
	for k, n := range holders {
		assert.True(h.t, h.a.Resident(k))
		assert.Equal(h.t, n, h.a.RefCount(k))
	}
	assert.Zero(h.t, testutil.ToFloat64(h.a.metrics.staleReleases))
}

// received drains a viewpoint's inbox, forgetting released chunks the way
// a viewer does.
func received(t *testing.T, conn *protocol.Conn) (chunks map[world.ChunkCoord]*world.Handle, deliveries int, leaves int) {
	t.Helper()
	chunks = map[world.ChunkCoord]*world.Handle{}
	for {
		msg, err := conn.TryRecv()
		require.NoError(t, err)
		if msg == nil {
			return chunks, deliveries, leaves
		}
		switch m := msg.(type) {
		case protocol.Chunks:
			deliveries++
			for _, d := range m.Chunks {
				chunks[d.Coord] = d.Chunk
			}
		case protocol.ReleaseChunks:
			for _, k := range m.Coords {
				delete(chunks, k)
			}
		case protocol.Leave:
			leaves++
		default:
			t.Fatalf("viewpoint got %T", msg)
		}
	}
}

// replay applies a viewpoint's inbox to mirror, the way a viewer's cache
// follows the authority.
func replay(t *testing.T, conn *protocol.Conn, mirror map[world.ChunkCoord]struct{}) {
	t.Helper()
	for {
		msg, err := conn.TryRecv()
		require.NoError(t, err)
		switch m := msg.(type) {
		case nil:
			return
		case protocol.Chunks:
			for _, d := range m.Chunks {
				mirror[d.Coord] = struct{}{}
			}
		case protocol.ReleaseChunks:
			for _, k := range m.Coords {
				delete(mirror, k)
			}
		}
	}
}

// centre of chunk k in world space
func at(k world.ChunkCoord) mgl32.Vec3 {
	return world.ChunkToWorld(k, testChunk)
}

func TestJoinLoadsVisibilitySphere(t *testing.T) {
	h := newHarness(t, testChunk) // radius of one chunk
	id, conn := h.join(at(world.ChunkCoord{}))
	h.settle()

	want := world.Around(world.ChunkCoord{}, 1)
	chunks, _, _ := received(t, conn)
	assert.Len(t, chunks, len(want))
	for _, k := range want {
		assert.Contains(t, chunks, k)
		assert.Equal(t, 1, h.a.RefCount(k))
		assert.True(t, h.a.Holds(id, k))
	}
	require.Len(t, h.loads, 1)
	assert.Equal(t, want, h.loads[0], "requests are closest first")
	assert.Zero(t, h.a.PendingOrders())
	h.checkInvariant()
}

func TestOverlappingViewpointsShareReferences(t *testing.T) {
	h := newHarness(t, testChunk)
	k := world.ChunkCoord{}
	_, a := h.join(at(k))
	h.settle()
	_, b := h.join(at(world.ChunkCoord{X: 1}))
	h.settle()

	assert.Equal(t, 2, h.a.RefCount(k))
	assert.Equal(t, 2, h.a.RefCount(world.ChunkCoord{X: 1}))
	assert.Equal(t, 1, h.a.RefCount(world.ChunkCoord{X: -1}))
	assert.Equal(t, 1, h.a.RefCount(world.ChunkCoord{X: 2}))
	h.checkInvariant()

	bChunks, _, _ := received(t, b)
	assert.Contains(t, bChunks, k, "resident chunk delivered immediately")
	received(t, a)

	require.NoError(t, b.Send(protocol.Leave{}))
	h.settle()
	_, _, leaves := received(t, b)
	assert.Equal(t, 1, leaves, "leave is acknowledged")

	assert.Equal(t, 1, h.a.RefCount(k))
	assert.True(t, h.a.Resident(k))
	assert.False(t, h.a.Resident(world.ChunkCoord{X: 2}))
	assert.Len(t, h.a.Viewpoints(), 1)

	var evicted []world.ChunkCoord
	for _, u := range h.unloads {
		evicted = append(evicted, u.Coord)
	}
	assert.ElementsMatch(t, []world.ChunkCoord{
		{X: 2}, {X: 1, Y: 1}, {X: 1, Y: -1}, {X: 1, Z: 1}, {X: 1, Z: -1},
	}, evicted)
	h.checkInvariant()
}

func TestOverlappingOrdersFetchOnce(t *testing.T) {
	h := newHarness(t, testChunk)
	h.hold = true
	a, _ := h.join(at(world.ChunkCoord{}))
	b, _ := h.join(at(world.ChunkCoord{X: 1}))
	h.settle()

	// nothing delivered yet, so nothing is referenced
	assert.Zero(t, h.a.RefCount(world.ChunkCoord{}))
	require.Len(t, h.loads, 2)
	seen := map[world.ChunkCoord]int{}
	for _, l := range h.loads {
		for _, k := range l {
			seen[k]++
		}
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, "%v fetched %d times", k, n)
	}
	assert.Equal(t, 2, h.a.PendingOrders())

	h.hold = false
	h.release()
	h.settle()

	assert.Zero(t, h.a.PendingOrders())
	for _, k := range []world.ChunkCoord{{}, {X: 1}} {
		assert.Equal(t, 2, h.a.RefCount(k))
		assert.True(t, h.a.Holds(a, k))
		assert.True(t, h.a.Holds(b, k))
	}
	h.checkInvariant()
}

func TestMoveWithinChunkIsCheap(t *testing.T) {
	h := newHarness(t, 2*testChunk)
	_, conn := h.join(mgl32.Vec3{1, 1, 1})
	h.settle()
	received(t, conn)
	loads := len(h.loads)

	require.NoError(t, conn.Send(protocol.PlayerMove{Position: mgl32.Vec3{3.5, 0.2, 2}}))
	h.settle()
	assert.Len(t, h.loads, loads)
	assert.Empty(t, h.unloads)
	_, deliveries, _ := received(t, conn)
	assert.Zero(t, deliveries)
}

func TestMovementCoalescesToLastPosition(t *testing.T) {
	h := newHarness(t, testChunk)
	id, conn := h.join(at(world.ChunkCoord{}))
	h.settle()

	for _, x := range []int{5, -7, 3} {
		require.NoError(t, conn.Send(protocol.PlayerMove{Position: at(world.ChunkCoord{X: x})}))
	}
	h.settle()

	vps := h.a.Viewpoints()
	require.Len(t, vps, 1)
	assert.Equal(t, world.ChunkCoord{X: 3}, vps[0].Chunk)
	assert.Len(t, h.loads, 2, "one retarget for three moves")
	for _, k := range world.Around(world.ChunkCoord{X: 3}, 1) {
		assert.True(t, h.a.Holds(id, k))
	}
	assert.False(t, h.a.Resident(world.ChunkCoord{}))
	h.checkInvariant()
}

func TestRetargetTellsViewerWhatWasReleased(t *testing.T) {
	h := newHarness(t, testChunk)
	id, conn := h.join(at(world.ChunkCoord{}))
	h.settle()
	received(t, conn)

	require.NoError(t, conn.Send(protocol.PlayerMove{Position: at(world.ChunkCoord{X: 1})}))
	h.settle()

	var released []world.ChunkCoord
	for {
		msg, err := conn.TryRecv()
		require.NoError(t, err)
		if msg == nil {
			break
		}
		if m, ok := msg.(protocol.ReleaseChunks); ok {
			released = append(released, m.Coords...)
		}
	}
	var want []world.ChunkCoord
	for _, k := range world.Around(world.ChunkCoord{}, 1) {
		if !h.a.Holds(id, k) {
			want = append(want, k)
		}
	}
	require.NotEmpty(t, want)
	assert.ElementsMatch(t, want, released)
	h.checkInvariant()
}

func TestReleaseCancelsUnsentDelivery(t *testing.T) {
	h := newHarness(t, testChunk)
	_, conn := h.join(at(world.ChunkCoord{}))
	h.settle()
	received(t, conn)

	// The edit queues a re-delivery that the move away then withdraws.
	require.NoError(t, conn.Send(protocol.SetBlock{Pos: world.BlockPos{X: 1, Y: 1, Z: 1}, Material: registry.Stone}))
	require.NoError(t, conn.Send(protocol.PlayerMove{Position: at(world.ChunkCoord{X: 100})}))
	require.NoError(t, h.a.Tick())

	first, err := conn.TryRecv()
	require.NoError(t, err)
	notice, ok := first.(protocol.ReleaseChunks)
	require.True(t, ok, "release notices go first, got %T", first)
	assert.Contains(t, notice.Coords, world.ChunkCoord{})

	second, err := conn.TryRecv()
	require.NoError(t, err)
	assert.Nil(t, second, "no chunk is delivered after its release")
}

func TestMovingAwayBeforeDeliveryReturnsChunks(t *testing.T) {
	h := newHarness(t, testChunk)
	h.hold = true
	_, conn := h.join(at(world.ChunkCoord{}))
	h.settle()
	require.NoError(t, conn.Send(protocol.PlayerMove{Position: at(world.ChunkCoord{X: 100})}))
	h.settle()

	h.hold = false
	h.release()
	h.settle()

	for _, k := range world.Around(world.ChunkCoord{}, 1) {
		assert.False(t, h.a.Resident(k))
	}
	returned := testutil.ToFloat64(h.a.metrics.returned)
	assert.Equal(t, float64(len(world.Around(world.ChunkCoord{}, 1))), returned)
	assert.Zero(t, testutil.ToFloat64(h.a.metrics.evicted))
	h.checkInvariant()
}

func TestProtocolViolationDropsOnlyThatViewpoint(t *testing.T) {
	h := newHarness(t, testChunk)
	good, _ := h.join(at(world.ChunkCoord{}))
	_, bad := h.join(at(world.ChunkCoord{}))
	h.settle()
	assert.Equal(t, 2, h.a.RefCount(world.ChunkCoord{}))

	require.NoError(t, bad.Send(protocol.LoadChunks{}))
	h.settle()

	vps := h.a.Viewpoints()
	require.Len(t, vps, 1)
	assert.Equal(t, good, vps[0].ID)
	assert.Equal(t, 1, h.a.RefCount(world.ChunkCoord{}))
	assert.ErrorIs(t, bad.Send(protocol.Leave{}), protocol.ErrConnectionClosed)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.a.metrics.protocolErrors))
	h.checkInvariant()
}

func TestClosedViewpointIsRemoved(t *testing.T) {
	h := newHarness(t, testChunk)
	_, conn := h.join(at(world.ChunkCoord{}))
	h.settle()
	conn.Close()
	h.settle()

	assert.Empty(t, h.a.Viewpoints())
	assert.Empty(t, h.a.ResidentCoords())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.a.metrics.disconnects))
}

func TestWorkerProtocolViolationIsFatal(t *testing.T) {
	h := newHarness(t, testChunk)
	require.NoError(t, h.worker.Send(protocol.PlayerMove{}))
	err := h.a.Tick()
	assert.True(t, protocol.IsProtocolError(err))
}

func TestWorkerHangUpIsFatal(t *testing.T) {
	h := newHarness(t, testChunk)
	h.worker.Close()
	assert.ErrorIs(t, h.a.Tick(), protocol.ErrConnectionClosed)
}

func TestSetBlockRedeliversTouchedChunks(t *testing.T) {
	h := newHarness(t, testChunk)
	_, a := h.join(at(world.ChunkCoord{}))
	_, b := h.join(at(world.ChunkCoord{X: 2}))
	h.settle()
	received(t, a)
	received(t, b)

	// x=4 is the -X border of chunk (1,0,0), shared with chunk (0,0,0)
	require.NoError(t, a.Send(protocol.SetBlock{Pos: world.BlockPos{X: 4, Y: 1, Z: 1}, Material: registry.Glass}))
	h.settle()

	aChunks, aDel, _ := received(t, a)
	assert.Equal(t, 1, aDel)
	assert.Contains(t, aChunks, world.ChunkCoord{X: 1})
	assert.Contains(t, aChunks, world.ChunkCoord{})

	bChunks, _, _ := received(t, b)
	assert.Contains(t, bChunks, world.ChunkCoord{X: 1})
	assert.NotContains(t, bChunks, world.ChunkCoord{}, "b does not hold the neighbour")

	hd, ok := h.a.Chunk(world.ChunkCoord{X: 1})
	require.True(t, ok)
	hd.Read(func(c *world.Chunk) { assert.Equal(t, registry.Glass, c.Get(0, 1, 1)) })

	// unknown material and unloaded chunk are ignored
	require.NoError(t, a.Send(protocol.SetBlock{Pos: world.BlockPos{X: 4, Y: 1, Z: 1}, Material: 999}))
	require.NoError(t, a.Send(protocol.SetBlock{Pos: world.BlockPos{X: 400}, Material: registry.Stone}))
	h.settle()
	_, aDel, _ = received(t, a)
	assert.Zero(t, aDel)
	assert.Len(t, h.a.Viewpoints(), 2)
}

func meshAt(t *testing.T, a *Authority, k world.ChunkCoord) []meshing.Vertex {
	t.Helper()
	m := meshing.NewMesher(registry.Default())
	h, ok := a.Chunk(k)
	require.True(t, ok)
	var nb [6]*world.Chunk
	for i, n := range world.Neighbors(k) {
		nh, ok := a.Chunk(n)
		require.True(t, ok, "neighbour %v", n)
		nb[i] = nh.Snapshot()
	}
	return m.Mesh(h.Snapshot(), nb, registry.PhaseOpaque)
}

func TestEvictReloadRoundTripMeshesIdentically(t *testing.T) {
	h := newHarness(t, 2*testChunk)
	k := world.ChunkCoord{Y: 1}
	_, a := h.join(at(world.ChunkCoord{}))
	h.settle()
	before := meshAt(t, h.a, k)

	require.NoError(t, a.Send(protocol.PlayerMove{Position: at(world.ChunkCoord{X: 50})}))
	h.settle()
	require.False(t, h.a.Resident(k))
	assert.Zero(t, h.a.RefCount(k))

	_, b := h.join(at(k))
	h.settle()
	received(t, b)
	require.True(t, h.a.Resident(k))
	assert.Equal(t, before, meshAt(t, h.a, k))
	h.checkInvariant()
}

func TestRefcountInvariantUnderRandomTraffic(t *testing.T) {
	h := newHarness(t, 1.5*testChunk)
	rng := rand.New(rand.NewSource(9))
	conns := map[uuid.UUID]*protocol.Conn{}
	mirrors := map[uuid.UUID]map[world.ChunkCoord]struct{}{}

	randomPos := func() mgl32.Vec3 {
		return mgl32.Vec3{rng.Float32()*40 - 20, rng.Float32()*16 - 8, rng.Float32()*40 - 20}
	}
	for step := 0; step < 200; step++ {
		switch r := rng.Intn(10); {
		case r == 0 || len(conns) == 0:
			id, c := h.join(randomPos())
			conns[id] = c
			mirrors[id] = map[world.ChunkCoord]struct{}{}
		case r == 1:
			for id, c := range conns {
				require.NoError(t, c.Send(protocol.Leave{}))
				delete(conns, id)
				break
			}
		default:
			for _, c := range conns {
				if rng.Intn(2) == 0 {
					require.NoError(t, c.Send(protocol.PlayerMove{Position: randomPos()}))
				}
			}
		}
		h.hold = rng.Intn(3) == 0
		if !h.hold {
			h.release()
		}
		require.NoError(t, h.a.Tick())
		h.serve()
		require.NoError(t, h.a.Tick())
		h.checkInvariant()
		for id, c := range conns {
			replay(t, c, mirrors[id])
		}
		for _, vp := range h.a.Viewpoints() {
			mirror := mirrors[vp.ID]
			assert.Len(t, mirror, vp.Held, "viewer cache size at step %d", step)
			for k := range mirror {
				assert.True(t, h.a.Holds(vp.ID, k), "viewer caches %v it does not hold", k)
			}
		}
	}
}

func TestNewAuthorityValidates(t *testing.T) {
	w, _ := protocol.LocalPair()
	_, err := NewAuthority(Options{ChunkSize: 0, DrawDistance: 1}, w, registry.Default(), nil, nil)
	assert.ErrorIs(t, err, world.ErrChunkSize)
	_, err = NewAuthority(Options{ChunkSize: 4}, w, registry.Default(), nil, nil)
	assert.Error(t, err)
}

func TestSameSet(t *testing.T) {
	a := []world.ChunkCoord{{X: 1}, {Y: 2}, {Z: 3}}
	assert.True(t, sameSet(a, []world.ChunkCoord{{Z: 3}, {X: 1}, {Y: 2}}))
	assert.False(t, sameSet(a, []world.ChunkCoord{{Z: 3}, {X: 1}}))
	assert.False(t, sameSet(a, []world.ChunkCoord{{Z: 3}, {X: 1}, {X: 1}}))
}
