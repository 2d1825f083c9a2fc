package chunkgen

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voxstream/internal/protocol"
	"voxstream/internal/world"
)

// layerGen fills the bottom layer of every chunk with the chunk's X + 1.
func layerGen(calls *atomic.Int32) GeneratorFunc {
	return func(coord world.ChunkCoord, c *world.Chunk) {
		if calls != nil {
			calls.Add(1)
		}
		c.Fill([3]int{0, 0, 0}, [3]int{c.Size() - 1, 0, c.Size() - 1}, world.Material(coord.X+1))
	}
}

func startWorker(t *testing.T, gen Generator, opts Options) (*Worker, *protocol.Conn, chan error) {
	t.Helper()
	authority, peer := protocol.LocalPair()
	w, err := NewWorker(peer, gen, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, authority, done
}

func recvChunks(t *testing.T, conn *protocol.Conn) protocol.Chunks {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := conn.Recv(ctx)
	require.NoError(t, err)
	batch, ok := m.(protocol.Chunks)
	require.True(t, ok, "got %T", m)
	return batch
}

func TestLoadChunksRepliesInRequestOrder(t *testing.T) {
	_, conn, _ := startWorker(t, layerGen(nil), Options{ChunkSize: 4, Workers: 3})

	coords := []world.ChunkCoord{{X: 3}, {X: 0}, {X: 2, Y: 1}, {X: 1, Z: -2}}
	require.NoError(t, conn.Send(protocol.LoadChunks{Coords: coords}))

	batch := recvChunks(t, conn)
	assert.Equal(t, coords, batch.Coords())
	for _, d := range batch.Chunks {
		require.NotNil(t, d.Chunk)
		d.Chunk.Read(func(c *world.Chunk) {
			assert.Equal(t, world.Material(d.Coord.X+1), c.Get(0, 0, 0))
			assert.Equal(t, world.Air, c.Get(0, 1, 0))
		})
	}
}

func TestUnloadedChunkIsRestoredWithEdits(t *testing.T) {
	var calls atomic.Int32
	w, conn, _ := startWorker(t, layerGen(&calls), Options{ChunkSize: 4, Workers: 1, CacheSize: 8})

	k := world.ChunkCoord{X: 5}
	require.NoError(t, conn.Send(protocol.LoadChunks{Coords: []world.ChunkCoord{k}}))
	h := recvChunks(t, conn).Chunks[0].Chunk
	h.Write(func(c *world.Chunk) { c.Set(2, 2, 2, 9) })
	want := h.Snapshot()

	require.NoError(t, conn.Send(protocol.UnloadChunk{Coord: k, Chunk: h}))
	require.NoError(t, conn.Send(protocol.LoadChunks{Coords: []world.ChunkCoord{k}}))
	again := recvChunks(t, conn).Chunks[0].Chunk

	assert.True(t, want.Equal(again.Snapshot()))
	assert.Equal(t, int32(1), calls.Load(), "restored chunk must not be regenerated")
	assert.Equal(t, 0, w.Stashed())
}

func TestStashDisabled(t *testing.T) {
	var calls atomic.Int32
	w, conn, _ := startWorker(t, layerGen(&calls), Options{ChunkSize: 2, Workers: 1})
	k := world.ChunkCoord{}
	require.NoError(t, conn.Send(protocol.LoadChunks{Coords: []world.ChunkCoord{k}}))
	h := recvChunks(t, conn).Chunks[0].Chunk
	require.NoError(t, conn.Send(protocol.UnloadChunk{Coord: k, Chunk: h}))
	require.NoError(t, conn.Send(protocol.LoadChunks{Coords: []world.ChunkCoord{k}}))
	recvChunks(t, conn)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, w.Stashed())
}

func TestUnexpectedMessageStopsWorker(t *testing.T) {
	_, conn, done := startWorker(t, layerGen(nil), Options{ChunkSize: 2})
	require.NoError(t, conn.Send(protocol.PlayerMove{}))

	select {
	case err := <-done:
		assert.True(t, protocol.IsProtocolError(err))
		done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestAuthorityHangUp(t *testing.T) {
	_, conn, done := startWorker(t, layerGen(nil), Options{ChunkSize: 2})
	conn.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
		done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewWorkerRejectsBadSize(t *testing.T) {
	_, peer := protocol.LocalPair()
	_, err := NewWorker(peer, layerGen(nil), Options{}, nil)
	assert.ErrorIs(t, err, world.ErrChunkSize)
}

func TestStashRoundTrip(t *testing.T) {
	s, err := newStash(2)
	require.NoError(t, err)
	defer s.close()

	c := world.NewChunk(4)
	c.Set(1, 2, 3, 6)
	require.NoError(t, s.put(world.ChunkCoord{Y: 1}, c))
	require.NoError(t, s.put(world.ChunkCoord{Y: 2}, c))
	require.NoError(t, s.put(world.ChunkCoord{Y: 3}, c))
	assert.Equal(t, 2, s.len(), "oldest entry evicted")

	_, ok, err := s.take(world.ChunkCoord{Y: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.take(world.ChunkCoord{Y: 3})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.Equal(got))
	assert.Equal(t, 1, s.len())

	none, err := newStash(0)
	require.NoError(t, err)
	assert.Nil(t, none)
}
