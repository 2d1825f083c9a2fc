package chunkgen

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"

	"voxstream/internal/world"
)

// stash keeps evicted chunks, compressed, so a chunk edited and then unloaded
// comes back with its edits instead of being regenerated.
type stash struct {
	cache *lru.Cache // world.ChunkCoord -> []byte
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newStash(size int) (*stash, error) {
	if size <= 0 {
		return nil, nil
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("chunkgen: stash: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("chunkgen: stash encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("chunkgen: stash decoder: %w", err)
	}
	return &stash{cache: cache, enc: enc, dec: dec}, nil
}

// put compresses c and stores it under coord.
func (s *stash) put(coord world.ChunkCoord, c *world.Chunk) error {
	raw, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	s.cache.Add(coord, s.enc.EncodeAll(raw, nil))
	return nil
}

// take removes and returns the chunk stored under coord.
func (s *stash) take(coord world.ChunkCoord) (*world.Chunk, bool, error) {
	v, ok := s.cache.Get(coord)
	if !ok {
		return nil, false, nil
	}
	s.cache.Remove(coord)

	raw, err := s.dec.DecodeAll(v.([]byte), nil)
	if err != nil {
		return nil, false, fmt.Errorf("chunkgen: stash %v: %w", coord, err)
	}
	c := new(world.Chunk)
	if err := c.UnmarshalBinary(raw); err != nil {
		return nil, false, fmt.Errorf("chunkgen: stash %v: %w", coord, err)
	}
	return c, true, nil
}

func (s *stash) len() int {
	return s.cache.Len()
}

func (s *stash) close() {
	s.enc.Close()
	s.dec.Close()
}
