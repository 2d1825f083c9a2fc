package world

import (
	"errors"
	"sync"
)

// ErrNotLoaded is returned when a reference is taken or dropped for a
// coordinate that is not in the store.
var ErrNotLoaded = errors.New("world: chunk is not loaded")

// Store is the canonical chunk table. Every resident chunk carries a
// reference count and is removed exactly when its count drops to zero, so a
// coordinate is present if and only if its count is positive.
type Store struct {
	size int

	mu       sync.RWMutex
	chunks   map[ChunkCoord]*Handle
	refs     map[ChunkCoord]int
	modCount uint64 // Increases on any chunk add/remove
}

// NewStore creates an empty store for chunks with the given side length.
func NewStore(size int) *Store {
	return &Store{
		size:   size,
		chunks: make(map[ChunkCoord]*Handle),
		refs:   make(map[ChunkCoord]int),
	}
}

// ChunkSize returns the side length of chunks held by the store.
func (s *Store) ChunkSize() int {
	return s.size
}

// Get returns the resident chunk at coord.
func (s *Store) Get(coord ChunkCoord) (*Handle, bool) {
	s.mu.RLock()
	h, ok := s.chunks[coord]
	s.mu.RUnlock()
	return h, ok
}

// Has reports whether coord is resident.
func (s *Store) Has(coord ChunkCoord) bool {
	s.mu.RLock()
	_, ok := s.chunks[coord]
	s.mu.RUnlock()
	return ok
}

// Adopt takes a reference on coord, inserting h if the coordinate is not yet
// resident. It returns the canonical handle (the existing one if coord was
// already resident) and the new reference count.
func (s *Store) Adopt(coord ChunkCoord, h *Handle) (*Handle, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.chunks[coord]
	if !ok {
		s.chunks[coord] = h
		s.modCount++
		existing = h
	}
	s.refs[coord]++
	return existing, s.refs[coord]
}

// Retain takes another reference on a resident chunk.
func (s *Store) Retain(coord ChunkCoord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[coord]; !ok {
		return 0, ErrNotLoaded
	}
	s.refs[coord]++
	return s.refs[coord], nil
}

// Release drops one reference on coord. When the count reaches zero the chunk
// is removed from the store and returned. Releasing a coordinate that is not
// resident returns ErrNotLoaded and changes nothing.
func (s *Store) Release(coord ChunkCoord) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.refs[coord]
	if !ok {
		return nil, ErrNotLoaded
	}
	if n > 1 {
		s.refs[coord] = n - 1
		return nil, nil
	}
	h := s.chunks[coord]
	delete(s.refs, coord)
	delete(s.chunks, coord)
	s.modCount++
	return h, nil
}

// RefCount returns the number of references held on coord.
func (s *Store) RefCount(coord ChunkCoord) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[coord]
}

// Len returns the number of resident chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Coords returns the resident coordinates in no particular order.
func (s *Store) Coords() []ChunkCoord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChunkCoord, 0, len(s.chunks))
	for c := range s.chunks {
		out = append(out, c)
	}
	return out
}

// ModCount returns the current modification count of the chunk map.
func (s *Store) ModCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modCount
}

// Set writes m at world block position pos under the owning chunk's write
// lock. It returns the chunks whose geometry may have changed: the owning
// chunk plus every resident face neighbour when pos lies on a border. ok is
// false when the owning chunk is not resident.
func (s *Store) Set(pos BlockPos, m Material) (touched []ChunkCoord, ok bool) {
	coord, local := pos.Split(s.size)
	h, ok := s.Get(coord)
	if !ok {
		return nil, false
	}
	h.Write(func(c *Chunk) {
		c.Set(local[0], local[1], local[2], m)
	})
	touched = append(touched, coord)

	// Neighbours sharing the edited face need re-meshing as well
	nb := Neighbors(coord)
	for axis := 0; axis < 3; axis++ {
		var face int
		switch local[axis] {
		case 0:
			face = 2 * axis
		case s.size - 1:
			face = 2*axis + 1
		default:
			continue
		}
		if s.Has(nb[face]) {
			touched = append(touched, nb[face])
		}
	}
	return touched, true
}
