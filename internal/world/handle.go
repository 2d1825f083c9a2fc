package world

import "sync"

// Handle is shared ownership of a chunk. Readers take a read lock for the
// duration of a read, edits take the write lock, so a reader never sees a
// partially written grid.
type Handle struct {
	mu    sync.RWMutex
	chunk *Chunk
}

// NewHandle wraps c. The caller must not touch c directly afterwards.
func NewHandle(c *Chunk) *Handle {
	return &Handle{chunk: c}
}

// Read calls fn with the chunk under a read lock. fn must not retain c.
func (h *Handle) Read(fn func(c *Chunk)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.chunk)
}

// Write calls fn with the chunk under the write lock.
func (h *Handle) Write(fn func(c *Chunk)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.chunk)
}

// Snapshot returns a private copy of the current contents.
func (h *Handle) Snapshot() *Chunk {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.chunk.Clone()
}

// Size returns the chunk side length. The size never changes after creation.
func (h *Handle) Size() int {
	return h.chunk.size
}
