package protocol

import (
	"context"
	"sync"
)

// mailbox is an unbounded FIFO queue with a wake-up signal.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) put(m Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrConnectionClosed
	}
	b.queue = append(b.queue, m)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.mu.Unlock()
	return nil
}

// take pops the head of the queue. Queued messages are still returned after
// close; ErrConnectionClosed is reported once the queue is drained.
func (b *mailbox) take() (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		if b.closed {
			return nil, ErrConnectionClosed
		}
		return nil, nil
	}
	m := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return m, nil
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *mailbox) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.notify)
	b.mu.Unlock()
}

// Conn is one end of a duplex in-process link. Sends never block.
type Conn struct {
	in  *mailbox
	out *mailbox
}

// LocalPair returns two connected ends: what one sends, the other receives.
func LocalPair() (*Conn, *Conn) {
	a, b := newMailbox(), newMailbox()
	return &Conn{in: a, out: b}, &Conn{in: b, out: a}
}

// Send queues m for the peer.
func (c *Conn) Send(m Message) error {
	return c.out.put(m)
}

// TryRecv returns the next message without blocking, or nil if none is queued.
func (c *Conn) TryRecv() (Message, error) {
	return c.in.take()
}

// Recv blocks until a message arrives, the connection closes or ctx is done.
func (c *Conn) Recv(ctx context.Context) (Message, error) {
	for {
		m, err := c.in.take()
		if m != nil || err != nil {
			return m, err
		}
		select {
		case <-c.in.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued inbound messages.
func (c *Conn) Pending() int {
	return c.in.len()
}

// Close hangs up both directions. Messages already queued toward either end
// can still be received.
func (c *Conn) Close() {
	c.in.close()
	c.out.close()
}
