// ABOUTME: A single live client channel with its role, identity, and send queue
// ABOUTME: The writer goroutine drains a bounded FIFO that drops only ephemeral frames

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/protocol"
)

// Role distinguishes anonymous users from authenticated agents.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

const (
	// DefaultCapacity is the outbound queue size used when none is configured.
	DefaultCapacity = 64

	// stallFactor multiplies Capacity to get the reliable-frame backlog at
	// which a peer is considered stalled.
	stallFactor = 4

	defaultWriteTimeout = 10 * time.Second
)

// Close reasons passed to Transport.Close.
const (
	ReasonSuperseded  = "superseded by a newer connection"
	ReasonEvicted     = "evicted"
	ReasonOverflow    = "send queue overflow"
	ReasonWriteFailed = "write failed"
	ReasonShutdown    = "server shutting down"
)

// Transport is the underlying bidirectional channel.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// ConnectionParams holds the parameters for creating a Connection.
type ConnectionParams struct {
	ID           string
	Transport    Transport
	Capacity     int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Connection is one open channel. Identity is set once by the registry and
// never changes afterwards.
type Connection struct {
	ID string

	transport    Transport
	capacity     int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	role     Role
	identity string
	live     bool
	closed   bool
	queue    []protocol.Frame
	seq      uint64

	// onClose is installed at admission and runs in its own goroutine
	// after the connection closes.
	onClose func(*Connection)

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a Connection that is not yet admitted.
func NewConnection(p ConnectionParams) *Connection {
	if p.Capacity <= 0 {
		p.Capacity = DefaultCapacity
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaultWriteTimeout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Connection{
		ID:           p.ID,
		transport:    p.Transport,
		capacity:     p.Capacity,
		writeTimeout: p.WriteTimeout,
		logger:       p.Logger.With("conn_id", p.ID),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Role returns the admitted role, or "" before admission.
func (c *Connection) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Identity returns the admitted identity, or "" before admission.
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Live reports whether the connection is currently admitted.
func (c *Connection) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns the number of queued frames.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Enqueue appends a frame to the outbound queue. It returns false when the
// frame was not queued: the connection is closed, an ephemeral frame hit a
// full queue, or a reliable frame found the peer stalled (which also
// closes the connection).
func (c *Connection) Enqueue(f protocol.Frame) bool {
	ok, _ := c.enqueue(func(uint64) protocol.Frame { return f }, false)
	return ok
}

// Deliver assigns the next delivery sequence number, builds the frame with
// it, and queues the result. Sequence numbers follow queue order.
func (c *Connection) Deliver(build func(seq uint64) protocol.Frame) (bool, uint64) {
	return c.enqueue(build, true)
}

func (c *Connection) enqueue(build func(uint64) protocol.Frame, sequenced bool) (bool, uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, 0
	}

	var seq uint64
	if sequenced {
		seq = c.seq + 1
	}
	f := build(seq)

	if f.Ephemeral && len(c.queue) >= c.capacity {
		c.mu.Unlock()
		metrics.FramesDropped.WithLabelValues(f.Event).Inc()
		c.logger.Debug("dropping ephemeral frame for slow consumer", "event", f.Event)
		return false, 0
	}
	if !f.Ephemeral && len(c.queue) >= c.capacity*stallFactor {
		c.mu.Unlock()
		c.logger.Warn("outbound queue overflow, closing connection",
			"event", f.Event,
			"pending", c.capacity*stallFactor,
		)
		c.Close(ReasonOverflow)
		return false, 0
	}

	if sequenced {
		c.seq = seq
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true, seq
}

// Run drains the outbound queue until the connection closes, ctx is
// cancelled, or a write fails.
func (c *Connection) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			batch := c.takeQueue()
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				if err := c.write(ctx, f); err != nil {
					if ctx.Err() == nil && !c.Closed() {
						c.logger.Debug("write failed", "event", f.Event, "error", err)
					}
					c.Close(ReasonWriteFailed)
					return
				}
			}
		}
	}
}

func (c *Connection) takeQueue() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return nil
	}
	batch := c.queue
	c.queue = nil
	return batch
}

func (c *Connection) write(ctx context.Context, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		c.logger.Error("encoding frame", "event", f.Event, "error", err)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.transport.Write(wctx, data)
}

// Close marks the connection closed, discards anything still queued and
// closes the transport in the background. An admitted connection also
// leaves its registry. Safe to call multiple times.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.live = false
		c.queue = nil
		onClose := c.onClose
		c.mu.Unlock()

		close(c.done)

		// Close can run under the registry lock, so release asynchronously.
		if onClose != nil {
			go onClose(c)
		}

		if c.transport != nil {
			go func() {
				if err := c.transport.Close(reason); err != nil {
					c.logger.Debug("closing transport", "reason", reason, "error", err)
				}
			}()
		}
	})
}

// bind sets role and identity. Must be called with the registry lock held.
func (c *Connection) bind(role Role, identity string, onClose func(*Connection)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.role = role
	c.identity = identity
	c.live = true
	c.onClose = onClose
	return true
}

func (c *Connection) markDead() {
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()
}
