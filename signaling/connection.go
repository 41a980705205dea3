package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/buffer"
	"strzcam.com/livesign/dispatcher"
	"strzcam.com/livesign/frame"
	"strzcam.com/livesign/labels"
)

// Peer is the media side of a connection.
type Peer interface {
	// Answer applies offer and returns the local answer once it is
	// complete.
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddCandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// FrameSink receives decoded frames from a peer.
type FrameSink interface {
	Ingest(f frame.Frame)
}

// PeerFactory creates the peer of a connection. onClosed is called when
// the transport fails or is closed by the remote side.
type PeerFactory interface {
	NewPeer(id string, sink FrameSink, onClosed func()) (Peer, error)
}

// Connection is one remote peer's signaling and media session.
type Connection struct {
	ID        string
	SessionID uuid.UUID
	Created   time.Time

	mu         sync.Mutex
	state      State
	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	buffer     *buffer.FrameBuffer
	peer       Peer
	dispatcher *dispatcher.Dispatcher
	labels     *labels.Aggregator
	done       chan struct{}

	dropped atomic.Uint64
}

func newConnection(id string, buf *buffer.FrameBuffer) *Connection {
	return &Connection{
		ID:        id,
		SessionID: uuid.New(),
		Created:   time.Now(),
		state:     StateInit,
		buffer:    buf,
		labels:    labels.NewAggregator(),
		done:      make(chan struct{}),
	}
}

// Ingest hands f to the dispatcher. Frames arriving while no dispatcher is
// attached are dropped.
func (c *Connection) Ingest(f frame.Frame) {
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d == nil {
		c.dropped.Add(1)
		return
	}
	d.Ingest(f)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Labels returns the labels accepted on this connection.
func (c *Connection) Labels() []string {
	return c.labels.Snapshot()
}

// Buffer returns the frame buffer, or nil once the connection is closed.
func (c *Connection) Buffer() *buffer.FrameBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

func (c *Connection) Stats() dispatcher.Stats {
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d == nil {
		return dispatcher.Stats{}
	}
	return d.Stats()
}

// Dropped counts frames that arrived before the dispatcher was attached.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}
