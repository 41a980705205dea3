package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/buffer"
	"strzcam.com/livesign/cascade"
	"strzcam.com/livesign/dispatcher"
	"strzcam.com/livesign/labels"
)

var log = logging.Logger("signaling")

type Options struct {
	BufferCapacity  int
	BufferRetention int
	Dispatch        dispatcher.Config
	Peers           PeerFactory
	// NewRunner builds the cascade of one connection.
	NewRunner func(id string) dispatcher.Runner
	// Labels is the process wide label set.
	Labels   *labels.Aggregator
	Recorder labels.Recorder
	// OnTransition is called with the connection lock held and must not
	// call back into the registry.
	OnTransition func(id string, from, to State)
}

// Registry owns every live connection by id.
type Registry struct {
	opts  Options
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry(opts Options) *Registry {
	if opts.Labels == nil {
		opts.Labels = labels.NewAggregator()
	}
	return &Registry{opts: opts, conns: make(map[string]*Connection)}
}

// Register creates a connection in StateInit with its frame buffer.
func (r *Registry) Register(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[id]; ok {
		return nil, &Error{Op: "register", ID: id, State: existing.State(), Err: ErrDuplicateConnection}
	}
	buf, err := buffer.New(r.opts.BufferCapacity, r.opts.BufferRetention)
	if err != nil {
		return nil, &Error{Op: "register", ID: id, State: StateInit, Err: fmt.Errorf("%w: %w", ErrResource, err)}
	}
	conn := newConnection(id, buf)
	r.conns[id] = conn
	log.Infow("connection registered", "id", id, "session", conn.SessionID, "connections", len(r.conns))
	return conn, nil
}

// HandleOffer negotiates the media session and returns the local answer.
// It is allowed in StateInit and StateNegotiating. A failure while
// answering leaves the connection negotiating so the client may offer
// again.
func (r *Registry) HandleOffer(ctx context.Context, id string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	conn, ok := r.Lookup(id)
	if !ok {
		return webrtc.SessionDescription{}, &Error{Op: "offer", ID: id, State: StateClosed, Err: ErrUnknownConnection}
	}

	conn.mu.Lock()
	if conn.state != StateInit && conn.state != StateNegotiating {
		state := conn.state
		conn.mu.Unlock()
		return webrtc.SessionDescription{}, &Error{Op: "offer", ID: id, State: state, Err: ErrInvalidState}
	}
	if err := validateOffer(offer); err != nil {
		state := conn.state
		conn.mu.Unlock()
		return webrtc.SessionDescription{}, &Error{Op: "offer", ID: id, State: state, Err: err}
	}
	if conn.peer == nil {
		peer, err := r.opts.Peers.NewPeer(id, conn, func() { go r.CloseConnection(conn) })
		if err != nil {
			state := conn.state
			conn.mu.Unlock()
			return webrtc.SessionDescription{}, &Error{Op: "offer", ID: id, State: state, Err: fmt.Errorf("%w: %w", ErrResource, err)}
		}
		conn.peer = peer
	}
	r.transition(conn, StateNegotiating)
	conn.remote = &offer
	peer := conn.peer
	conn.mu.Unlock()

	answer, err := peer.Answer(ctx, offer)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.state != StateNegotiating {
		return webrtc.SessionDescription{}, &Error{Op: "offer", ID: id, State: conn.state, Err: ErrInvalidState}
	}
	if err != nil {
		return webrtc.SessionDescription{}, &Error{Op: "offer", ID: id, State: conn.state, Err: err}
	}
	conn.local = &answer
	conn.buffer.Reset()
	conn.dispatcher = dispatcher.New(r.opts.Dispatch, conn.buffer, r.opts.NewRunner(id), r.resultsFor(conn))
	r.transition(conn, StateConnected)
	return answer, nil
}

// HandleCandidate adds a trickled ICE candidate. Candidates arriving after
// the connection started ending are ignored, as is the empty
// end-of-candidates marker.
func (r *Registry) HandleCandidate(id string, candidate webrtc.ICECandidateInit) error {
	conn, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	switch conn.state {
	case StateInit:
		return &Error{Op: "candidate", ID: id, State: conn.state, Err: ErrInvalidState}
	case StateEnding, StateClosed:
		return nil
	}
	if candidate.Candidate == "" {
		return nil
	}
	if err := conn.peer.AddCandidate(candidate); err != nil {
		return &Error{Op: "candidate", ID: id, State: conn.state, Err: fmt.Errorf("%w: %v", ErrMalformedCandidate, err)}
	}
	conn.candidates = append(conn.candidates, candidate)
	return nil
}

// HandleEnd tears the connection down on the client's request.
func (r *Registry) HandleEnd(id string) error {
	conn, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	conn.mu.Lock()
	switch conn.state {
	case StateInit:
		conn.mu.Unlock()
		return &Error{Op: "end", ID: id, State: StateInit, Err: ErrInvalidState}
	case StateEnding, StateClosed:
		conn.mu.Unlock()
		return nil
	}
	r.transition(conn, StateEnding)
	conn.mu.Unlock()
	return r.CloseConnection(conn)
}

// Close releases the connection registered under id. Unknown ids and
// repeated calls are no-ops.
func (r *Registry) Close(id string) error {
	conn, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	return r.CloseConnection(conn)
}

// CloseConnection releases conn: its dispatcher, peer, frame buffer and
// registry entry. The entry is only removed if it still belongs to conn.
// A batch still inside the cascade is cancelled but not waited for.
func (r *Registry) CloseConnection(conn *Connection) error {
	r.closeConnection(conn)
	return nil
}

// closeConnection returns the released dispatcher, nil if conn had none
// or was already closed.
func (r *Registry) closeConnection(conn *Connection) *dispatcher.Dispatcher {
	r.mu.Lock()
	if current, ok := r.conns[conn.ID]; ok && current == conn {
		delete(r.conns, conn.ID)
	}
	r.mu.Unlock()

	conn.mu.Lock()
	if conn.state == StateClosed {
		conn.mu.Unlock()
		return nil
	}
	if conn.state != StateInit {
		r.transition(conn, StateEnding)
	}
	d, peer, buf := conn.dispatcher, conn.peer, conn.buffer
	conn.dispatcher, conn.peer, conn.buffer = nil, nil, nil
	r.transition(conn, StateClosed)
	conn.mu.Unlock()

	if d != nil {
		d.Close()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warnw("closing peer failed", "id", conn.ID, "error", err)
		}
	}
	if buf != nil {
		buf.Release()
	}
	close(conn.done)
	log.Infow("connection closed", "id", conn.ID, "session", conn.SessionID, "labels", conn.labels.Len())
	return d
}

// CloseAll closes every connection, used on shutdown. It returns once
// every cascade consumer has exited, so the models may be released
// afterwards.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	var stopping []*dispatcher.Dispatcher
	for _, conn := range conns {
		if d := r.closeConnection(conn); d != nil {
			stopping = append(stopping, d)
		}
	}
	for _, d := range stopping {
		<-d.Done()
	}
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// State returns the state of id, StateClosed for unknown ids.
func (r *Registry) State(id string) State {
	conn, ok := r.Lookup(id)
	if !ok {
		return StateClosed
	}
	return conn.State()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the ids of all live connections in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Labels is the process wide label set.
func (r *Registry) Labels() *labels.Aggregator {
	return r.opts.Labels
}

// transition must be called with conn.mu held.
func (r *Registry) transition(conn *Connection, to State) {
	from := conn.state
	if from == to {
		return
	}
	conn.state = to
	log.Debugw("state change", "id", conn.ID, "from", from, "to", to)
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(conn.ID, from, to)
	}
}

func (r *Registry) resultsFor(conn *Connection) dispatcher.ResultFunc {
	return func(ctx context.Context, results []cascade.Result) {
		for _, result := range results {
			isNew := r.opts.Labels.Accept(result.Label)
			conn.labels.Accept(result.Label)
			log.Infow("label accepted",
				"id", conn.ID,
				"label", result.Label,
				"confidence", result.Confidence,
				"track", result.TrackID,
				"new", isNew,
			)
			if r.opts.Recorder == nil || ctx.Err() != nil {
				continue
			}
			event := labels.Event{
				ConnectionID: conn.ID,
				SessionID:    conn.SessionID.String(),
				Label:        result.Label,
				ClassIndex:   result.Index,
				Confidence:   result.Confidence,
				TrackID:      result.TrackID,
				FrameSeq:     result.Seq,
				New:          isNew,
				At:           time.Now(),
			}
			if err := r.opts.Recorder.Record(ctx, event); err != nil {
				log.Warnw("recording label failed", "id", conn.ID, "label", result.Label, "error", err)
			}
		}
	}
}
