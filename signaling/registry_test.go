package signaling_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/buffer"
	"strzcam.com/livesign/cascade"
	"strzcam.com/livesign/dispatcher"
	"strzcam.com/livesign/labels"
	"strzcam.com/livesign/signaling"
	"strzcam.com/livesign/signaling/signalingtest"
)

type transition struct {
	from, to signaling.State
}

type transitionLog struct {
	mu  sync.Mutex
	log map[string][]transition
}

func (l *transitionLog) record(id string, from, to signaling.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log == nil {
		l.log = make(map[string][]transition)
	}
	l.log[id] = append(l.log[id], transition{from, to})
}

func (l *transitionLog) get(id string) []transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transition(nil), l.log[id]...)
}

type eventLog struct {
	mu     sync.Mutex
	events []labels.Event
}

func (l *eventLog) Record(ctx context.Context, event labels.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) Events() []labels.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]labels.Event(nil), l.events...)
}

type fixture struct {
	registry    *signaling.Registry
	peers       *signalingtest.Factory
	runner      *signalingtest.Runner
	transitions *transitionLog
	events      *eventLog
}

func newFixture() *fixture {
	f := &fixture{
		peers:       signalingtest.NewFactory(),
		runner:      &signalingtest.Runner{Results: []cascade.Result{{Label: "hello", Index: 3, Confidence: 0.9, TrackID: 0}}},
		transitions: &transitionLog{},
		events:      &eventLog{},
	}
	f.registry = signaling.NewRegistry(signaling.Options{
		BufferCapacity:  8,
		BufferRetention: 2,
		Dispatch:        dispatcher.Config{BatchSize: 2, QueueSize: 2, Timeout: time.Second},
		Peers:           f.peers,
		NewRunner:       func(string) dispatcher.Runner { return f.runner },
		Recorder:        f.events,
		OnTransition:    f.transitions.record,
	})
	return f
}

func (f *fixture) connect(t *testing.T, id string) *signaling.Connection {
	t.Helper()
	conn, err := f.registry.Register(id)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.registry.HandleOffer(context.Background(), id, signalingtest.Offer()); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	f := newFixture()
	if _, err := f.registry.Register("alice"); err != nil {
		t.Fatal(err)
	}
	_, err := f.registry.Register("alice")
	if !errors.Is(err, signaling.ErrDuplicateConnection) {
		t.Fatalf("Expected ErrDuplicateConnection, got %v", err)
	}
	if !signaling.Fatal(err) {
		t.Error("Duplicate registration should be fatal")
	}
	if f.registry.Len() != 1 {
		t.Errorf("Expected 1 connection, got %d", f.registry.Len())
	}
}

func TestOfferConnects(t *testing.T) {
	f := newFixture()
	conn, err := f.registry.Register("alice")
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != signaling.StateInit {
		t.Fatalf("Expected INIT, got %s", conn.State())
	}

	answer, err := f.registry.HandleOffer(context.Background(), "alice", signalingtest.Offer())
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("Expected answer, got %s", answer.Type)
	}
	if conn.State() != signaling.StateConnected {
		t.Errorf("Expected CONNECTED, got %s", conn.State())
	}
	if conn.LocalDescription() == nil || conn.RemoteDescription() == nil {
		t.Error("Expected both descriptions to be stored")
	}
	expected := []transition{
		{signaling.StateInit, signaling.StateNegotiating},
		{signaling.StateNegotiating, signaling.StateConnected},
	}
	if got := f.transitions.get("alice"); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected transitions %v, got %v", expected, got)
	}
}

func TestOfferWhenConnectedIsRejected(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "alice")

	_, err := f.registry.HandleOffer(context.Background(), "alice", signalingtest.Offer())
	if !errors.Is(err, signaling.ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	if signaling.Fatal(err) {
		t.Error("Invalid state should not be fatal")
	}
	if conn.State() != signaling.StateConnected {
		t.Errorf("Expected state to stay CONNECTED, got %s", conn.State())
	}
	if answers := f.peers.Peer("alice").Answers(); answers != 1 {
		t.Errorf("Expected a single answer, got %d", answers)
	}
}

func TestMalformedOffer(t *testing.T) {
	tests := []struct {
		name  string
		offer webrtc.SessionDescription
	}{
		{"answer type", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signalingtest.OfferSDP}},
		{"unknown type", webrtc.SessionDescription{Type: webrtc.NewSDPType("bogus"), SDP: signalingtest.OfferSDP}},
		{"empty sdp", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "  "}},
		{"not sdp", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not an sdp"}},
		{"no media", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			conn, err := f.registry.Register("alice")
			if err != nil {
				t.Fatal(err)
			}
			_, err = f.registry.HandleOffer(context.Background(), "alice", tt.offer)
			if !errors.Is(err, signaling.ErrMalformedDescription) {
				t.Fatalf("Expected ErrMalformedDescription, got %v", err)
			}
			if !signaling.Fatal(err) {
				t.Error("Malformed description should be fatal")
			}
			if conn.State() != signaling.StateInit {
				t.Errorf("Expected INIT, got %s", conn.State())
			}
			if f.peers.Peer("alice") != nil {
				t.Error("No peer should be created for a malformed offer")
			}
		})
	}
}

func TestOfferForUnknownConnection(t *testing.T) {
	f := newFixture()
	_, err := f.registry.HandleOffer(context.Background(), "ghost", signalingtest.Offer())
	if !errors.Is(err, signaling.ErrUnknownConnection) {
		t.Errorf("Expected ErrUnknownConnection, got %v", err)
	}
}

func TestAnswerFailureStaysNegotiating(t *testing.T) {
	f := newFixture()
	conn, err := f.registry.Register("alice")
	if err != nil {
		t.Fatal(err)
	}
	f.peers.SetAnswerErr(signalingtest.ErrAnswer)

	_, err = f.registry.HandleOffer(context.Background(), "alice", signalingtest.Offer())
	if !errors.Is(err, signalingtest.ErrAnswer) {
		t.Fatalf("Expected answer error, got %v", err)
	}
	if conn.State() != signaling.StateNegotiating {
		t.Fatalf("Expected NEGOTIATING, got %s", conn.State())
	}

	f.peers.SetAnswerErr(nil)
	if _, err := f.registry.HandleOffer(context.Background(), "alice", signalingtest.Offer()); err != nil {
		t.Fatalf("Second offer: %v", err)
	}
	if conn.State() != signaling.StateConnected {
		t.Errorf("Expected CONNECTED, got %s", conn.State())
	}
}

func TestPeerCreationFailure(t *testing.T) {
	f := newFixture()
	f.peers.NewErr = errors.New("no ports")
	conn, err := f.registry.Register("alice")
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.registry.HandleOffer(context.Background(), "alice", signalingtest.Offer())
	if !errors.Is(err, signaling.ErrResource) {
		t.Fatalf("Expected ErrResource, got %v", err)
	}
	if conn.State() != signaling.StateInit {
		t.Errorf("Expected INIT, got %s", conn.State())
	}
}

func TestCandidates(t *testing.T) {
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}

	t.Run("rejected before offer", func(t *testing.T) {
		f := newFixture()
		if _, err := f.registry.Register("alice"); err != nil {
			t.Fatal(err)
		}
		err := f.registry.HandleCandidate("alice", candidate)
		if !errors.Is(err, signaling.ErrInvalidState) {
			t.Errorf("Expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("added when connected", func(t *testing.T) {
		f := newFixture()
		conn := f.connect(t, "alice")
		if err := f.registry.HandleCandidate("alice", candidate); err != nil {
			t.Fatal(err)
		}
		if err := f.registry.HandleCandidate("alice", webrtc.ICECandidateInit{}); err != nil {
			t.Errorf("End of candidates should be a no-op, got %v", err)
		}
		if got := f.peers.Peer("alice").Candidates(); len(got) != 1 {
			t.Errorf("Expected 1 candidate at the peer, got %d", len(got))
		}
		if got := conn.Candidates(); len(got) != 1 {
			t.Errorf("Expected 1 stored candidate, got %d", len(got))
		}
	})

	t.Run("malformed", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "alice")
		err := f.registry.HandleCandidate("alice", webrtc.ICECandidateInit{Candidate: "garbage"})
		if !errors.Is(err, signaling.ErrMalformedCandidate) {
			t.Errorf("Expected ErrMalformedCandidate, got %v", err)
		}
		if signaling.Fatal(err) {
			t.Error("Malformed candidate should not be fatal")
		}
	})

	t.Run("ignored after close", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "alice")
		if err := f.registry.Close("alice"); err != nil {
			t.Fatal(err)
		}
		if err := f.registry.HandleCandidate("alice", candidate); err != nil {
			t.Errorf("Expected no error after close, got %v", err)
		}
	})
}

func TestEnd(t *testing.T) {
	t.Run("rejected in init", func(t *testing.T) {
		f := newFixture()
		conn, err := f.registry.Register("alice")
		if err != nil {
			t.Fatal(err)
		}
		if err := f.registry.HandleEnd("alice"); !errors.Is(err, signaling.ErrInvalidState) {
			t.Errorf("Expected ErrInvalidState, got %v", err)
		}
		if conn.State() != signaling.StateInit {
			t.Errorf("Expected INIT, got %s", conn.State())
		}
	})

	t.Run("closes connected", func(t *testing.T) {
		f := newFixture()
		conn := f.connect(t, "alice")
		if err := f.registry.HandleEnd("alice"); err != nil {
			t.Fatal(err)
		}
		if conn.State() != signaling.StateClosed {
			t.Errorf("Expected CLOSED, got %s", conn.State())
		}
		select {
		case <-conn.Done():
		default:
			t.Error("Expected Done to be closed")
		}
		if f.registry.Len() != 0 {
			t.Errorf("Expected empty registry, got %d", f.registry.Len())
		}
		if closed := f.peers.Peer("alice").Closed(); closed != 1 {
			t.Errorf("Expected peer closed once, got %d", closed)
		}
		got := f.transitions.get("alice")
		tail := got[len(got)-2:]
		expected := []transition{
			{signaling.StateConnected, signaling.StateEnding},
			{signaling.StateEnding, signaling.StateClosed},
		}
		if !reflect.DeepEqual(tail, expected) {
			t.Errorf("Expected %v, got %v", expected, tail)
		}
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "alice")

	for i := 0; i < 3; i++ {
		if err := f.registry.Close("alice"); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if err := f.registry.CloseConnection(conn); err != nil {
		t.Fatal(err)
	}
	if closed := f.peers.Peer("alice").Closed(); closed != 1 {
		t.Errorf("Expected peer closed once, got %d", closed)
	}
	if conn.Buffer() != nil {
		t.Error("Expected buffer to be released")
	}
	if f.registry.State("alice") != signaling.StateClosed {
		t.Errorf("Expected unknown id to report CLOSED")
	}
}

func TestCloseInitSkipsEnding(t *testing.T) {
	f := newFixture()
	if _, err := f.registry.Register("alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Close("alice"); err != nil {
		t.Fatal(err)
	}
	expected := []transition{{signaling.StateInit, signaling.StateClosed}}
	if got := f.transitions.get("alice"); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestIDIsReusableAfterClose(t *testing.T) {
	f := newFixture()
	old := f.connect(t, "alice")
	if err := f.registry.Close("alice"); err != nil {
		t.Fatal(err)
	}
	fresh := f.connect(t, "alice")
	if fresh.SessionID == old.SessionID {
		t.Error("Expected a new session id")
	}
	// closing the old connection again must not remove the new one
	f.registry.CloseConnection(old)
	if f.registry.State("alice") != signaling.StateConnected {
		t.Errorf("Expected new connection to stay CONNECTED, got %s", f.registry.State("alice"))
	}
}

func TestRemoteCloseEndsConnection(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "alice")
	f.peers.Peer("alice").RemoteClose()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Connection was not closed after the transport closed")
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", f.registry.Len())
	}
}

func TestCloseDuringNegotiation(t *testing.T) {
	f := newFixture()
	f.peers.Gate = make(chan struct{})
	conn, err := f.registry.Register("alice")
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.registry.HandleOffer(context.Background(), "alice", signalingtest.Offer())
		errc <- err
	}()
	waitFor(t, "negotiation", func() bool { return conn.State() == signaling.StateNegotiating })

	// frames before the answer have nowhere to go
	f.peers.Peer("alice").Sink.Ingest(signalingtest.Frame(1))
	if conn.Dropped() != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", conn.Dropped())
	}

	if err := f.registry.Close("alice"); err != nil {
		t.Fatal(err)
	}
	close(f.peers.Gate)

	if err := <-errc; !errors.Is(err, signaling.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if conn.State() != signaling.StateClosed {
		t.Errorf("Expected CLOSED, got %s", conn.State())
	}
}

func TestAcceptedLabelsReachAggregators(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "alice")
	peer := f.peers.Peer("alice")

	peer.Sink.Ingest(signalingtest.Frame(1))
	peer.Sink.Ingest(signalingtest.Frame(2))

	waitFor(t, "labels", func() bool { return len(f.registry.Labels().Snapshot()) == 1 })
	if got := f.registry.Labels().Snapshot(); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Errorf("Expected [hello], got %v", got)
	}
	if got := conn.Labels(); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Errorf("Expected connection labels [hello], got %v", got)
	}

	waitFor(t, "events", func() bool { return len(f.events.Events()) == 1 })
	event := f.events.Events()[0]
	if event.ConnectionID != "alice" || event.Label != "hello" || event.ClassIndex != 3 {
		t.Errorf("Unexpected event %+v", event)
	}
	if event.SessionID != conn.SessionID.String() {
		t.Errorf("Expected session %s, got %s", conn.SessionID, event.SessionID)
	}
	if !event.New || event.FrameSeq != 2 {
		t.Errorf("Expected a new label from frame 2, got %+v", event)
	}
}

func TestLabelsAreSharedAcrossConnections(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	for _, id := range []string{"alice", "bob"} {
		peer := f.peers.Peer(id)
		peer.Sink.Ingest(signalingtest.Frame(1))
		peer.Sink.Ingest(signalingtest.Frame(2))
	}
	waitFor(t, "both connections", func() bool {
		return len(alice.Labels()) == 1 && len(bob.Labels()) == 1
	})
	if got := f.registry.Labels().Len(); got != 1 {
		t.Errorf("Expected one shared label, got %d", got)
	}
	if got := f.registry.IDs(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Expected [alice bob], got %v", got)
	}

	f.registry.CloseAll()
	if f.registry.Len() != 0 {
		t.Errorf("Expected empty registry after CloseAll, got %d", f.registry.Len())
	}
	if got := f.registry.Labels().Snapshot(); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Errorf("Labels should outlive connections, got %v", got)
	}
}

type blockingRecorder struct {
	entered chan struct{}
	once    sync.Once
}

func (r *blockingRecorder) Record(ctx context.Context, event labels.Event) error {
	r.once.Do(func() { close(r.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func TestCloseCancelsRecorderInFlight(t *testing.T) {
	recorder := &blockingRecorder{entered: make(chan struct{})}
	peers := signalingtest.NewFactory()
	runner := &signalingtest.Runner{Results: []cascade.Result{{Label: "hello", Confidence: 0.9}}}
	registry := signaling.NewRegistry(signaling.Options{
		BufferCapacity:  8,
		BufferRetention: 2,
		Dispatch:        dispatcher.Config{BatchSize: 2, QueueSize: 2, Timeout: time.Second},
		Peers:           peers,
		NewRunner:       func(string) dispatcher.Runner { return runner },
		Recorder:        recorder,
	})
	if _, err := registry.Register("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.HandleOffer(context.Background(), "alice", signalingtest.Offer()); err != nil {
		t.Fatal(err)
	}
	peer := peers.Peer("alice")
	peer.Sink.Ingest(signalingtest.Frame(1))
	peer.Sink.Ingest(signalingtest.Frame(2))

	select {
	case <-recorder.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder was never called")
	}

	closed := make(chan error, 1)
	go func() { closed <- registry.Close("alice") }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a recorder waiting for its context")
	}
	if registry.State("alice") != signaling.StateClosed {
		t.Errorf("Expected CLOSED, got %s", registry.State("alice"))
	}
}

type slowRunner struct {
	started  chan struct{}
	once     sync.Once
	finished chan struct{}
}

func (r *slowRunner) Run(ctx context.Context, batch buffer.Batch) ([]cascade.Result, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	close(r.finished)
	return nil, ctx.Err()
}

func TestCloseAllWaitsForRunningCascade(t *testing.T) {
	runner := &slowRunner{started: make(chan struct{}), finished: make(chan struct{})}
	peers := signalingtest.NewFactory()
	registry := signaling.NewRegistry(signaling.Options{
		BufferCapacity:  8,
		BufferRetention: 2,
		Dispatch:        dispatcher.Config{BatchSize: 2, QueueSize: 1, Timeout: 10 * time.Second},
		Peers:           peers,
		NewRunner:       func(string) dispatcher.Runner { return runner },
	})
	if _, err := registry.Register("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.HandleOffer(context.Background(), "alice", signalingtest.Offer()); err != nil {
		t.Fatal(err)
	}
	peer := peers.Peer("alice")
	peer.Sink.Ingest(signalingtest.Frame(1))
	peer.Sink.Ingest(signalingtest.Frame(2))
	<-runner.started

	registry.CloseAll()
	select {
	case <-runner.finished:
	default:
		t.Fatal("CloseAll returned while the cascade was still running")
	}
}
