// Package signalingtest provides in-memory peers for exercising the
// signaling registry without a media stack.
package signalingtest

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/buffer"
	"strzcam.com/livesign/cascade"
	"strzcam.com/livesign/frame"
	"strzcam.com/livesign/signaling"
)

// OfferSDP is a minimal offer with one sending video section.
const OfferSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func Offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: OfferSDP}
}

var ErrAnswer = errors.New("signalingtest: answer failed")

// Factory records every peer it creates by connection id.
type Factory struct {
	mu    sync.Mutex
	peers map[string]*Peer

	// NewErr fails peer creation.
	NewErr error
	// AnswerErr fails Answer until cleared.
	AnswerErr error
	// Gate, when set, blocks Answer until it is closed.
	Gate chan struct{}
}

func NewFactory() *Factory {
	return &Factory{peers: make(map[string]*Peer)}
}

func (f *Factory) NewPeer(id string, sink signaling.FrameSink, onClosed func()) (signaling.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	p := &Peer{ID: id, Sink: sink, onClosed: onClosed, factory: f}
	f.peers[id] = p
	return p, nil
}

// Peer returns the last peer created for id, or nil.
func (f *Factory) Peer(id string) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[id]
}

func (f *Factory) SetAnswerErr(err error) {
	f.mu.Lock()
	f.AnswerErr = err
	f.mu.Unlock()
}

func (f *Factory) answerSettings() (chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Gate, f.AnswerErr
}

type Peer struct {
	ID   string
	Sink signaling.FrameSink

	onClosed func()
	factory  *Factory

	mu         sync.Mutex
	answers    int
	candidates []webrtc.ICECandidateInit
	closed     int
}

func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gate, answerErr := p.factory.answerSettings()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
	if answerErr != nil {
		return webrtc.SessionDescription{}, answerErr
	}
	p.mu.Lock()
	p.answers++
	p.mu.Unlock()
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  strings.Replace(offer.SDP, "a=sendonly", "a=recvonly", 1),
	}, nil
}

func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if !strings.HasPrefix(candidate.Candidate, "candidate:") {
		return errors.New("signalingtest: candidate must start with candidate:")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// RemoteClose simulates the transport failing.
func (p *Peer) RemoteClose() {
	if p.onClosed != nil {
		p.onClosed()
	}
}

func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

// Runner returns the same results for every batch, stamped with the
// batch's latest frame.
type Runner struct {
	Results []cascade.Result
	Err     error

	mu   sync.Mutex
	runs int
}

func (r *Runner) Run(ctx context.Context, batch buffer.Batch) ([]cascade.Result, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	results := make([]cascade.Result, len(r.Results))
	for i, result := range r.Results {
		result.Seq = batch.Latest().Seq
		results[i] = result
	}
	return results, nil
}

func (r *Runner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Frame returns a small decoded frame with the given sequence number.
func Frame(seq uint64) frame.Frame {
	return frame.Frame{
		Seq:   seq,
		Image: image.NewYCbCr(image.Rect(0, 0, 32, 24), image.YCbCrSubsampleRatio420),
	}
}
