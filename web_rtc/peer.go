package web_rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/signaling"
)

var log = logging.Logger("web_rtc")

const (
	defaultGatherTimeout    = 5 * time.Second
	defaultKeyframeInterval = 100 * time.Millisecond
)

type Config struct {
	ICEServers       []webrtc.ICEServer
	GatherTimeout    time.Duration
	KeyframeInterval time.Duration
	// ProcessedTrack sends the received video back to the peer.
	ProcessedTrack bool
}

// PeerFactory creates answering peer connections that share one media
// engine and interceptor set.
type PeerFactory struct {
	api *webrtc.API
	cfg Config
}

func NewPeerFactory(cfg Config) (*PeerFactory, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = defaultKeyframeInterval
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(interceptors))
	return &PeerFactory{api: api, cfg: cfg}, nil
}

func (f *PeerFactory) NewPeer(id string, sink signaling.FrameSink, onClosed func()) (signaling.Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:     id,
		pc:     pc,
		cfg:    f.cfg,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("connection state", "id", id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if onClosed != nil {
				p.closedOnce.Do(onClosed)
			}
		}
	})
	return p, nil
}

// Peer is the server side of one connection's media session. It reads the
// first inbound video track only.
type Peer struct {
	id   string
	pc   *webrtc.PeerConnection
	cfg  Config
	sink signaling.FrameSink

	mu        sync.Mutex
	processed *webrtc.TrackLocalStaticRTP
	reading   bool

	ctx        context.Context
	cancel     context.CancelFunc
	closedOnce sync.Once
}

func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offer.SDP)); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", signaling.ErrMalformedDescription, err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error setting remote description: %w", err)
	}
	if p.cfg.ProcessedTrack {
		if err := p.attachProcessedTrack(); err != nil {
			log.Warnw("processed track not attached", "id", p.id, "error", err)
		}
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error creating answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error setting local description: %w", err)
	}

	timer := time.NewTimer(p.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		log.Warnw("ICE gathering timed out, answering with partial candidates", "id", p.id)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *p.pc.LocalDescription(), nil
}

func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) Close() error {
	p.cancel()
	return p.pc.Close()
}

// attachProcessedTrack adds the outgoing track the received video is
// forwarded to. Only the first call has an effect.
func (p *Peer) attachProcessedTrack() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processed != nil {
		return nil
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "processed", "livesign-"+p.id)
	if err != nil {
		return err
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.processed = track
	go p.startRTCPReader(sender)
	return nil
}

func (p *Peer) startRTCPReader(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			log.Debugw("RTCP reader stopped", "id", p.id, "error", err)
			return
		}
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		log.Debugw("ignoring non video track", "id", p.id, "kind", track.Kind().String())
		return
	}
	p.mu.Lock()
	if p.reading {
		p.mu.Unlock()
		log.Infow("ignoring additional video track", "id", p.id, "track", track.ID())
		return
	}
	p.reading = true
	processed := p.processed
	p.mu.Unlock()

	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8) {
		log.Warnw("unsupported video codec", "id", p.id, "codec", track.Codec().MimeType)
		return
	}
	log.Infow("video track started", "id", p.id, "track", track.ID(), "ssrc", track.SSRC())

	go p.requestKeyframes(track.SSRC())
	reader := newTrackReader(track, p.sink)
	if processed != nil {
		reader.forward = processed
	}
	reader.run(p.ctx)
	log.Infow("video track ended", "id", p.id, "stats", reader.stats())
}

// requestKeyframes sends a picture loss indication every keyframe
// interval so that decodable frames keep arriving.
func (p *Peer) requestKeyframes(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(p.cfg.KeyframeInterval)
	defer ticker.Stop()
	for {
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
		if errors.Is(err, io.ErrClosedPipe) {
			return
		}
		if err != nil {
			log.Debugw("PLI failed", "id", p.id, "error", err)
		}
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ConfigFrom maps the file configuration onto pion types.
func ConfigFrom(cfg config.WebRTCConfig) Config {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, server := range cfg.ICEServers {
		ice := webrtc.ICEServer{URLs: server.URLs, Username: server.Username}
		if server.Credential != "" {
			ice.Credential = server.Credential
		}
		servers = append(servers, ice)
	}
	return Config{
		ICEServers:       servers,
		GatherTimeout:    cfg.GatherTimeout,
		KeyframeInterval: cfg.KeyframeInterval,
		ProcessedTrack:   cfg.ProcessedTrack,
	}
}
