package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/signaling"
	"strzcam.com/livesign/video"
	"strzcam.com/livesign/web_rtc"
)

var log = logging.Logger("publisher")

type options struct {
	server string
	id     string
	images string
	width  int
	height int
	fps    int
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debugf("No .env file: %v", err)
	}
	var opts options
	flag.StringVar(&opts.server, "server", envOr("SIGNALING_URL", "localhost:8000"), "host:port of the livesign server")
	flag.StringVar(&opts.id, "id", uuid.NewString(), "client id to register")
	flag.StringVar(&opts.images, "images", "", "directory of images to stream, a test pattern when empty")
	flag.IntVar(&opts.width, "width", 640, "frame width")
	flag.IntVar(&opts.height, "height", 480, "frame height")
	flag.IntVar(&opts.fps, "fps", video.DefaultFrameRate, "frames per second")
	flag.Parse()
	logging.SetAllLoggers(logging.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func run(ctx context.Context, opts options) error {
	var source video.Source = video.NewTestPattern(opts.width, opts.height)
	if opts.images != "" {
		sequence, err := video.LoadImageSequence(opts.images, opts.width, opts.height, true)
		if err != nil {
			return err
		}
		source = sequence
	}

	rtcConfig := web_rtc.ConfigFrom(config.Default().WebRTC)
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: rtcConfig.ICEServers})
	if err != nil {
		return err
	}
	defer pc.Close()

	track, err := video.NewEncodedTrack("publisher-"+opts.id, opts.fps)
	if err != nil {
		return err
	}
	defer track.Close()
	sender, err := pc.AddTrack(track.Track())
	if err != nil {
		return err
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	connected := make(chan struct{})
	failed := make(chan struct{})
	var connectedOnce, failedOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectedOnce.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed:
			failedOnce.Do(func() { close(failed) })
		}
	})

	endpoint := url.URL{Scheme: "ws", Host: opts.server, Path: "/ws/" + opts.id}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", endpoint.String(), err)
	}
	defer ws.Close()
	log.Infow("connected to signaling server", "url", endpoint.String())

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	select {
	case <-gatherComplete:
	case <-time.After(5 * time.Second):
		log.Warn("ICE gathering timed out, sending partial offer")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ws.WriteJSON(signaling.SignalingMessage{
		Type:  signaling.MessageTypeOffer,
		Offer: signaling.DescriptionFrom(*pc.LocalDescription()),
	}); err != nil {
		return err
	}

	ended := make(chan struct{})
	go listen(ws, pc, ended)

	select {
	case <-connected:
	case <-failed:
		return fmt.Errorf("peer connection failed")
	case <-ended:
		return fmt.Errorf("signaling ended before the media session started")
	case <-ctx.Done():
		return nil
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go func() {
		if err := track.Stream(streamCtx, source); err != nil && streamCtx.Err() == nil {
			log.Warnw("streaming stopped", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-ended:
		return nil
	case <-failed:
		return fmt.Errorf("peer connection failed")
	}

	log.Infow("ending track", "frames", track.Sent())
	cancelStream()
	if err := ws.WriteJSON(signaling.SignalingMessage{Type: signaling.MessageTypeEndTrack}); err != nil {
		return err
	}
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		log.Warn("no track_end received")
	}
	return nil
}

// listen applies answers and candidates from the server. ended is closed
// once the server ends the session or the socket closes.
func listen(ws *websocket.Conn, pc *webrtc.PeerConnection, ended chan struct{}) {
	defer close(ended)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warnw("websocket read error", "error", err)
			}
			return
		}
		var message signaling.SignalingMessage
		if err := json.Unmarshal(data, &message); err != nil {
			log.Warnw("invalid message", "error", err)
			continue
		}
		switch message.Type {
		case signaling.MessageTypeAnswer:
			if message.Answer == nil {
				continue
			}
			if err := pc.SetRemoteDescription(message.Answer.SessionDescription()); err != nil {
				log.Errorf("Error setting remote description: %v", err)
			}
		case signaling.MessageTypeCandidate:
			if message.Candidate == nil {
				continue
			}
			if err := pc.AddICECandidate(*message.Candidate); err != nil {
				log.Warnw("adding ICE candidate failed", "error", err)
			}
		case signaling.MessageTypeTrackEnd:
			log.Info("server ended the track")
			return
		case signaling.MessageTypeError:
			log.Warnw("server error", "error", message.Error)
		}
	}
}
