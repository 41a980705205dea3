package connection

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/vmihailenco/msgpack/v5"
)

var log = logging.Logger("connection")

const LabelsProtocol protocol.ID = "/live-labels/1.0.0"

// Snapshot is the payload of one labels stream.
type Snapshot struct {
	Labels []string `msgpack:"labels"`
	At     int64    `msgpack:"at"`
}

func (s Snapshot) Time() time.Time {
	return time.Unix(s.At, 0)
}

// LabelSource is anything that can list the current labels.
type LabelSource interface {
	Snapshot() []string
}

// Provider serves label snapshots to peers that open a labels stream.
type Provider struct {
	host   host.Host
	source LabelSource
	now    func() time.Time
}

func NewProvider(h host.Host, source LabelSource) *Provider {
	return &Provider{host: h, source: source, now: time.Now}
}

func (p *Provider) HandleConnectedPeers(ctx context.Context) error {
	subscription, err := p.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}
	go func() {
		defer subscription.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-subscription.Out():
				if !ok {
					return
				}
				connectEvent := evt.(event.EvtPeerConnectednessChanged)
				switch connectEvent.Connectedness {
				case network.Connected:
					log.Infow("peer connected", "peer", connectEvent.Peer)
				case network.NotConnected:
					log.Infow("peer disconnected", "peer", connectEvent.Peer)
				}
			}
		}
	}()
	return nil
}

func (p *Provider) StartListening() {
	log.Infow("serving labels", "address", GetHostAddress(p.host), "protocol", LabelsProtocol)
	p.host.SetStreamHandler(LabelsProtocol, p.handleStream)
}

func (p *Provider) StopListening() {
	p.host.RemoveStreamHandler(LabelsProtocol)
}

func (p *Provider) handleStream(stream network.Stream) {
	defer stream.Close()
	snapshot := Snapshot{Labels: p.source.Snapshot(), At: p.now().Unix()}
	if err := msgpack.NewEncoder(stream).Encode(snapshot); err != nil {
		log.Warnw("writing labels failed", "peer", stream.Conn().RemotePeer(), "error", err)
		stream.Reset()
	}
}
