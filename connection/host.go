package connection

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// MakeHost creates a libp2p host listening on port. Port 0 picks a free
// port.
func MakeHost(port int, localOnly bool) (host.Host, error) {
	ip := "0.0.0.0"
	if localOnly {
		ip = "127.0.0.1"
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", ip, port)))
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, nil
}

// GetHostAddress returns the first listen address of h with its peer id.
func GetHostAddress(h host.Host) string {
	info := AddrInfo(h)
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil || len(addrs) == 0 {
		return h.ID().String()
	}
	return addrs[0].String()
}

// AddrInfo describes how to reach h.
func AddrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

type discoveryNotifee struct {
	self     peer.ID
	PeerChan chan peer.AddrInfo
}

func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.self {
		return
	}
	select {
	case n.PeerChan <- info:
	default:
		log.Debugw("discovery channel full, dropping peer", "peer", info.ID)
	}
}

// InitMDNS announces h on the local network under rendezvous and returns
// the peers found there. Closing the returned service stops discovery.
func InitMDNS(h host.Host, rendezvous string) (<-chan peer.AddrInfo, mdns.Service, error) {
	notifee := &discoveryNotifee{self: h.ID(), PeerChan: make(chan peer.AddrInfo, 16)}
	service := mdns.NewMdnsService(h, rendezvous, notifee)
	if err := service.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start mDNS: %w", err)
	}
	return notifee.PeerChan, service, nil
}
