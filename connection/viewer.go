package connection

import (
	"context"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/vmihailenco/msgpack/v5"
)

// Viewer reads label snapshots from one provider.
type Viewer struct {
	ID   peer.ID
	Host host.Host
	Info peer.AddrInfo

	last *Snapshot
}

func CreateAndConnectNewViewer(ctx context.Context, h host.Host, info peer.AddrInfo) (*Viewer, error) {
	if err := h.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", info.ID, err)
	}
	h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	log.Infow("viewer connected", "self", GetHostAddress(h), "provider", info.ID)
	return &Viewer{ID: info.ID, Host: h, Info: info}, nil
}

func (v *Viewer) FetchLabels(ctx context.Context) (Snapshot, error) {
	stream, err := v.Host.NewStream(ctx, v.ID, LabelsProtocol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("opening labels stream: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading labels stream: %w", err)
	}
	var snapshot Snapshot
	if err := msgpack.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decoding labels: %w", err)
	}
	return snapshot, nil
}

// NewLabels fetches a snapshot and returns the labels not present in the
// previous one. Snapshots older than the last seen are ignored.
func (v *Viewer) NewLabels(ctx context.Context) ([]string, error) {
	snapshot, err := v.FetchLabels(ctx)
	if err != nil {
		return nil, err
	}
	if v.last != nil && snapshot.At < v.last.At {
		return nil, nil
	}
	seen := make(map[string]bool)
	if v.last != nil {
		for _, label := range v.last.Labels {
			seen[label] = true
		}
	}
	var added []string
	for _, label := range snapshot.Labels {
		if !seen[label] {
			added = append(added, label)
		}
	}
	v.last = &snapshot
	return added, nil
}
