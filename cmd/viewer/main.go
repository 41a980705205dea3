package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/connection"
)

var log = logging.Logger("viewer")

// viewer discovers livesign servers over mDNS and prints every label they
// recognize.
func main() {
	defaults := config.Default().P2P
	port := flag.Int("port", defaults.Port+1, "libp2p listen port")
	rendezvous := flag.String("rendezvous", defaults.Rendezvous, "mDNS service name")
	interval := flag.Duration("interval", time.Second, "poll interval")
	flag.Parse()
	logging.SetAllLoggers(logging.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := connection.MakeHost(*port, false)
	if err != nil {
		log.Fatal(err)
	}
	defer host.Close()

	peerChan, discovery, err := connection.InitMDNS(host, *rendezvous)
	if err != nil {
		log.Fatal(err)
	}
	defer discovery.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info("Exiting.")
			return
		case info := <-peerChan:
			log.Infow("found peer, connecting", "peer", info.ID)
			viewer, err := connection.CreateAndConnectNewViewer(ctx, host, info)
			if err != nil {
				log.Warnw("connection failed", "peer", info.ID, "error", err)
				continue
			}
			go follow(ctx, viewer, *interval)
		}
	}
}

func follow(ctx context.Context, viewer *connection.Viewer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, err := viewer.NewLabels(ctx)
			if err != nil {
				log.Warnw("fetching labels failed, dropping peer", "peer", viewer.ID, "error", err)
				return
			}
			for _, label := range added {
				log.Infow("new label", "peer", viewer.ID, "label", label)
			}
		}
	}
}
