package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/cascade"
	"strzcam.com/livesign/cascade/onnx"
	"strzcam.com/livesign/cascade/opencv"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/connection"
	"strzcam.com/livesign/dispatcher"
	"strzcam.com/livesign/emitter"
	"strzcam.com/livesign/labels"
	"strzcam.com/livesign/repository/sqlite"
	"strzcam.com/livesign/server"
	"strzcam.com/livesign/signaling"
	"strzcam.com/livesign/watcher"
	"strzcam.com/livesign/web_rtc"
)

var log = logging.Logger("livesign")

func main() {
	configPath := flag.String("config", os.Getenv("LIVESIGN_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	level, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Log.Level)
		level = logging.LevelInfo
	}
	logging.SetAllLoggers(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	vocabulary, err := watcher.LoadVocabulary(cfg.Models.Vocabulary)
	if err != nil {
		return err
	}
	if cfg.Models.WatchVocabulary {
		go func() {
			if err := vocabulary.Watch(ctx); err != nil {
				log.Warnw("vocabulary watcher stopped", "error", err)
			}
		}()
	}

	detector, err := opencv.NewDetector(opencv.Config{
		Model:       cfg.Models.Detector.Model,
		Config:      cfg.Models.Detector.Config,
		InputWidth:  cfg.Models.Detector.InputWidth,
		InputHeight: cfg.Models.Detector.InputHeight,
		Confidence:  cfg.Models.Detector.Confidence,
	})
	if err != nil {
		return err
	}
	defer detector.Close()

	if err := onnx.Initialize(cfg.Models.Recognizer.Library); err != nil {
		return err
	}
	defer onnx.Shutdown()
	recognizer, err := onnx.NewRecognizer(onnx.Config{
		Model:          cfg.Models.Recognizer.Model,
		Input:          cfg.Models.Recognizer.Input,
		Output:         cfg.Models.Recognizer.Output,
		Frames:         cfg.Models.Recognizer.Frames,
		Size:           cfg.Models.Recognizer.Size,
		Classes:        cfg.Models.Recognizer.Classes,
		PoolSize:       cfg.Models.Recognizer.PoolSize,
		AcquireTimeout: cfg.Models.Recognizer.AcquireTimeout,
		Softmax:        cfg.Models.Recognizer.Softmax,
	})
	if err != nil {
		return err
	}
	defer recognizer.Close()

	var recorders labels.Recorders
	if cfg.Store.SQLitePath != "" {
		db, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		recorders = append(recorders, sqlite.NewLabelRepository(db))
		log.Infow("recording labels", "sqlite", cfg.Store.SQLitePath)
	}
	if cfg.MQTT.Broker != "" {
		mqttEmitter := emitter.NewMQTTEmitter(cfg.MQTT)
		if err := mqttEmitter.Connect(ctx); err != nil {
			// the client keeps retrying in the background
			log.Warnw("mqtt broker not reachable yet", "broker", cfg.MQTT.Broker, "error", err)
		}
		defer mqttEmitter.Disconnect()
		recorders = append(recorders, mqttEmitter)
	}

	peers, err := web_rtc.NewPeerFactory(web_rtc.ConfigFrom(cfg.WebRTC))
	if err != nil {
		return err
	}

	opts := signaling.Options{
		BufferCapacity:  cfg.Buffer.Capacity,
		BufferRetention: cfg.Buffer.Retention,
		Dispatch: dispatcher.Config{
			BatchSize: cfg.Cascade.BatchSize,
			QueueSize: cfg.Cascade.QueueSize,
			Timeout:   cfg.Cascade.Timeout,
		},
		Peers: peers,
		NewRunner: func(id string) dispatcher.Runner {
			tracker := cascade.NewIOUTracker(cascade.TrackerConfig{
				ScoreThreshold: cfg.Cascade.ScoreThreshold,
				IOUThreshold:   cfg.Cascade.IOUThreshold,
				MaxMisses:      cfg.Cascade.MaxMisses,
			})
			return cascade.New(cascade.Config{
				Threshold: cfg.Cascade.Threshold,
				MaxTracks: cfg.Cascade.MaxTracks,
			}, detector, tracker, recognizer, vocabulary)
		},
	}
	if len(recorders) > 0 {
		opts.Recorder = recorders
	}
	registry := signaling.NewRegistry(opts)
	// Runs before the model and recorder defers above.
	defer registry.CloseAll()

	if cfg.P2P.Enabled {
		stopP2P, err := startLabelFeed(ctx, cfg.P2P, registry.Labels())
		if err != nil {
			return err
		}
		defer stopP2P()
	}

	srv := server.New(cfg.Server, registry)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown", "error", err)
	}
	return nil
}

// startLabelFeed serves the process wide labels over libp2p and connects
// to every peer found through mDNS.
func startLabelFeed(ctx context.Context, cfg config.P2PConfig, source connection.LabelSource) (func(), error) {
	h, err := connection.MakeHost(cfg.Port, false)
	if err != nil {
		return nil, err
	}
	provider := connection.NewProvider(h, source)
	provider.StartListening()
	if err := provider.HandleConnectedPeers(ctx); err != nil {
		h.Close()
		return nil, err
	}
	peerChan, discovery, err := connection.InitMDNS(h, cfg.Rendezvous)
	if err != nil {
		h.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case info := <-peerChan:
				log.Infow("found peer, connecting", "peer", info.ID)
				if err := h.Connect(ctx, info); err != nil {
					log.Debugw("connecting to peer failed", "peer", info.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		discovery.Close()
		provider.StopListening()
		h.Close()
	}, nil
}
