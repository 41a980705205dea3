package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var log = logging.Logger("config")

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	WebRTC  WebRTCConfig  `yaml:"webrtc"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Cascade CascadeConfig `yaml:"cascade"`
	Models  ModelsConfig  `yaml:"models"`
	Store   StoreConfig   `yaml:"store"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	P2P     P2PConfig     `yaml:"p2p"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig covers the HTTP listener and the websocket pumps.
type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	ReadLimit  int64         `yaml:"read_limit"`
	PongWait   time.Duration `yaml:"pong_wait"`
	PingPeriod time.Duration `yaml:"ping_period"`
	WriteWait  time.Duration `yaml:"write_wait"`
	SendQueue  int           `yaml:"send_queue"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type WebRTCConfig struct {
	ICEServers       []ICEServer   `yaml:"ice_servers"`
	GatherTimeout    time.Duration `yaml:"gather_timeout"`
	KeyframeInterval time.Duration `yaml:"keyframe_interval"` // how often a PLI is sent to the peer
	ProcessedTrack   bool          `yaml:"processed_track"`
}

type BufferConfig struct {
	Capacity  int `yaml:"capacity"`
	Retention int `yaml:"retention"` // frames kept after a batch was extracted
}

type CascadeConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	Threshold      float64       `yaml:"threshold"`
	MaxTracks      int           `yaml:"max_tracks"`
	QueueSize      int           `yaml:"queue_size"`
	Timeout        time.Duration `yaml:"timeout"`
	ScoreThreshold float64       `yaml:"score_threshold"`
	IOUThreshold   float64       `yaml:"iou_threshold"`
	MaxMisses      int           `yaml:"max_misses"`
}

type DetectorConfig struct {
	Model       string  `yaml:"model"`
	Config      string  `yaml:"config"`
	InputWidth  int     `yaml:"input_width"`
	InputHeight int     `yaml:"input_height"`
	Confidence  float64 `yaml:"confidence"`
}

type RecognizerConfig struct {
	Model          string        `yaml:"model"`
	Library        string        `yaml:"library"`
	Input          string        `yaml:"input"`
	Output         string        `yaml:"output"`
	Frames         int           `yaml:"frames"`
	Size           int           `yaml:"size"`
	Classes        int           `yaml:"classes"`
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	Softmax        bool          `yaml:"softmax"`
}

type ModelsConfig struct {
	Detector        DetectorConfig   `yaml:"detector"`
	Recognizer      RecognizerConfig `yaml:"recognizer"`
	Vocabulary      string           `yaml:"vocabulary"`
	WatchVocabulary bool             `yaml:"watch_vocabulary"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

type P2PConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	Rendezvous string `yaml:"rendezvous"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8000",
			ReadLimit:  65536,
			PongWait:   60 * time.Second,
			PingPeriod: 54 * time.Second,
			WriteWait:  10 * time.Second,
			SendQueue:  16,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			GatherTimeout:    5 * time.Second,
			KeyframeInterval: 100 * time.Millisecond,
			ProcessedTrack:   true,
		},
		Buffer: BufferConfig{
			Capacity:  64,
			Retention: 16,
		},
		Cascade: CascadeConfig{
			BatchSize:      16,
			Threshold:      0.8,
			MaxTracks:      10,
			QueueSize:      2,
			Timeout:        2 * time.Second,
			ScoreThreshold: 0.4,
			IOUThreshold:   0.3,
			MaxMisses:      5,
		},
		Models: ModelsConfig{
			Detector: DetectorConfig{
				Model:       "intel/person-detection-asl-0001/FP16/person-detection-asl-0001.xml",
				Config:      "intel/person-detection-asl-0001/FP16/person-detection-asl-0001.bin",
				InputWidth:  320,
				InputHeight: 320,
				Confidence:  0.4,
			},
			Recognizer: RecognizerConfig{
				Model:          "intel/asl-recognition-0004/asl-recognition-0004.onnx",
				Library:        "/usr/lib/libonnxruntime.so",
				Input:          "input",
				Output:         "output",
				Frames:         16,
				Size:           224,
				Classes:        100,
				PoolSize:       2,
				AcquireTimeout: time.Second,
			},
			Vocabulary:      "intel/msasl100.json",
			WatchVocabulary: true,
		},
		MQTT: MQTTConfig{
			Topic:    "livesign/labels",
			ClientID: "livesign",
		},
		P2P: P2PConfig{
			Port:       10000,
			Rendezvous: "livesign-labels",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Error loading .env file: %v", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("LISTEN_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Models.Detector.Model = getEnv("DETECTOR_MODEL", c.Models.Detector.Model)
	c.Models.Detector.Config = getEnv("DETECTOR_CONFIG", c.Models.Detector.Config)
	c.Models.Recognizer.Model = getEnv("RECOGNIZER_MODEL", c.Models.Recognizer.Model)
	c.Models.Recognizer.Library = getEnv("ONNXRUNTIME_LIB", c.Models.Recognizer.Library)
	c.Models.Vocabulary = getEnv("VOCABULARY_PATH", c.Models.Vocabulary)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.P2P.Enabled = getEnvAsBool("P2P_ENABLED", c.P2P.Enabled)
	c.Cascade.Threshold = getEnvAsFloat("ACTION_THRESHOLD", c.Cascade.Threshold)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, value, err)
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, value, err)
		return fallback
	}
	return parsed
}
