package config

import (
	"errors"
	"fmt"
)

// Validate checks the settings that would otherwise fail later at
// connection time.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.PingPeriod >= c.Server.PongWait {
		errs = append(errs, fmt.Errorf("server.ping_period (%s) must be shorter than server.pong_wait (%s)", c.Server.PingPeriod, c.Server.PongWait))
	}
	if c.Server.SendQueue <= 0 {
		errs = append(errs, errors.New("server.send_queue must be positive"))
	}

	if c.Buffer.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity))
	}
	if c.Buffer.Retention <= 0 || c.Buffer.Retention > c.Buffer.Capacity {
		errs = append(errs, fmt.Errorf("buffer.retention must be in [1, %d], got %d", c.Buffer.Capacity, c.Buffer.Retention))
	}

	if c.Cascade.BatchSize <= 0 || c.Cascade.BatchSize > c.Buffer.Capacity {
		errs = append(errs, fmt.Errorf("cascade.batch_size must be in [1, %d], got %d", c.Buffer.Capacity, c.Cascade.BatchSize))
	}
	if c.Cascade.Threshold < 0 || c.Cascade.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("cascade.threshold must be in [0, 1), got %v", c.Cascade.Threshold))
	}
	if c.Cascade.MaxTracks <= 0 {
		errs = append(errs, errors.New("cascade.max_tracks must be positive"))
	}
	if c.Cascade.QueueSize <= 0 {
		errs = append(errs, errors.New("cascade.queue_size must be positive"))
	}
	if c.Cascade.Timeout <= 0 {
		errs = append(errs, errors.New("cascade.timeout must be positive"))
	}
	if c.Cascade.MaxMisses < 0 {
		errs = append(errs, errors.New("cascade.max_misses must not be negative"))
	}

	if c.Models.Recognizer.Frames != 0 && c.Models.Recognizer.Frames != c.Cascade.BatchSize {
		errs = append(errs, fmt.Errorf("models.recognizer.frames (%d) must match cascade.batch_size (%d)", c.Models.Recognizer.Frames, c.Cascade.BatchSize))
	}

	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required when mqtt.broker is set"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.P2P.Enabled && c.P2P.Rendezvous == "" {
		errs = append(errs, errors.New("p2p.rendezvous is required when p2p is enabled"))
	}

	return errors.Join(errs...)
}
