// Package model defines the configuration loaded from configs/config.yml and
// the JSON messages exchanged with the remote operator.
package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the root structure loaded from configs/config.yml.
type Config struct {
	Serial       SerialConfig       `yaml:"serial"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Journal      JournalConfig      `yaml:"journal"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Commands     CommandsConfig     `yaml:"commands"`
	KeepDistance KeepDistanceConfig `yaml:"keep_distance"`
	FollowLine   FollowLineConfig   `yaml:"follow_line"`
	Log          LogConfig          `yaml:"log"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
}

// SerialConfig selects the controller port. An empty Device means the first
// port whose name matches Pattern.
type SerialConfig struct {
	Device  string `yaml:"device"`
	Pattern string `yaml:"pattern"`
	Baud    int    `yaml:"baud"`
}

// GatewayConfig is the operator websocket listener.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// JournalConfig locates the control-event journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig tunes distance filtering.
type TelemetryConfig struct {
	Window      int `yaml:"window"`
	FreshnessMs int `yaml:"freshness_ms"`
}

// CommandsConfig sizes the command queue.
type CommandsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// KeepDistanceConfig tunes the distance-holding PID. Drive values are
// fractions of full motor duty.
type KeepDistanceConfig struct {
	SetpointCm float64 `yaml:"setpoint_cm"`
	Kp         float64 `yaml:"kp"`
	Ki         float64 `yaml:"ki"`
	Kd         float64 `yaml:"kd"`
	IntMin     float64 `yaml:"int_min"`
	IntMax     float64 `yaml:"int_max"`
	MinDrive   float64 `yaml:"min_drive"`
	MaxDrive   float64 `yaml:"max_drive"`
	DeadbandCm float64 `yaml:"deadband_cm"`
}

// FollowLineConfig scales the line-follower duties.
type FollowLineConfig struct {
	Speed float64 `yaml:"speed"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ShutdownConfig bounds how long the final reset may take to leave.
type ShutdownConfig struct {
	DrainMs int `yaml:"drain_ms"`
}

// LoadConfig reads path and fills defaults. An empty path yields defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every zero field.
func (c *Config) ApplyDefaults() {
	if c.Serial.Pattern == "" {
		c.Serial.Pattern = "ttyACM*"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":9001"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "tmp/roland.db"
	}
	if c.Telemetry.Window == 0 {
		c.Telemetry.Window = 4
	}
	if c.Telemetry.FreshnessMs == 0 {
		c.Telemetry.FreshnessMs = 100
	}
	if c.Commands.QueueSize == 0 {
		c.Commands.QueueSize = 32
	}

	kd := &c.KeepDistance
	if kd.SetpointCm == 0 {
		kd.SetpointCm = 20
	}
	if kd.Kp == 0 && kd.Ki == 0 && kd.Kd == 0 {
		kd.Kp, kd.Ki, kd.Kd = 0.03, 0.005, 0.002
	}
	if kd.IntMin == 0 && kd.IntMax == 0 {
		kd.IntMin, kd.IntMax = -20, 20
	}
	if kd.MinDrive == 0 {
		kd.MinDrive = 0.25
	}
	if kd.MaxDrive == 0 {
		kd.MaxDrive = 0.6
	}
	if kd.DeadbandCm == 0 {
		kd.DeadbandCm = 1
	}

	if c.FollowLine.Speed == 0 {
		c.FollowLine.Speed = 0.5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Shutdown.DrainMs == 0 {
		c.Shutdown.DrainMs = 500
	}
}

// Validate rejects values the control loops cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Telemetry.Window < 1:
		return fmt.Errorf("telemetry.window must be positive, got %d", c.Telemetry.Window)
	case c.Commands.QueueSize < 1:
		return fmt.Errorf("commands.queue_size must be positive, got %d", c.Commands.QueueSize)
	case c.KeepDistance.MaxDrive <= 0 || c.KeepDistance.MaxDrive > 1:
		return fmt.Errorf("keep_distance.max_drive must be in (0,1], got %v", c.KeepDistance.MaxDrive)
	case c.KeepDistance.MinDrive < 0 || c.KeepDistance.MinDrive > c.KeepDistance.MaxDrive:
		return fmt.Errorf("keep_distance.min_drive must be in [0,max_drive], got %v", c.KeepDistance.MinDrive)
	case c.FollowLine.Speed <= 0 || c.FollowLine.Speed > 1:
		return fmt.Errorf("follow_line.speed must be in (0,1], got %v", c.FollowLine.Speed)
	}
	return nil
}

// Freshness is how long a distance reading stays usable.
func (c *Config) Freshness() time.Duration {
	return time.Duration(c.Telemetry.FreshnessMs) * time.Millisecond
}

// DrainTimeout bounds the wait for the final reset.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Shutdown.DrainMs) * time.Millisecond
}
