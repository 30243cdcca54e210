// Package common holds the configuration, logging and parsing helpers shared
// by the secagg subcommands.
package common

import (
	"fmt"
	"os"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/transport/tcp"
	"gopkg.in/yaml.v3"
)

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RoundDefaults is the round configuration used by --open-round and as the
// base for rounds opened without overrides.
type RoundDefaults struct {
	VectorSize         int           `yaml:"vector_size"`
	MinParticipants    int           `yaml:"min_participants"`
	MaxParticipants    int           `yaml:"max_participants"`
	DropoutTolerance   int           `yaml:"dropout_tolerance"`
	Threshold          int           `yaml:"threshold"`
	RoundTimeout       time.Duration `yaml:"round_timeout"`
	JoinWindow         time.Duration `yaml:"join_window"`
	KeyExchangeTimeout time.Duration `yaml:"key_exchange_timeout"`
	SubmissionTimeout  time.Duration `yaml:"submission_timeout"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
}

// RoundConfig converts the defaults, leaving the round id to the coordinator.
func (d RoundDefaults) RoundConfig() protocol.RoundConfig {
	return protocol.RoundConfig{
		VectorSize:         d.VectorSize,
		MinParticipants:    d.MinParticipants,
		MaxParticipants:    d.MaxParticipants,
		DropoutTolerance:   d.DropoutTolerance,
		Threshold:          d.Threshold,
		RoundTimeout:       d.RoundTimeout,
		JoinWindow:         d.JoinWindow,
		KeyExchangeTimeout: d.KeyExchangeTimeout,
		SubmissionTimeout:  d.SubmissionTimeout,
		RecoveryTimeout:    d.RecoveryTimeout,
	}
}

// TransportConfig configures the participant-facing TCP listener.
type TransportConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// CoordinatorConfig is the YAML layout of `secagg coordinator --config`.
//
//	log:
//	  level: info
//	  format: text
//	transport:
//	  listen_addr: ":7000"
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	round_defaults:
//	  vector_size: 16
//	  min_participants: 5
//	  dropout_tolerance: 1
//	  round_timeout: 30s
type CoordinatorConfig struct {
	Log           LogConfig       `yaml:"log"`
	Transport     TransportConfig `yaml:"transport"`
	HTTPAddr      string          `yaml:"http_addr"`
	MetricsAddr   string          `yaml:"metrics_addr"`
	EnablePprof   bool            `yaml:"enable_pprof"`
	DrainDuration time.Duration   `yaml:"drain_duration"`
	RoundDefaults RoundDefaults   `yaml:"round_defaults"`
}

// ParticipantConfig is the YAML layout of `secagg participant --config`.
type ParticipantConfig struct {
	Log         LogConfig       `yaml:"log"`
	Coordinator string          `yaml:"coordinator"`
	ID          string          `yaml:"id"`
	Round       string          `yaml:"round"`
	Vector      []int64         `yaml:"vector"`
	DialTimeout time.Duration   `yaml:"dial_timeout"`
	Timeout     time.Duration   `yaml:"timeout"`
	Retry       tcp.RetryPolicy `yaml:"retry"`
}

// DefaultCoordinatorConfig returns the configuration used without --config.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Log:       LogConfig{Level: "info", Format: "text"},
		Transport: TransportConfig{ListenAddr: ":7000"},
		HTTPAddr:  ":8080",
		RoundDefaults: RoundDefaults{
			VectorSize:       16,
			MinParticipants:  3,
			DropoutTolerance: 1,
			RoundTimeout:     protocol.DefaultRoundTimeout,
		},
	}
}

// DefaultParticipantConfig returns the configuration used without --config.
func DefaultParticipantConfig() *ParticipantConfig {
	return &ParticipantConfig{
		Log:         LogConfig{Level: "info", Format: "text"},
		Coordinator: "localhost:7000",
		DialTimeout: 5 * time.Second,
		Timeout:     5 * time.Minute,
		Retry:       tcp.DefaultRetryPolicy(),
	}
}

// LoadCoordinatorConfig reads path over the defaults. An empty path yields the defaults.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	cfg := DefaultCoordinatorConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.RoundDefaults.RoundConfig().WithDefaults().Validate(); err != nil {
		return nil, fmt.Errorf("round_defaults: %w", err)
	}
	return cfg, nil
}

// LoadParticipantConfig reads path over the defaults. An empty path yields the defaults.
func LoadParticipantConfig(path string) (*ParticipantConfig, error) {
	cfg := DefaultParticipantConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
