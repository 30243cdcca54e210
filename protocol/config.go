package protocol

import (
	"fmt"
	"time"

	"github.com/flashbots/secagg/masking"
	"github.com/flashbots/secagg/shamir"
)

// RoundConfig provides the parameters of one aggregation round.
type RoundConfig struct {
	// ID identifies the round. Generated by the coordinator when empty.
	ID RoundID `json:"id,omitempty"`

	// VectorSize is the number of elements in every private vector.
	VectorSize int `json:"vector_size"`

	// MinParticipants is the number of joins that opens key exchange.
	MinParticipants int `json:"min_participants"`

	// MaxParticipants caps admission. Zero means MinParticipants.
	MaxParticipants int `json:"max_participants"`

	// DropoutTolerance is the number of admitted participants the round may lose.
	DropoutTolerance int `json:"dropout_tolerance"`

	// Threshold is the number of shares needed to reconstruct a masking key.
	// Zero means admitted count minus DropoutTolerance.
	Threshold int `json:"threshold"`

	// RoundTimeout is the default deadline of every phase.
	RoundTimeout time.Duration `json:"round_timeout"`

	// JoinWindow keeps SETUP open after quorum to admit up to MaxParticipants.
	JoinWindow time.Duration `json:"join_window"`

	// Per-phase deadlines. Zero falls back to RoundTimeout.
	SetupTimeout       time.Duration `json:"setup_timeout,omitempty"`
	KeyExchangeTimeout time.Duration `json:"key_exchange_timeout,omitempty"`
	SubmissionTimeout  time.Duration `json:"submission_timeout,omitempty"`
	RecoveryTimeout    time.Duration `json:"recovery_timeout,omitempty"`
}

// DefaultRoundTimeout applies when a config leaves RoundTimeout unset.
const DefaultRoundTimeout = 30 * time.Second

// WithDefaults returns a copy with zero values filled in.
func (c RoundConfig) WithDefaults() RoundConfig {
	if c.MaxParticipants == 0 {
		c.MaxParticipants = c.MinParticipants
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	return c
}

// Validate checks the configuration without mutating it. Defaults must be applied first.
func (c RoundConfig) Validate() error {
	switch {
	case c.VectorSize <= 0 || c.VectorSize > masking.MaxMaskLength:
		return paramErrorf("vector size %d out of range (1..%d)", c.VectorSize, masking.MaxMaskLength)
	case c.MinParticipants < 2:
		return paramErrorf("min participants %d < 2", c.MinParticipants)
	case c.MaxParticipants < c.MinParticipants:
		return paramErrorf("max participants %d < min participants %d", c.MaxParticipants, c.MinParticipants)
	case c.MaxParticipants > shamir.MaxShares:
		return paramErrorf("max participants %d > %d", c.MaxParticipants, shamir.MaxShares)
	case c.DropoutTolerance < 0:
		return paramErrorf("negative dropout tolerance %d", c.DropoutTolerance)
	case c.MinParticipants-c.DropoutTolerance < 2:
		return paramErrorf("dropout tolerance %d leaves fewer than 2 of %d participants",
			c.DropoutTolerance, c.MinParticipants)
	case c.Threshold != 0 && (c.Threshold < 2 || c.Threshold > c.MinParticipants-c.DropoutTolerance):
		return paramErrorf("threshold %d outside 2..%d", c.Threshold, c.MinParticipants-c.DropoutTolerance)
	case c.RoundTimeout <= 0:
		return paramErrorf("round timeout must be positive")
	case c.JoinWindow < 0 || c.SetupTimeout < 0 || c.KeyExchangeTimeout < 0 ||
		c.SubmissionTimeout < 0 || c.RecoveryTimeout < 0:
		return paramErrorf("negative timeout")
	}
	return nil
}

// thresholdFor returns the reconstruction threshold for n admitted participants.
func (c RoundConfig) thresholdFor(n int) int {
	if c.Threshold != 0 {
		return c.Threshold
	}
	return n - c.DropoutTolerance
}

// timeoutFor returns the deadline length of phase.
func (c RoundConfig) timeoutFor(p Phase) time.Duration {
	var d time.Duration
	switch p {
	case PhaseSetup:
		d = c.SetupTimeout
	case PhaseKeyExchange:
		d = c.KeyExchangeTimeout
	case PhaseMasking, PhaseSubmission:
		d = c.SubmissionTimeout
	case PhaseRecovery:
		d = c.RecoveryTimeout
	}
	if d == 0 {
		d = c.RoundTimeout
	}
	return d
}

// AgentConfig configures a ParticipantAgent.
type AgentConfig struct {
	// ID is the participant identifier announced in every message.
	ID ParticipantID

	// SendTimeout bounds each transport send. Defaults to 10s.
	SendTimeout time.Duration

	// ReconnectTimeout bounds a background reconnection attempt. Defaults to one minute.
	ReconnectTimeout time.Duration
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = time.Minute
	}
	return c
}

// CoordinatorConfig configures a ProtocolCoordinator.
type CoordinatorConfig struct {
	// SendTimeout bounds each transport send. Defaults to 10s.
	SendTimeout time.Duration

	// EventBuffer is the per-round event queue capacity. Defaults to 256.
	EventBuffer int

	// OnResult is called from the round goroutine when a round completes.
	OnResult func(*AggregationResult)
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	return c
}

func paramErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidParameters}, args...)...)
}
