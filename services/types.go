package services

import (
	"fmt"
	"time"

	"github.com/flashbots/secagg/protocol"
)

// OpenRoundRequest is the body of POST /api/v1/rounds. Durations use Go
// duration syntax ("30s", "2m").
type OpenRoundRequest struct {
	ID                 string `json:"id,omitempty"`
	VectorSize         int    `json:"vector_size"`
	MinParticipants    int    `json:"min_participants"`
	MaxParticipants    int    `json:"max_participants,omitempty"`
	DropoutTolerance   int    `json:"dropout_tolerance"`
	Threshold          int    `json:"threshold,omitempty"`
	RoundTimeout       string `json:"round_timeout,omitempty"`
	JoinWindow         string `json:"join_window,omitempty"`
	SetupTimeout       string `json:"setup_timeout,omitempty"`
	KeyExchangeTimeout string `json:"key_exchange_timeout,omitempty"`
	SubmissionTimeout  string `json:"submission_timeout,omitempty"`
	RecoveryTimeout    string `json:"recovery_timeout,omitempty"`
}

// RoundConfig converts the request, rejecting unparsable durations.
func (r *OpenRoundRequest) RoundConfig() (protocol.RoundConfig, error) {
	cfg := protocol.RoundConfig{
		ID:               protocol.RoundID(r.ID),
		VectorSize:       r.VectorSize,
		MinParticipants:  r.MinParticipants,
		MaxParticipants:  r.MaxParticipants,
		DropoutTolerance: r.DropoutTolerance,
		Threshold:        r.Threshold,
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"round_timeout", r.RoundTimeout, &cfg.RoundTimeout},
		{"join_window", r.JoinWindow, &cfg.JoinWindow},
		{"setup_timeout", r.SetupTimeout, &cfg.SetupTimeout},
		{"key_exchange_timeout", r.KeyExchangeTimeout, &cfg.KeyExchangeTimeout},
		{"submission_timeout", r.SubmissionTimeout, &cfg.SubmissionTimeout},
		{"recovery_timeout", r.RecoveryTimeout, &cfg.RecoveryTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", protocol.ErrInvalidParameters, d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// OpenRoundResponse is returned with 201 Created.
type OpenRoundResponse struct {
	RoundID protocol.RoundID `json:"round_id"`
}

// RoundList is the body of GET /api/v1/rounds.
type RoundList struct {
	Rounds []*protocol.RoundSummary `json:"rounds"`
}

// ErrorResponse carries the protocol error code alongside the message.
type ErrorResponse struct {
	Error string             `json:"error"`
	Code  protocol.ErrorCode `json:"code,omitempty"`
}
