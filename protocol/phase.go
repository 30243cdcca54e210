package protocol

import (
	"fmt"
	"slices"
)

// Phase is the coordinator-side phase of a round.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseKeyExchange
	PhaseMasking
	PhaseSubmission
	PhaseRecovery
	PhaseAggregation
	PhaseComplete
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseSetup:       "SETUP",
	PhaseKeyExchange: "KEY_EXCHANGE",
	PhaseMasking:     "MASKING",
	PhaseSubmission:  "SUBMISSION",
	PhaseRecovery:    "RECOVERY",
	PhaseAggregation: "AGGREGATION",
	PhaseComplete:    "COMPLETE",
	PhaseAborted:     "ABORTED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	i, err := lookupName(phaseNames[:], text, "phase")
	if err != nil {
		return err
	}
	*p = Phase(i)
	return nil
}

// AgentState is the participant-local mirror of the round phase.
type AgentState int

const (
	StateIdle AgentState = iota
	StateJoining
	StateExchangingKeys
	StateMasking
	StateSubmitting
	StateSubmitted
	StateRecoveredFrom
	StateDone
	StateLeft
	StateAborted
)

var agentStateNames = [...]string{
	StateIdle:           "IDLE",
	StateJoining:        "JOINING",
	StateExchangingKeys: "EXCHANGING_KEYS",
	StateMasking:        "MASKING",
	StateSubmitting:     "SUBMITTING",
	StateSubmitted:      "SUBMITTED",
	StateRecoveredFrom:  "RECOVERED_FROM",
	StateDone:           "DONE",
	StateLeft:           "LEFT",
	StateAborted:        "ABORTED",
}

func (s AgentState) String() string {
	if s < 0 || int(s) >= len(agentStateNames) {
		return "UNKNOWN"
	}
	return agentStateNames[s]
}

func (s AgentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AgentState) UnmarshalText(text []byte) error {
	i, err := lookupName(agentStateNames[:], text, "agent state")
	if err != nil {
		return err
	}
	*s = AgentState(i)
	return nil
}

// Terminal reports whether the agent's round is over.
func (s AgentState) Terminal() bool {
	switch s {
	case StateRecoveredFrom, StateDone, StateLeft, StateAborted:
		return true
	}
	return false
}

// inRound reports whether the agent currently holds round state.
func (s AgentState) inRound() bool {
	return s != StateIdle && !s.Terminal()
}

func lookupName(names []string, text []byte, kind string) (int, error) {
	i := slices.Index(names, string(text))
	if i < 0 {
		return 0, fmt.Errorf("%w: unknown %s %q", ErrMalformedPayload, kind, text)
	}
	return i, nil
}
