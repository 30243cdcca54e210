package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseTextEncoding(t *testing.T) {
	for p := PhaseSetup; p <= PhaseAborted; p++ {
		text, err := p.MarshalText()
		require.NoError(t, err)

		var decoded Phase
		require.NoError(t, decoded.UnmarshalText(text))
		require.Equal(t, p, decoded)
	}

	var p Phase
	require.ErrorIs(t, p.UnmarshalText([]byte("FINISHED")), ErrMalformedPayload)
	require.ErrorIs(t, p.UnmarshalText([]byte("complete")), ErrMalformedPayload)
}

func TestAgentStateTextEncoding(t *testing.T) {
	for s := StateIdle; s <= StateAborted; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var decoded AgentState
		require.NoError(t, decoded.UnmarshalText(text))
		require.Equal(t, s, decoded)
	}

	var s AgentState
	require.ErrorIs(t, s.UnmarshalText([]byte("UNKNOWN")), ErrMalformedPayload)
}

func TestRoundSummaryDecodesPhase(t *testing.T) {
	data, err := json.Marshal(&RoundSummary{ID: "r1", Phase: PhaseComplete})
	require.NoError(t, err)
	require.Contains(t, string(data), `"phase":"COMPLETE"`)

	var summary RoundSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Equal(t, PhaseComplete, summary.Phase)
	require.Equal(t, RoundID("r1"), summary.ID)

	require.Error(t, json.Unmarshal([]byte(`{"phase":"DONE"}`), &summary))
}
