package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/protocol"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDemoRecoversDroppedParticipant(t *testing.T) {
	var out bytes.Buffer
	result, err := runDemo(context.Background(), demoOptions{
		Participants: 5,
		VectorSize:   3,
		Tolerance:    1,
		Drop:         1,
		Timeout:      5 * time.Second,
	}, &out, discardLogger())
	require.NoError(t, err)

	// Survivors 0..3 contribute (i+1)*(j+1): 10, 20, 30.
	require.Equal(t, []int64{10, 20, 30}, result.AggregatedVector)
	require.Equal(t, 4, result.ContributorCount)
	require.Equal(t, []protocol.ParticipantID{"participant-05"}, result.RecoveredParticipantIDs)
	require.Contains(t, out.String(), "participant-05 leaves after key exchange")
}

func TestDemoAbortsBeyondTolerance(t *testing.T) {
	_, err := runDemo(context.Background(), demoOptions{
		Participants: 5,
		VectorSize:   2,
		Tolerance:    1,
		Drop:         2,
		Timeout:      5 * time.Second,
	}, io.Discard, discardLogger())
	require.ErrorIs(t, err, protocol.ErrDropoutExceeded)
}

func TestDemoRejectsBadOptions(t *testing.T) {
	_, err := runDemo(context.Background(), demoOptions{Participants: 3, VectorSize: 2, Drop: 3, Timeout: time.Second}, io.Discard, discardLogger())
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)

	_, err = runDemo(context.Background(), demoOptions{Participants: 1, VectorSize: 2, Timeout: time.Second}, io.Discard, discardLogger())
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestDemoCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"demo", "--participants", "3", "--vector-size", "2", "--tolerance", "0", "--drop", "0"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, strings.Contains(out.String(), "aggregate [6 12] from 3 contributors"))
}

func TestParticipantRequiresIDAndVector(t *testing.T) {
	cfg := common.DefaultParticipantConfig()
	err := runParticipant(context.Background(), cfg, io.Discard, io.Discard)
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)

	cfg.ID = "alice"
	err = runParticipant(context.Background(), cfg, io.Discard, io.Discard)
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestParticipantCommandRejectsBadVector(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"participant", "--id", "alice", "--vector", "1,two"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "--vector")
}
