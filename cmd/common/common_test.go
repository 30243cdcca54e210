package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCoordinatorConfig(t *testing.T) {
	cfg, err := LoadCoordinatorConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultCoordinatorConfig(), cfg)

	path := writeConfig(t, `
log:
  level: debug
  format: json
transport:
  listen_addr: "127.0.0.1:7100"
  write_timeout: 3s
http_addr: ":8181"
metrics_addr: ":9191"
round_defaults:
  vector_size: 8
  min_participants: 6
  max_participants: 10
  dropout_tolerance: 2
  round_timeout: 1m
  submission_timeout: 20s
`)
	cfg, err = LoadCoordinatorConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "127.0.0.1:7100", cfg.Transport.ListenAddr)
	require.Equal(t, 3*time.Second, cfg.Transport.WriteTimeout)
	require.Equal(t, ":9191", cfg.MetricsAddr)

	round := cfg.RoundDefaults.RoundConfig()
	require.Equal(t, 8, round.VectorSize)
	require.Equal(t, 10, round.MaxParticipants)
	require.Equal(t, time.Minute, round.RoundTimeout)
	require.Equal(t, 20*time.Second, round.SubmissionTimeout)
	require.Empty(t, round.ID)
}

func TestLoadCoordinatorConfigErrors(t *testing.T) {
	_, err := LoadCoordinatorConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadCoordinatorConfig(writeConfig(t, "round_defaults: [1, 2"))
	require.Error(t, err)

	_, err = LoadCoordinatorConfig(writeConfig(t, "round_defaults:\n  vector_size: 0\n"))
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestLoadParticipantConfig(t *testing.T) {
	path := writeConfig(t, `
coordinator: "agg.internal:7000"
id: alice
vector: [1, -2, 3]
retry:
  max_attempts: 9
  initial_backoff: 250ms
`)
	cfg, err := LoadParticipantConfig(path)
	require.NoError(t, err)
	require.Equal(t, "agg.internal:7000", cfg.Coordinator)
	require.Equal(t, "alice", cfg.ID)
	require.Equal(t, []int64{1, -2, 3}, cfg.Vector)
	require.Equal(t, 9, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	require.Equal(t, DefaultParticipantConfig().Retry.MaxBackoff, cfg.Retry.MaxBackoff)
	require.Equal(t, 5*time.Minute, cfg.Timeout)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "round", "r1")
	require.False(t, strings.Contains(buf.String(), "hidden"))
	require.True(t, strings.Contains(buf.String(), `"round":"r1"`))

	_, err = NewLogger(LogConfig{Level: "loud"}, &buf)
	require.Error(t, err)
	_, err = NewLogger(LogConfig{Level: "info", Format: "xml"}, &buf)
	require.Error(t, err)
}

func TestParseVector(t *testing.T) {
	v, err := ParseVector(" 1, -2 ,3,9223372036854775807")
	require.NoError(t, err)
	require.Equal(t, []int64{1, -2, 3, 9223372036854775807}, v)

	for _, bad := range []string{"", "1,,2", "1,x", "99999999999999999999"} {
		_, err := ParseVector(bad)
		require.Error(t, err, bad)
	}
}
