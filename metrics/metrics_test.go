package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRoundMetricsTrackLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRoundMetrics("secagg", reg)
	require.NoError(t, err)

	m.RoundOpened()
	m.RoundOpened()
	m.RoundOpened()
	require.Equal(t, 3.0, promtest.ToFloat64(m.active))

	m.VectorSubmitted()
	m.VectorSubmitted()
	m.ParticipantDropped()
	m.RecoveryFinished(25 * time.Millisecond)
	m.RoundCompleted(2)
	m.RoundAborted("dropout_exceeded")
	m.RoundAborted("dropout_exceeded")

	require.Equal(t, 3.0, promtest.ToFloat64(m.opened))
	require.Equal(t, 1.0, promtest.ToFloat64(m.completed))
	require.Equal(t, 2.0, promtest.ToFloat64(m.aborted.WithLabelValues("dropout_exceeded")))
	require.Equal(t, 1.0, promtest.ToFloat64(m.dropouts))
	require.Equal(t, 2.0, promtest.ToFloat64(m.submitted))
	require.Equal(t, 0.0, promtest.ToFloat64(m.active))
	require.Equal(t, 1, promtest.CollectAndCount(m.recovery))
}

func TestRoundMetricsRejectDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRoundMetrics("secagg", reg)
	require.NoError(t, err)
	_, err = NewRoundMetrics("secagg", reg)
	require.Error(t, err)
}

func TestMetricsServerExposesRoundMetrics(t *testing.T) {
	srv, err := New("secagg", "")
	require.NoError(t, err)
	srv.Rounds().RoundOpened()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "secagg_rounds_opened_total 1"))
	require.True(t, strings.Contains(string(body), "secagg_active_rounds 1"))
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
