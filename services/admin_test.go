package services_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
	"github.com/flashbots/secagg/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newAdminServer(t *testing.T, cluster *testutil.Cluster) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	services.NewAdminAPI(cluster.Coordinator, services.AdminConfig{}, testutil.NewLogger(t)).RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func openRound(t *testing.T, ts *httptest.Server, req *services.OpenRoundRequest) protocol.RoundID {
	t.Helper()
	var resp services.OpenRoundResponse
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, ts.URL+"/api/v1/rounds", req, &resp))
	require.NotEmpty(t, resp.RoundID)
	return resp.RoundID
}

func TestAdminRoundLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cluster := testutil.NewCluster(t, 5)
	ts := newAdminServer(t, cluster)
	vectors := testutil.SequentialVectors(5, 3)

	roundID := openRound(t, ts, &services.OpenRoundRequest{
		ID:               "admin-round",
		VectorSize:       3,
		MinParticipants:  5,
		DropoutTolerance: 1,
		RoundTimeout:     "5s",
	})
	require.Equal(t, protocol.RoundID("admin-round"), roundID)

	var errResp services.ErrorResponse
	require.Equal(t, http.StatusConflict, do(t, http.MethodGet, ts.URL+"/api/v1/rounds/admin-round/result", nil, &errResp))
	require.Empty(t, errResp.Code)

	cluster.JoinAll(t, ctx, roundID)
	for i := range cluster.Agents {
		cluster.AwaitState(t, i, protocol.StateSubmitting)
	}
	cluster.SubmitAll(t, ctx, vectors)
	_, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)

	var summary protocol.RoundSummary
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/api/v1/rounds/admin-round", nil, &summary))
	require.Equal(t, protocol.PhaseComplete, summary.Phase)
	require.Equal(t, 5*time.Second, summary.Config.RoundTimeout)
	require.Len(t, summary.Submitted, 5)

	var result protocol.AggregationResult
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/api/v1/rounds/admin-round/result", nil, &result))
	require.Equal(t, testutil.SumVectors(vectors), result.AggregatedVector)
	require.Equal(t, 5, result.ContributorCount)

	var list services.RoundList
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/api/v1/rounds", nil, &list))
	require.Len(t, list.Rounds, 1)
	require.Equal(t, roundID, list.Rounds[0].ID)
}

func TestAdminAbortRound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cluster := testutil.NewCluster(t, 3)
	ts := newAdminServer(t, cluster)

	roundID := openRound(t, ts, &services.OpenRoundRequest{
		VectorSize:       2,
		MinParticipants:  3,
		DropoutTolerance: 1,
		JoinWindow:       "1m",
	})

	require.Equal(t, http.StatusAccepted, do(t, http.MethodDelete, ts.URL+"/api/v1/rounds/"+string(roundID), nil, nil))
	summary, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseAborted, summary.Phase)

	var errResp services.ErrorResponse
	require.Equal(t, http.StatusConflict, do(t, http.MethodGet, ts.URL+"/api/v1/rounds/"+string(roundID)+"/result", nil, &errResp))
	require.Equal(t, protocol.CodeRoundAborted, errResp.Code)

	errResp = services.ErrorResponse{}
	require.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, ts.URL+"/api/v1/rounds/"+string(roundID), nil, &errResp))
	require.Equal(t, protocol.CodeUnknownRound, errResp.Code)
}

func TestAdminRejectsBadRequests(t *testing.T) {
	cluster := testutil.NewCluster(t, 2)
	ts := newAdminServer(t, cluster)

	tests := []struct {
		name string
		body any
	}{
		{"not json", "definitely not a round"},
		{"unknown field", map[string]any{"vector_size": 2, "min_participants": 2, "colour": "blue"}},
		{"bad duration", &services.OpenRoundRequest{VectorSize: 2, MinParticipants: 2, RoundTimeout: "soon"}},
		{"invalid config", &services.OpenRoundRequest{VectorSize: 0, MinParticipants: 2}},
		{"tolerance too high", &services.OpenRoundRequest{VectorSize: 2, MinParticipants: 2, DropoutTolerance: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp services.ErrorResponse
			require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, ts.URL+"/api/v1/rounds", tt.body, &errResp))
			require.NotEmpty(t, errResp.Error)
		})
	}

	var errResp services.ErrorResponse
	require.Equal(t, http.StatusNotFound, do(t, http.MethodGet, ts.URL+"/api/v1/rounds/missing", nil, &errResp))
	require.Equal(t, protocol.CodeUnknownRound, errResp.Code)
	require.Equal(t, http.StatusNotFound, do(t, http.MethodGet, ts.URL+"/api/v1/rounds/missing/result", nil, nil))
}

func TestAdminDuplicateRoundID(t *testing.T) {
	cluster := testutil.NewCluster(t, 2)
	ts := newAdminServer(t, cluster)

	req := &services.OpenRoundRequest{ID: "twice", VectorSize: 2, MinParticipants: 2, JoinWindow: "1m"}
	openRound(t, ts, req)
	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, ts.URL+"/api/v1/rounds", req, nil))
}

func TestAdminCORSPreflight(t *testing.T) {
	cluster := testutil.NewCluster(t, 2)
	ts := newAdminServer(t, cluster)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/rounds", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOpenRoundRequestDurations(t *testing.T) {
	req := &services.OpenRoundRequest{
		VectorSize:        4,
		MinParticipants:   3,
		RoundTimeout:      "2m",
		SubmissionTimeout: "1500ms",
		RecoveryTimeout:   "10s",
	}
	cfg, err := req.RoundConfig()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, cfg.RoundTimeout)
	require.Equal(t, 1500*time.Millisecond, cfg.SubmissionTimeout)
	require.Equal(t, 10*time.Second, cfg.RecoveryTimeout)
	require.Zero(t, cfg.JoinWindow)

	req.KeyExchangeTimeout = "-"
	_, err = req.RoundConfig()
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)
}
