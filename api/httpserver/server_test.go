package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flashbots/secagg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "pong")
	})
}

func getStatus(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body["status"]
}

func TestHealthAndDrain(t *testing.T) {
	srv, err := New(&HTTPServerConfig{}, pingRoutes{})
	require.NoError(t, err)
	h := srv.Handler()

	code, status := getStatus(t, h, "/livez")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "alive", status)

	code, status = getStatus(t, h, "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", status)

	_, status = getStatus(t, h, "/drain")
	require.Equal(t, "draining", status)
	require.False(t, srv.Ready())

	_, status = getStatus(t, h, "/drain")
	require.Equal(t, "already draining", status)

	code, status = getStatus(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not ready", status)

	_, status = getStatus(t, h, "/undrain")
	require.Equal(t, "ready", status)
	_, status = getStatus(t, h, "/undrain")
	require.Equal(t, "already ready", status)
	require.True(t, srv.Ready())
}

func TestRegistrarRoutes(t *testing.T) {
	srv, err := New(&HTTPServerConfig{}, pingRoutes{})
	require.NoError(t, err)

	code, status := getStatus(t, srv.Handler(), "/ping")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pong", status)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPprofEnabled(t *testing.T) {
	srv, err := New(&HTTPServerConfig{EnablePprof: true})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsNamespace(t *testing.T) {
	srv, err := New(&HTTPServerConfig{MetricsNamespace: "custom"})
	require.NoError(t, err)
	srv.Metrics().Rounds().RoundOpened()

	families, err := srv.Metrics().Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["custom_rounds_opened_total"])
}

func TestReusesMetricsServer(t *testing.T) {
	m, err := metrics.New("shared", "")
	require.NoError(t, err)

	srv, err := New(&HTTPServerConfig{Metrics: m})
	require.NoError(t, err)
	require.Same(t, m, srv.Metrics())
}
