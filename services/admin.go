package services

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RoundCoordinator is the part of *protocol.Coordinator the admin API drives.
type RoundCoordinator interface {
	OpenRound(cfg protocol.RoundConfig) (protocol.RoundID, error)
	AbortRound(id protocol.RoundID) error
	Round(id protocol.RoundID) (*protocol.RoundSummary, bool)
	Rounds() []*protocol.RoundSummary
	Result(id protocol.RoundID) (*protocol.AggregationResult, error)
}

var _ RoundCoordinator = (*protocol.Coordinator)(nil)

// AdminConfig configures the admin API.
type AdminConfig struct {
	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string

	// RequestTimeout bounds each request. Defaults to 30s.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// AdminAPI exposes round management over HTTP.
type AdminAPI struct {
	coordinator RoundCoordinator
	cfg         AdminConfig
	log         *slog.Logger
}

// NewAdminAPI creates the admin API. A nil logger disables logging.
func NewAdminAPI(coordinator RoundCoordinator, cfg AdminConfig, log *slog.Logger) *AdminAPI {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AdminAPI{coordinator: coordinator, cfg: cfg, log: log}
}

// RegisterRoutes mounts the API under /api/v1.
func (a *AdminAPI) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Use(middleware.Timeout(a.cfg.RequestTimeout))

		r.Post("/rounds", a.handleOpenRound)
		r.Get("/rounds", a.handleListRounds)
		r.Get("/rounds/{round_id}", a.handleGetRound)
		r.Get("/rounds/{round_id}/result", a.handleGetResult)
		r.Delete("/rounds/{round_id}", a.handleAbortRound)
	})
}

func (a *AdminAPI) handleOpenRound(w http.ResponseWriter, r *http.Request) {
	var req OpenRoundRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	cfg, err := req.RoundConfig()
	if err != nil {
		a.writeError(w, err)
		return
	}

	id, err := a.coordinator.OpenRound(cfg)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.log.Info("round opened via admin API", "round", id)
	writeJSON(w, http.StatusCreated, &OpenRoundResponse{RoundID: id})
}

func (a *AdminAPI) handleListRounds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &RoundList{Rounds: a.coordinator.Rounds()})
}

func (a *AdminAPI) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id := protocol.RoundID(chi.URLParam(r, "round_id"))
	summary, ok := a.coordinator.Round(id)
	if !ok {
		a.writeError(w, protocol.ErrUnknownRound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *AdminAPI) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := protocol.RoundID(chi.URLParam(r, "round_id"))
	result, err := a.coordinator.Result(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *AdminAPI) handleAbortRound(w http.ResponseWriter, r *http.Request) {
	id := protocol.RoundID(chi.URLParam(r, "round_id"))
	if err := a.coordinator.AbortRound(id); err != nil {
		a.writeError(w, err)
		return
	}
	a.log.Info("round abort requested via admin API", "round", id)
	w.WriteHeader(http.StatusAccepted)
}

func (a *AdminAPI) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("admin request failed", "err", err)
	}
	resp := &ErrorResponse{Error: err.Error()}
	if c := protocol.Classify(err); c != protocol.ClassParameter && c != protocol.ClassUnknown {
		resp.Code = protocol.CodeOf(err)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnknownRound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidState), errors.Is(err, protocol.ErrRoundAborted):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrCoordinatorClose):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
