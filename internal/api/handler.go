package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/drift/internal/engine"
	"github.com/nidhogg/drift/internal/store"
	"go.uber.org/zap"
)

// MemoryEngine is the surface the HTTP layer needs from the engine.
type MemoryEngine interface {
	Onboard(ctx context.Context, agent string) error
	Wake(ctx context.Context, agent string) (*engine.ContextBundle, error)
	Sleep(ctx context.Context, agent, transcript string) (*engine.Receipt, error)
	Status(ctx context.Context, agent string) (*engine.StatusReport, error)
	Search(ctx context.Context, agent, query string, limit int) ([]engine.SearchResult, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine MemoryEngine
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(eng MemoryEngine, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Route("/agents/{agent}", func(r chi.Router) {
			r.Post("/onboard", h.onboard)
			r.Post("/wake", h.wake)
			r.Post("/sleep", h.sleep)
			r.Get("/status", h.status)
			r.Get("/search", h.search)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) onboard(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if err := h.engine.Onboard(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent": agent, "status": "ready"})
}

func (h *Handler) wake(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	bundle, err := h.engine.Wake(r.Context(), agent)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(bundle.Format()))
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type sleepRequest struct {
	Transcript string `json:"transcript"`
}

type sleepResponse struct {
	SessionID string                `json:"session_id"`
	Terminal  string                `json:"terminal,omitempty"`
	Outcomes  []engine.StageOutcome `json:"outcomes,omitempty"`
}

func (h *Handler) sleep(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	var req sleepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	receipt, err := h.engine.Sleep(r.Context(), agent, req.Transcript)
	if err != nil {
		writeError(w, err)
		return
	}

	// wait=true turns the async receipt into a synchronous report, for
	// callers that want the stage outcomes (tests, the CLI).
	if r.URL.Query().Get("wait") == "true" {
		select {
		case <-receipt.Done():
		case <-r.Context().Done():
			writeJSON(w, http.StatusAccepted, sleepResponse{SessionID: receipt.SessionID})
			return
		}
		writeJSON(w, http.StatusOK, sleepResponse{
			SessionID: receipt.SessionID,
			Terminal:  receipt.Terminal(),
			Outcomes:  receipt.Outcomes(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, sleepResponse{SessionID: receipt.SessionID})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	rep, err := h.engine.Status(r.Context(), agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing query parameter q"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.engine.Search(r.Context(), agent, q, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrAgentBusy):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConstraint):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
