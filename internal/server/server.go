package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	httpmiddleware "github.com/wolfeidau/sessiond/internal/http"
	"github.com/wolfeidau/sessiond/internal/logger"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxPayloadBytes caps the size of a session payload accepted over HTTP.
const maxPayloadBytes = 1 << 20

// SessionManager is the subset of session.Manager the HTTP surface needs.
type SessionManager interface {
	Create(ctx context.Context, data json.RawMessage) (*models.Session, error)
	Touch(ctx context.Context, id string) (*models.Session, bool, error)
	Update(ctx context.Context, id string, data json.RawMessage) (*models.Session, bool, error)
	End(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Options configures the HTTP handler.
type Options struct {
	// CORSOrigins lists the origins allowed to call the API, empty disables CORS.
	CORSOrigins []string

	// TrustProxy honours X-Forwarded-For and X-Real-IP when logging the client IP.
	TrustProxy bool

	// Tracing wraps the handler with OpenTelemetry instrumentation.
	Tracing bool
}

// Server exposes session operations as a JSON HTTP API.
type Server struct {
	sessions SessionManager
}

// NewServer creates a new server backed by the given manager
func NewServer(sessions SessionManager) *Server {
	return &Server{sessions: sessions}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("GET /sessions/{id}", s.getSession)
	mux.HandleFunc("PUT /sessions/{id}", s.updateSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSession)

	middleware := []func(http.Handler) http.Handler{
		logger.Requests(log),
		httpmiddleware.ClientIPMiddleware(opts.TrustProxy),
	}

	if len(opts.CORSOrigins) > 0 {
		middleware = append(middleware, withCORS(opts.CORSOrigins))
	}

	handler := httpmiddleware.Chain(mux, middleware...)

	if opts.Tracing {
		handler = otelhttp.NewHandler(handler, "sessiond")
	}

	return handler
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	count, err := s.sessions.Count(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Health check failed")
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": count})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	data, ok := readPayload(w, r)
	if !ok {
		return
	}

	session, err := s.sessions.Create(r.Context(), data)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, found, err := s.sessions.Touch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	data, ok := readPayload(w, r)
	if !ok {
		return
	}

	session, found, err := s.sessions.Update(r.Context(), r.PathValue("id"), data)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.sessions.End(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// readPayload reads the request body as the session payload, an empty body is no payload.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return nil, false
	}

	if len(body) == 0 {
		return nil, true
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "payload must be valid JSON")
		return nil, false
	}

	return json.RawMessage(body), true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrSerialization):
		writeError(w, http.StatusBadRequest, "payload must be valid JSON")
	case errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Session store operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withCORS adds CORS support for the session API.
func withCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	return middleware.Handler
}
