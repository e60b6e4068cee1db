package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/gridsync/gridsync/internal/auth"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/server"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Coord    *server.Coordinator
	Registry *resolve.Registry

	// RateLimitConfig applies per user to the sync endpoints.
	RateLimitConfig RateLimitInfo

	// MaxUploadSize caps upload request bodies in bytes.
	MaxUploadSize int64

	// PageSize caps download pages.
	PageSize int

	// Live, when set, serves the websocket channel. Rate limiting does
	// not apply to the upgrade request.
	Live http.HandlerFunc
}

// errResp is the JSON error envelope
type errResp struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error with the request's correlation id
// attached to the log line
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	log.Ctx(r.Context()).Warn().
		Int("status", code).
		Str("path", r.URL.Path).
		Msg(msg)
	writeJSON(w, code, errResp{Error: msg})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	r.Use(SyncSessionMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Capability discovery (unauthenticated)
	r.Get("/v1/sync/info", s.Info)

	// All sync endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Post("/v1/sync/upload", s.Upload)
		r.Get("/v1/sync/download", s.Download)
		r.Get("/v1/sync/conflicts", s.ListConflicts)
		r.Post("/v1/sync/conflicts/resolve", s.ResolveConflict)
		r.Get("/v1/sync/strategies", s.Strategies)
	})

	if s.Live != nil {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(jwt))
			r.Get("/v1/sync/live", s.Live)
		})
	}

	log.Info().Msg("HTTP routes registered")
	return r
}
