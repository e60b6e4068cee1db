package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	syncSessionKey   contextKey = "syncSession"
	correlationIDKey contextKey = "correlationId"
)

// CorrelationMiddleware threads X-Correlation-ID through the request,
// minting one when the client omits it. The id is echoed back on the
// response and stamped on every log line for the request.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SyncSessionMiddleware picks up the optional X-Sync-Session header so
// a device's upload, download and resolve calls from one editing
// session correlate in the logs.
func SyncSessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID := r.Header.Get("X-Sync-Session"); sessionID != "" {
			ctx := context.WithValue(r.Context(), syncSessionKey, sessionID)
			logger := log.Ctx(ctx).With().Str("sync_session", sessionID).Logger()
			r = r.WithContext(logger.WithContext(ctx))
		}
		next.ServeHTTP(w, r)
	})
}

// SyncSession returns the X-Sync-Session value, or "" when the client
// sent none.
func SyncSession(ctx context.Context) string {
	if s, ok := ctx.Value(syncSessionKey).(string); ok {
		return s
	}
	return ""
}

// CorrelationID returns the request's correlation id.
func CorrelationID(ctx context.Context) string {
	if s, ok := ctx.Value(correlationIDKey).(string); ok {
		return s
	}
	return ""
}
