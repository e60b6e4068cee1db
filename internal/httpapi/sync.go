package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridsync/gridsync/internal/auth"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/server"
	"github.com/gridsync/gridsync/internal/store"
)

// Upload handles POST /v1/sync/upload
// Applies an offline change batch in submission order with per-change
// outcomes; a batch is never atomic as a whole, only per record.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	deviceID := auth.DeviceID(ctx)

	if s.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize)
	}

	var req server.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload body too large")
			return
		}
		log.Warn().Err(err).Msg("invalid upload request body")
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if deviceID == "" {
		deviceID = req.DeviceID
	}

	resp := s.Coord.Upload(ctx, userID, deviceID, req.Changes)
	writeJSON(w, http.StatusOK, resp)
}

// Download handles GET /v1/sync/download
// Returns canonical changes strictly after the (?since, ?after)
// cursor, ascending by timestamp then id, capped at ?limit; clients
// paginate with nextSinceTimestamp and nextId.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	deviceID := auth.DeviceID(ctx)

	var since time.Time
	if q := r.URL.Query().Get("since"); q != "" {
		t, err := time.Parse(time.RFC3339Nano, q)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = t
	}
	after := r.URL.Query().Get("after")
	limit := parseLimit(r.URL.Query().Get("limit"), s.PageSize, s.PageSize)

	resp, err := s.Coord.Download(ctx, userID, deviceID, since, after, limit)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("download failed")
		writeError(w, r, http.StatusInternalServerError, "download failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListConflicts handles GET /v1/sync/conflicts
// Lists the user's unresolved conflicts across devices, oldest first.
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	resp, err := s.Coord.ListConflicts(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("conflict listing failed")
		writeError(w, r, http.StatusInternalServerError, "conflict listing failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveConflict handles POST /v1/sync/conflicts/resolve
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	var req server.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ConflictID == "" {
		writeError(w, r, http.StatusBadRequest, "conflictId is required")
		return
	}

	resp, err := s.Coord.ResolveConflict(ctx, userID, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, resolve.ErrUnknownStrategy):
		writeError(w, r, http.StatusBadRequest, "unknown strategy "+string(req.Strategy))
	case errors.Is(err, server.ErrValueRequired):
		writeError(w, r, http.StatusBadRequest, "user_choice resolution requires a value")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "conflict not found")
	default:
		log.Error().Err(err).Str("conflictId", req.ConflictID).Msg("conflict resolution failed")
		writeError(w, r, http.StatusInternalServerError, "conflict resolution failed")
	}
}

// strategyInfo is one registered resolution strategy
type strategyInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AutoApply bool   `json:"autoApply"`
}

type strategiesResponse struct {
	Strategies []strategyInfo `json:"strategies"`
	Default    string         `json:"default"`
}

// Strategies handles GET /v1/sync/strategies
// Advertises the registered resolution strategies so clients can offer
// them in conflict UIs.
func (s *Server) Strategies(w http.ResponseWriter, r *http.Request) {
	list := s.Registry.List()
	out := strategiesResponse{
		Strategies: make([]strategyInfo, 0, len(list)),
		Default:    s.Registry.Default().ID,
	}
	for _, st := range list {
		out.Strategies = append(out.Strategies, strategyInfo{
			ID:        st.ID,
			Name:      st.Name,
			AutoApply: st.AutoApply,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
