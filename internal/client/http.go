// Package client implements the device side of the sync transport: an
// HTTP client for the batch channel and a websocket client for the
// live channel, together satisfying the table session's transport
// contract.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/server"
	"github.com/gridsync/gridsync/internal/session"
)

const defaultTimeout = 30 * time.Second

// Config configures the batch-channel HTTP client.
// Automatically injects:
// - Authorization: Bearer <token> (production) OR X-Debug-Sub (dev mode)
// - X-Correlation-ID: <uuid>
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// Token is the bearer token. Leave empty for dev mode.
	Token string

	// DebugSub is the dev-mode subject sent as X-Debug-Sub when Token
	// is empty.
	DebugSub string

	// DeviceID identifies this device in uploads.
	DeviceID string

	// MaxElapsedTime bounds the retry window for transient failures.
	// Zero uses one minute.
	MaxElapsedTime time.Duration

	// HTTPClient overrides the underlying client. Nil uses a 30s
	// timeout default.
	HTTPClient *http.Client
}

// HTTP is the batch-channel client. Transient failures (network
// errors, 5xx, 429 with Retry-After) are retried with exponential
// backoff; anything else surfaces immediately.
type HTTP struct {
	cfg Config
	hc  *http.Client
	log zerolog.Logger
}

// NewHTTP returns a batch client for the given server.
func NewHTTP(cfg Config, log zerolog.Logger) *HTTP {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.MaxElapsedTime == 0 {
		cfg.MaxElapsedTime = time.Minute
	}
	return &HTTP{
		cfg: cfg,
		hc:  hc,
		log: log.With().Str("component", "client").Logger(),
	}
}

// retryable marks an error as transient so the backoff loop retries
// it. retryAfter, when positive, overrides the next backoff interval.
type retryable struct {
	err        error
	retryAfter time.Duration
}

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// doJSON executes one request with auth headers, retrying transient
// failures, and decodes the response into out when it is non-nil.
func (c *HTTP) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
	}
	correlationID := uuid.New().String()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxElapsedTime

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Correlation-ID", correlationID)
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		} else if c.cfg.DebugSub != "" {
			req.Header.Set("X-Debug-Sub", c.cfg.DebugSub)
			req.Header.Set("X-Device-ID", c.cfg.DeviceID)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return retryable{err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			after := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.log.Warn().
				Dur("retry_after", after).
				Str("path", path).
				Msg("rate limited, backing off")
			return retryable{err: fmt.Errorf("client: rate limited on %s", path), retryAfter: after}
		case resp.StatusCode >= 500:
			return retryable{err: fmt.Errorf("client: server error %d on %s", resp.StatusCode, path)}
		case resp.StatusCode >= 400:
			var e struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			if e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("client: %s %s: %d %s", method, path, resp.StatusCode, e.Error))
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("client: decode response: %w", err))
		}
		return nil
	}

	err := backoff.Retry(func() error {
		err := attempt()
		var r retryable
		if errors.As(err, &r) && r.retryAfter > 0 {
			select {
			case <-time.After(r.retryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		var r retryable
		if errors.As(err, &r) {
			return r.err
		}
	}
	return err
}

// Upload sends queued changes over the batch channel and maps each
// server outcome back to the session's shape.
func (c *HTTP) Upload(ctx context.Context, changes []session.QueuedChange, tableID string) ([]session.Outcome, error) {
	req := server.UploadRequest{
		DeviceID: c.cfg.DeviceID,
		Changes:  make([]server.UploadChange, 0, len(changes)),
	}
	for _, ch := range changes {
		req.Changes = append(req.Changes, server.UploadChange{
			EditID:          ch.EditID,
			TableID:         tableID,
			RowID:           ch.RowID,
			Column:          ch.Column,
			OldValue:        ch.OldValue,
			NewValue:        ch.NewValue,
			Operation:       ch.Operation,
			Changes:         ch.Changes,
			BaseVersion:     ch.BaseVersion,
			ClientTimestamp: ch.ClientTimestamp,
		})
	}

	var resp server.UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync/upload", req, &resp); err != nil {
		return nil, err
	}

	conflicts := make(map[string]session.ConflictNotice, len(resp.Conflicts))
	for _, cf := range resp.Conflicts {
		conflicts[cf.ID] = session.ConflictNotice{
			EditID:      cf.ID,
			TableID:     cf.TableID,
			RowID:       cf.RowID,
			Column:      cf.Column,
			LocalValue:  cf.LocalValue,
			RemoteValue: cf.RemoteValue,
			MergedValue: cf.RemoteValue,
			Timestamp:   cf.Timestamp,
		}
	}

	outcomes := make([]session.Outcome, 0, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		out := session.Outcome{
			EditID:  o.EditID,
			Applied: o.Status == server.OutcomeApplied,
			Err:     o.Error,
		}
		if o.Status == server.OutcomeConflict {
			if n, ok := conflicts[o.EditID]; ok {
				out.Conflict = &n
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Download fetches one page of canonical changes after the cursor.
func (c *HTTP) Download(ctx context.Context, cur session.Cursor) ([]session.RemoteEntry, session.Cursor, error) {
	path := "/v1/sync/download"
	q := url.Values{}
	if !cur.Since.IsZero() {
		q.Set("since", cur.Since.Format(time.RFC3339Nano))
	}
	if cur.After != "" {
		q.Set("after", cur.After)
	}
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp server.DownloadResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, session.Cursor{}, err
	}

	entries := make([]session.RemoteEntry, 0, len(resp.Changes))
	for _, e := range resp.Changes {
		entries = append(entries, session.RemoteEntry{
			EditID:    e.ID,
			Change:    e.Change,
			Timestamp: e.Timestamp,
		})
	}
	return entries, session.Cursor{Since: resp.NextSince, After: resp.NextID}, nil
}

// Resolve settles a conflict with an explicit value.
func (c *HTTP) Resolve(ctx context.Context, conflictID string, value any) error {
	req := server.ResolveRequest{
		ConflictID: conflictID,
		Strategy:   server.StrategyUserChoice,
		Value:      value,
	}
	var resp server.ResolveResponse
	return c.doJSON(ctx, http.MethodPost, "/v1/sync/conflicts/resolve", req, &resp)
}

// parseRetryAfter reads a Retry-After header, either integer seconds
// or an HTTP-date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
