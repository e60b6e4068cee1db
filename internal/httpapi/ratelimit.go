package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridsync/gridsync/internal/auth"
)

// bucket is a per-user token bucket. Tokens refill continuously at
// rate per second up to burst.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	rate     float64
	refilled time.Time
}

// verdict is the outcome of one take from a bucket, carrying what the
// rate-limit response headers need.
type verdict struct {
	allowed   bool
	remaining int
	// nextToken is when a token next becomes available, for Retry-After.
	nextToken time.Time
	// fullReset is when the bucket is full again, for X-RateLimit-Reset.
	fullReset time.Time
}

func (b *bucket) take() verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.refilled).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.refilled = now

	v := verdict{
		fullReset: now.Add(time.Duration((b.burst - b.tokens) / b.rate * float64(time.Second))),
	}
	if b.tokens >= 1 {
		b.tokens--
		v.allowed = true
		v.remaining = int(b.tokens)
		v.nextToken = now
		return v
	}
	v.nextToken = now.Add(time.Duration((1 - b.tokens) / b.rate * float64(time.Second)))
	return v
}

// limiter holds one bucket per user. Buckets idle for over an hour are
// pruned by a background sweep.
type limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     RateLimitInfo
}

func newLimiter(cfg RateLimitInfo) *limiter {
	l := &limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
	go l.prune()
	return l
}

func (l *limiter) take(userID string) verdict {
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		if b, ok = l.buckets[userID]; !ok {
			b = &bucket{
				tokens:   float64(l.cfg.Burst),
				burst:    float64(l.cfg.Burst),
				rate:     float64(l.cfg.MaxRequests) / float64(l.cfg.WindowSeconds),
				refilled: time.Now(),
			}
			l.buckets[userID] = b
		}
		l.mu.Unlock()
	}
	return b.take()
}

func (l *limiter) prune() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for userID, b := range l.buckets {
			b.mu.Lock()
			idle := time.Since(b.refilled) > time.Hour
			b.mu.Unlock()
			if idle {
				delete(l.buckets, userID)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimitMiddleware enforces a per-user token bucket over the sync
// endpoints. Each instance owns its limiter, so routes can carry
// different limits. A single-process limiter; a shared deployment
// needs a backing store behind the same verdict.
func RateLimitMiddleware(cfg RateLimitInfo) func(http.Handler) http.Handler {
	l := newLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == "" {
				// Unauthenticated requests are rejected downstream.
				next.ServeHTTP(w, r)
				return
			}

			v := l.take(userID)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(v.remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(v.fullReset.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(cfg.Burst))

			if !v.allowed {
				retryAfter := int(time.Until(v.nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("user_id", userID).
					Str("path", r.URL.Path).
					Int("retry_after", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests,
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
