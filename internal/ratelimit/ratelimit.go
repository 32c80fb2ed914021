// Package ratelimit implements the HTTP-facing token buckets. The email-ops
// limiter doubles as the back-pressure bridge: its 429s arm the admission
// queue cooldown so user-facing throttling propagates down to IMAP.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"inbox-gateway/internal/logging"
)

// Standard limiter sizings.
const (
	GeneralPerMinute  = 100
	EmailOpsPerMinute = 30
	AuthPerMinute     = 10
)

const maxTrackedClients = 10000

// Limiter is one named token bucket family, keyed by client IP.
type Limiter struct {
	name      string
	perMinute int
	onLimited func(seconds int)

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perMinute requests per client, with a full
// burst available up front.
func New(name string, perMinute int) *Limiter {
	return &Limiter{
		name:      name,
		perMinute: perMinute,
		clients:   make(map[string]*client),
	}
}

// OnLimited registers a hook fired with the Retry-After seconds every time
// the limiter rejects a request.
func (l *Limiter) OnLimited(f func(seconds int)) {
	l.onLimited = f
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.pruneLocked()
		}
		c = &client{bucket: rate.NewLimiter(rate.Limit(l.perMinute)/60, l.perMinute)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.bucket
}

// pruneLocked drops clients idle for over ten minutes.
func (l *Limiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Middleware enforces the limit and emits the X-RateLimit-* headers. On
// rejection it answers 429 with Retry-After and fires the OnLimited hook.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	log := logging.WithComponent("ratelimit").With().Str("limiter", l.name).Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket := l.bucketFor(ClientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMinute))

		if !bucket.Allow() {
			res := bucket.Reserve()
			delay := res.Delay()
			res.Cancel()
			seconds := int(math.Ceil(delay.Seconds()))
			if seconds < 1 {
				seconds = 1
			}

			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(delay).Unix(), 10))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))

			log.Warn().Str("ip", ClientIP(r)).Int("retryAfter", seconds).Msg("request rejected")
			if l.onLimited != nil {
				l.onLimited(seconds)
			}
			return
		}

		remaining := int(bucket.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the caller's address, preferring the first
// X-Forwarded-For hop when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
