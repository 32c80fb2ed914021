// Package queue bounds concurrent IMAP work per backend. Each backend gets
// one admission queue that enforces a concurrency cap, a per-second ceiling,
// exponential backoff after failures, and an externally armed cooldown.
package queue

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inbox-gateway/internal/logging"
)

// ErrShutdown rejects work that was still pending when the queue drained.
var ErrShutdown = errors.New("queue shut down")

const (
	baseBackoff   = 1 * time.Second
	maxBackoff    = 30 * time.Second
	redriveDelay  = 100 * time.Millisecond
	throttleDelay = 150 * time.Millisecond
	maxCooldown   = 5 * time.Second
	maxRetries    = 3
)

// Work is one unit of IMAP activity admitted by the queue.
type Work func() error

// Config sizes one backend's queue.
type Config struct {
	MaxConcurrent int
	MaxPerSecond  int
}

// DefaultConfig is the single-account sizing. Multi-account deployments
// raise MaxConcurrent to 5 and MaxPerSecond to 8.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3, MaxPerSecond: 5}
}

type request struct {
	work       Work
	retryCount int
	done       chan error
}

// Queue is the per-backend admission queue. A single driver dispatches
// pending requests; all state is guarded by mu.
type Queue struct {
	backend string
	cfg     Config
	log     zerolog.Logger

	mu            sync.Mutex
	pending       []*request
	active        int
	starts        []time.Time
	failures      int
	cooldownUntil time.Time
	backoffUntil  time.Time
	closed        bool
	timer         *time.Timer
	rng           *rand.Rand
}

// New creates a queue for one backend mailbox.
func New(backend string, cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.MaxPerSecond <= 0 {
		cfg.MaxPerSecond = DefaultConfig().MaxPerSecond
	}
	return &Queue{
		backend: backend,
		cfg:     cfg,
		log:     logging.WithComponent("queue").With().Str("backend", backend).Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue appends work and blocks until it has run to completion, exhausted
// its retries, or the queue shut down.
func (q *Queue) Enqueue(work Work) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}
	req := &request{work: work, done: make(chan error, 1)}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.dispatch()
	return <-req.done
}

// SetRateLimited arms the cooldown: no request starts for the given number
// of seconds. Called by the HTTP rate limiter when it emits a 429.
func (q *Queue) SetRateLimited(seconds int) {
	if seconds <= 0 {
		return
	}
	q.mu.Lock()
	until := time.Now().Add(time.Duration(seconds) * time.Second)
	if until.After(q.cooldownUntil) {
		q.cooldownUntil = until
	}
	q.mu.Unlock()
	q.log.Warn().Int("seconds", seconds).Msg("rate limit cooldown armed")
	q.dispatch()
}

// Stats is the queue snapshot exposed on the stats endpoint.
type Stats struct {
	QueueLength         int   `json:"queueLength"`
	ActiveConnections   int   `json:"activeConnections"`
	MaxConnections      int   `json:"maxConnections"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`
	RateLimitedUntil    int64 `json:"rateLimitedUntil"`
}

// Snapshot returns the current queue state.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var until int64
	if time.Now().Before(q.cooldownUntil) {
		until = q.cooldownUntil.UnixMilli()
	}
	return Stats{
		QueueLength:         len(q.pending),
		ActiveConnections:   q.active,
		MaxConnections:      q.cfg.MaxConcurrent,
		ConsecutiveFailures: q.failures,
		RateLimitedUntil:    until,
	}
}

// Shutdown drains the queue, rejecting every pending request. In-flight
// work finishes; new Enqueue calls fail immediately. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	drained := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	for _, req := range drained {
		req.done <- ErrShutdown
	}
	if len(drained) > 0 {
		q.log.Info().Int("rejected", len(drained)).Msg("queue drained")
	}
}

// dispatch is the driver: it starts as many pending requests as the limits
// allow, or schedules itself for when the next limit clears.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed || len(q.pending) == 0 || q.active >= q.cfg.MaxConcurrent {
			return
		}

		now := time.Now()
		if now.Before(q.cooldownUntil) {
			wait := q.cooldownUntil.Sub(now) + redriveDelay
			if wait > maxCooldown {
				wait = maxCooldown
			}
			q.scheduleLocked(wait)
			return
		}

		q.pruneStartsLocked(now)
		if len(q.starts) >= q.cfg.MaxPerSecond {
			q.scheduleLocked(throttleDelay)
			return
		}

		if q.failures > 0 {
			if q.backoffUntil.IsZero() {
				delay := q.backoffDelayLocked()
				q.backoffUntil = now.Add(delay)
				q.log.Debug().Dur("delay", delay).Int("failures", q.failures).Msg("backing off")
				q.scheduleLocked(delay)
				return
			}
			if now.Before(q.backoffUntil) {
				q.scheduleLocked(q.backoffUntil.Sub(now))
				return
			}
			q.failures--
			q.backoffUntil = time.Time{}
		}

		req := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		q.starts = append(q.starts, now)
		go q.run(req)
	}
}

func (q *Queue) run(req *request) {
	err := req.work()

	q.mu.Lock()
	q.active--
	if err == nil {
		q.failures = 0
		req.done <- nil
	} else {
		q.failures++
		if req.retryCount < maxRetries && !q.closed {
			req.retryCount++
			// Retries go back to the head so one flaky request cannot be
			// starved by newer arrivals.
			q.pending = append([]*request{req}, q.pending...)
		} else {
			req.done <- err
		}
	}
	q.mu.Unlock()

	time.AfterFunc(redriveDelay, q.dispatch)
}

// backoffDelayLocked computes min(base*2^(failures-1), max) with ±25% jitter.
func (q *Queue) backoffDelayLocked() time.Duration {
	delay := baseBackoff << (q.failures - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jitter := 0.75 + q.rng.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

func (q *Queue) pruneStartsLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	kept := q.starts[:0]
	for _, ts := range q.starts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	q.starts = kept
}

func (q *Queue) scheduleLocked(d time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(d, q.dispatch)
}
