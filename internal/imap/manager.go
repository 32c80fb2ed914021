package imap

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/logging"
)

// State of a shared session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrReconnectCooldown is returned while the manager waits out a backoff
// window or the 5-minute cooldown after repeated connect failures. Callers
// fall back to the cached view.
var ErrReconnectCooldown = errors.New("reconnect cooling down")

const (
	reconnectBase     = 1 * time.Second
	reconnectCap      = 60 * time.Second
	reconnectAttempts = 10
	reconnectCooldown = 5 * time.Minute
)

// backoff computes jittered exponential reconnect delays.
type backoff struct {
	attempts int
	rng      *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// next returns the delay before the upcoming attempt and whether attempts
// are exhausted.
func (b *backoff) next() (time.Duration, bool) {
	b.attempts++
	if b.attempts > reconnectAttempts {
		return 0, true
	}
	delay := reconnectBase << (b.attempts - 1)
	if delay > reconnectCap || delay <= 0 {
		delay = reconnectCap
	}
	jitter := 0.75 + b.rng.Float64()*0.5
	return time.Duration(float64(delay) * jitter), false
}

func (b *backoff) reset() {
	b.attempts = 0
}

// Manager owns the shared long-lived read session for one backend and
// hands out ephemeral sessions for mutations.
type Manager struct {
	account accounts.Account
	creds   accounts.Credentials
	log     zerolog.Logger

	mu          sync.Mutex
	session     *Session
	state       State
	backoff     *backoff
	nextAttempt time.Time
}

// NewManager creates a manager for one backend. No connection is opened
// until the first Shared call.
func NewManager(account accounts.Account, creds accounts.Credentials) *Manager {
	return &Manager{
		account: account,
		creds:   creds,
		state:   StateDisconnected,
		backoff: newBackoff(),
		log:     logging.WithComponent("connmgr").With().Str("backend", account.Address).Logger(),
	}
}

// Shared returns the shared read session, connecting lazily. While a
// reconnect backoff or cooldown is pending it fails fast with
// ErrReconnectCooldown instead of hammering the server.
func (m *Manager) Shared() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return m.session, nil
	}

	now := time.Now()
	if now.Before(m.nextAttempt) {
		return nil, fmt.Errorf("%w until %s", ErrReconnectCooldown, m.nextAttempt.Format(time.RFC3339))
	}

	m.state = StateConnecting
	session, err := Dial(m.account, m.creds, nil)
	if err != nil {
		m.state = StateError
		delay, exhausted := m.backoff.next()
		if exhausted {
			m.log.Error().Err(err).Msg("reconnect attempts exhausted, entering cooldown")
			m.nextAttempt = now.Add(reconnectCooldown)
			m.backoff.reset()
		} else {
			m.log.Warn().Err(err).Dur("retryIn", delay).Msg("connect failed")
			m.nextAttempt = now.Add(delay)
		}
		return nil, err
	}

	m.session = session
	m.state = StateConnected
	m.backoff.reset()
	m.nextAttempt = time.Time{}
	return session, nil
}

// Discard tears down the shared session after an operation error. The next
// Shared call reconnects.
func (m *Manager) Discard(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		return
	}
	m.session = nil
	m.state = StateError
	go s.Close()
}

// Ephemeral opens a fresh session for a mutating operation. The caller
// closes it.
func (m *Manager) Ephemeral() (*Session, error) {
	return Dial(m.account, m.creds, nil)
}

// State reports the shared session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close shuts the shared session down. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if session != nil {
		session.Close()
	}
}
