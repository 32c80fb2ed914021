// Package inbox is the aggregation core: it routes addresses to backend
// mailboxes, admits IMAP work through per-backend queues, keeps the caches
// coherent with IDLE notifications, and exposes the operations the HTTP
// layer consumes.
package inbox

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/alias"
	"inbox-gateway/internal/cache"
	"inbox-gateway/internal/email"
	imapx "inbox-gateway/internal/imap"
	"inbox-gateway/internal/logging"
	"inbox-gateway/internal/queue"
)

// Viewer is the per-request identity injected by the HTTP layer.
type Viewer string

const (
	ViewerAnonymous     Viewer = "anonymous"
	ViewerAuthenticated Viewer = "authenticated"
)

// Config sizes the aggregation core.
type Config struct {
	Window          int           // fetch window for a single targeted backend
	AggregateWindow int           // fetch window per backend in aggregation mode
	TopLimit        int           // result cap after aggregation
	Debounce        time.Duration // IDLE event settle window
	Queue           queue.Config
}

// DefaultConfig is the standard deployment profile.
func DefaultConfig() Config {
	return Config{
		Window:          50,
		AggregateWindow: 100,
		TopLimit:        30,
		Debounce:        3 * time.Second,
		Queue:           queue.DefaultConfig(),
	}
}

// UltraFastConfig trades completeness for latency: a small fetch window and
// a near-immediate IDLE settle.
func UltraFastConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = 15
	cfg.AggregateWindow = 15
	cfg.Debounce = 500 * time.Millisecond
	return cfg
}

// session is the slice of imap.Session the pipeline needs. Tests substitute
// fakes.
type session interface {
	Reselect() error
	SearchTo(recipient string) ([]uint32, error)
	SearchAll() ([]uint32, error)
	Fetch(uids []uint32) ([]imapx.RawMessage, error)
	Delete(uid uint32) error
	Close() error
}

// sessionProvider hands out sessions for one backend.
type sessionProvider interface {
	Shared() (session, error)
	Discard(session)
	Ephemeral() (session, error)
	Close()
}

type managerProvider struct {
	m *imapx.Manager
}

func (p managerProvider) Shared() (session, error) {
	s, err := p.m.Shared()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p managerProvider) Discard(s session) {
	if real, ok := s.(*imapx.Session); ok {
		p.m.Discard(real)
	}
}

func (p managerProvider) Ephemeral() (session, error) {
	s, err := p.m.Ephemeral()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p managerProvider) Close() { p.m.Close() }

type backend struct {
	account accounts.Account
	queue   *queue.Queue
	conns   sessionProvider
	idle    *imapx.Listener
}

type inflight struct {
	done   chan struct{}
	result []email.Message
}

// Service is the process-wide aggregation core. Create one at startup,
// pass it to the HTTP handlers, tear it down with Shutdown.
type Service struct {
	registry *accounts.Registry
	engine   *alias.Engine
	caches   *cache.Caches
	cfg      Config
	log      zerolog.Logger

	backends map[string]*backend

	mu       sync.Mutex
	inflight map[string]*inflight
	subs     map[int]func()
	nextSub  int
	closed   bool

	newProvider func(accounts.Account, accounts.Credentials) sessionProvider
	shutdown    sync.Once
}

// Option adjusts service construction. Used by tests to substitute the IMAP
// layer.
type Option func(*Service)

func withProviderFactory(f func(accounts.Account, accounts.Credentials) sessionProvider) Option {
	return func(s *Service) { s.newProvider = f }
}

// New builds the service for every account in the registry. IDLE listeners
// are not started until StartListeners.
func New(registry *accounts.Registry, engine *alias.Engine, caches *cache.Caches, cfg Config, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		engine:   engine,
		caches:   caches,
		cfg:      cfg,
		log:      logging.WithComponent("inbox"),
		backends: make(map[string]*backend),
		inflight: make(map[string]*inflight),
		subs:     make(map[int]func()),
		newProvider: func(a accounts.Account, c accounts.Credentials) sessionProvider {
			return managerProvider{m: imapx.NewManager(a, c)}
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, acct := range registry.List() {
		creds, ok := registry.CredentialsFor(acct.Address)
		if !ok {
			continue
		}
		s.backends[acct.Address] = &backend{
			account: acct,
			queue:   queue.New(acct.Address, cfg.Queue),
			conns:   s.newProvider(acct, *creds),
		}
	}
	return s
}

// StartListeners launches one IDLE listener per backend. Events mark the
// backend stale immediately; the debounced settle clears views and notifies
// subscribers once per burst.
func (s *Service) StartListeners() {
	for addr, b := range s.backends {
		creds, ok := s.registry.CredentialsFor(addr)
		if !ok {
			continue
		}
		backendAddr := addr
		b.idle = imapx.NewListener(b.account, *creds, s.cfg.Debounce,
			func() { s.caches.MarkStale(backendAddr) },
			func() {
				s.caches.ClearViews()
				s.notifySubscribers()
			})
		b.idle.Start()
	}
}

// FetchForAddress returns the messages visible to the viewer for an
// address. It never fails: routing misses, IMAP errors, and timeouts all
// degrade to the cached view or an empty list. Concurrent callers for the
// same (address, viewer) pair share one fetch.
func (s *Service) FetchForAddress(ctx context.Context, address string, viewer Viewer) []email.Message {
	address = email.NormalizeAddress(address)
	key := cache.ViewKey{Address: address, Viewer: string(viewer)}

	if msgs, ok := s.caches.GetView(key); ok {
		return msgs
	}

	coalesceKey := address + "|" + string(viewer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if fl, ok := s.inflight[coalesceKey]; ok {
		s.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result
		case <-ctx.Done():
			return nil
		}
	}
	fl := &inflight{done: make(chan struct{})}
	s.inflight[coalesceKey] = fl
	s.mu.Unlock()

	fl.result = s.assembleView(key, viewer)
	close(fl.done)

	s.mu.Lock()
	delete(s.inflight, coalesceKey)
	s.mu.Unlock()

	return fl.result
}

// RefreshAddress invalidates the caches for the routed backend and fetches
// anew.
func (s *Service) RefreshAddress(ctx context.Context, address string, viewer Viewer) []email.Message {
	s.caches.ClearViews()
	if route, err := s.engine.Route(email.NormalizeAddress(address)); err == nil {
		s.caches.MarkStale(route.Backend.Address)
	} else {
		for addr := range s.backends {
			s.caches.MarkStale(addr)
		}
	}
	return s.FetchForAddress(ctx, address, viewer)
}

// DeleteMessage flags the message \Deleted on its backend and expunges it,
// then evicts it from every cache. Returns false when the message cannot be
// located; IMAP failures also report false rather than surfacing an error.
func (s *Service) DeleteMessage(id, backendAddr string) bool {
	b, ok := s.backends[strings.ToLower(backendAddr)]
	if !ok {
		return false
	}
	uid, ok := s.resolveUID(id, b.account.Address)
	if !ok {
		return false
	}

	err := b.queue.Enqueue(func() error {
		sess, err := b.conns.Ephemeral()
		if err != nil {
			return err
		}
		defer sess.Close()
		return sess.Delete(uid)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Str("backend", backendAddr).Msg("delete failed")
		return false
	}

	s.caches.RemoveMessage(id)
	return true
}

// GetAttachment serves attachment bytes from the payload cache, re-fetching
// the message from IMAP on a miss. Returns nil when the message or the
// attachment does not exist.
func (s *Service) GetAttachment(id, filename, backendAddr string) *email.AttachmentData {
	if p, ok := s.caches.GetPayload(id); ok {
		if a := p.Attachment(filename); a != nil {
			return a
		}
	}

	b, ok := s.backends[strings.ToLower(backendAddr)]
	if !ok {
		return nil
	}
	uid, ok := s.resolveUID(id, b.account.Address)
	if !ok {
		return nil
	}

	var data *email.AttachmentData
	err := b.queue.Enqueue(func() error {
		sess, err := b.conns.Shared()
		if err != nil {
			return err
		}
		raws, err := sess.Fetch([]uint32{uid})
		if err != nil {
			b.conns.Discard(sess)
			return err
		}
		if len(raws) == 0 {
			return ErrNotFound
		}
		_, payload, err := email.Parse(raws[0].Body, b.account.Address, raws[0].UID)
		if err != nil {
			return err
		}
		s.caches.PutPayload(payload)
		data = payload.Attachment(filename)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("attachment fetch failed")
		return nil
	}
	return data
}

// GenerateAlias produces a disposable address for a registered account.
func (s *Service) GenerateAlias(provider accounts.Provider, base, suffix string, useDot bool) (alias.Alias, error) {
	return s.engine.GenerateAlias(provider, base, suffix, useDot)
}

// AccountInfo is the public descriptor returned to API clients. Capability
// depends on the viewer: authenticated viewers may read the base inbox,
// anonymous viewers only alias traffic.
type AccountInfo struct {
	Email      string            `json:"email"`
	Provider   accounts.Provider `json:"provider"`
	Capability string            `json:"capability"`
}

// ListAccountsForViewer returns the configured provider accounts with
// viewer-aware capabilities.
func (s *Service) ListAccountsForViewer(viewer Viewer) []AccountInfo {
	capability := "alias-only"
	if viewer == ViewerAuthenticated {
		capability = "direct-inbox"
	}
	accts := s.registry.List()
	out := make([]AccountInfo, 0, len(accts))
	for _, a := range accts {
		out = append(out, AccountInfo{Email: a.Address, Provider: a.Provider, Capability: capability})
	}
	return out
}

// Stats is the observability snapshot.
type Stats struct {
	Queue queue.Stats `json:"queue"`
	Cache cache.Stats `json:"cache"`
}

// Stats aggregates queue state across backends plus cache occupancy.
func (s *Service) Stats() Stats {
	var agg queue.Stats
	for _, b := range s.backends {
		snap := b.queue.Snapshot()
		agg.QueueLength += snap.QueueLength
		agg.ActiveConnections += snap.ActiveConnections
		agg.MaxConnections += snap.MaxConnections
		if snap.ConsecutiveFailures > agg.ConsecutiveFailures {
			agg.ConsecutiveFailures = snap.ConsecutiveFailures
		}
		if snap.RateLimitedUntil > agg.RateLimitedUntil {
			agg.RateLimitedUntil = snap.RateLimitedUntil
		}
	}
	return Stats{Queue: agg, Cache: s.caches.Sizes()}
}

// SetRateLimited arms the cooldown on every backend queue. Wired to the
// HTTP rate limiter's 429 path.
func (s *Service) SetRateLimited(seconds int) {
	for _, b := range s.backends {
		b.queue.SetRateLimited(seconds)
	}
}

// OnChange registers a subscriber invoked after each IDLE settle. The
// returned function unsubscribes; calling it from inside the callback is
// safe.
func (s *Service) OnChange(cb func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) notifySubscribers() {
	s.mu.Lock()
	cbs := make([]func(), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Shutdown drains the queues, stops the IDLE listeners, closes the shared
// sessions, and clears the subscriber set. Idempotent.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.subs = make(map[int]func())
		s.mu.Unlock()

		for _, b := range s.backends {
			if b.idle != nil {
				b.idle.Stop()
			}
			b.queue.Shutdown()
			b.conns.Close()
		}
		s.log.Info().Msg("inbox service shut down")
	})
}

// resolveUID maps a message id to its IMAP UID, via the global store or the
// uid-<backend>-<uid> fallback id format.
func (s *Service) resolveUID(id, backendAddr string) (uint32, bool) {
	if m, ok := s.caches.GetMessage(id); ok && m.Backend == backendAddr {
		return m.UID, true
	}

	prefix := "uid-" + backendAddr + "-"
	if strings.HasPrefix(id, prefix) {
		n, err := strconv.ParseUint(strings.TrimPrefix(id, prefix), 10, 32)
		if err == nil {
			return uint32(n), true
		}
	}
	return 0, false
}
