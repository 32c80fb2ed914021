// Package cache holds the three bounded LRU caches of the gateway: the
// per-address view cache, the global message store, and the attachment
// payload cache.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"inbox-gateway/internal/email"
)

// Config sets the capacity and TTL of each cache.
type Config struct {
	ViewSize    int
	ViewTTL     time.Duration
	StoreSize   int
	StoreTTL    time.Duration
	PayloadSize int
	PayloadTTL  time.Duration
}

// DefaultConfig returns the production cache sizing.
func DefaultConfig() Config {
	return Config{
		ViewSize:    200,
		ViewTTL:     10 * time.Second,
		StoreSize:   500,
		StoreTTL:    3 * time.Minute,
		PayloadSize: 200,
		PayloadTTL:  3 * time.Minute,
	}
}

// ViewKey identifies one filtered view: an address as seen by one viewer
// class.
type ViewKey struct {
	Address string
	Viewer  string
}

type viewEntry struct {
	messages  []email.Message
	fetchedAt time.Time
	backends  []string
}

// Caches bundles the three LRUs plus the per-backend freshness stamps that
// implement the "zero the all-messages timestamp" invalidation the IDLE
// listener relies on.
type Caches struct {
	views    *expirable.LRU[ViewKey, viewEntry]
	store    *expirable.LRU[string, email.Message]
	payloads *expirable.LRU[string, *email.Payload]

	mu        sync.Mutex
	staleMark map[string]time.Time // backend -> time of last invalidation
}

// New creates the cache set.
func New(cfg Config) *Caches {
	return &Caches{
		views:     expirable.NewLRU[ViewKey, viewEntry](cfg.ViewSize, nil, cfg.ViewTTL),
		store:     expirable.NewLRU[string, email.Message](cfg.StoreSize, nil, cfg.StoreTTL),
		payloads:  expirable.NewLRU[string, *email.Payload](cfg.PayloadSize, nil, cfg.PayloadTTL),
		staleMark: make(map[string]time.Time),
	}
}

// GetView returns a cached view if it is still valid. A view fetched before
// any of its backends was invalidated counts as a miss.
func (c *Caches) GetView(key ViewKey) ([]email.Message, bool) {
	entry, ok := c.views.Get(key)
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	for _, backend := range entry.backends {
		if mark, marked := c.staleMark[backend]; marked && !entry.fetchedAt.After(mark) {
			c.mu.Unlock()
			c.views.Remove(key)
			return nil, false
		}
	}
	c.mu.Unlock()

	return entry.messages, true
}

// SetView stores a freshly fetched view together with the backends it was
// assembled from.
func (c *Caches) SetView(key ViewKey, messages []email.Message, backends []string) {
	c.views.Add(key, viewEntry{
		messages:  messages,
		fetchedAt: time.Now(),
		backends:  backends,
	})
}

// ClearViews drops every cached view. Called when the IDLE debounce fires.
func (c *Caches) ClearViews() {
	c.views.Purge()
}

// MarkStale records that a backend's mailbox changed, so views fetched
// before now must refetch.
func (c *Caches) MarkStale(backend string) {
	c.mu.Lock()
	c.staleMark[backend] = time.Now()
	c.mu.Unlock()
}

// PutMessage stores a message in the global store.
func (c *Caches) PutMessage(m email.Message) {
	c.store.Add(m.ID, m)
}

// GetMessage looks a message up by id.
func (c *Caches) GetMessage(id string) (email.Message, bool) {
	return c.store.Get(id)
}

// RemoveMessage evicts a message from the global store and payload cache,
// and drops any view that could still contain it.
func (c *Caches) RemoveMessage(id string) {
	if m, ok := c.store.Peek(id); ok {
		c.MarkStale(m.Backend)
	}
	c.store.Remove(id)
	c.payloads.Remove(id)
	c.views.Purge()
}

// PutPayload stores a parsed payload.
func (c *Caches) PutPayload(p *email.Payload) {
	if p == nil {
		return
	}
	c.payloads.Add(p.MessageID, p)
}

// GetPayload looks a payload up by message id.
func (c *Caches) GetPayload(id string) (*email.Payload, bool) {
	return c.payloads.Get(id)
}

// Stats reports current cache occupancy.
type Stats struct {
	Views    int `json:"views"`
	Messages int `json:"messages"`
	Payloads int `json:"payloads"`
}

// Sizes returns the number of live entries per cache.
func (c *Caches) Sizes() Stats {
	return Stats{
		Views:    c.views.Len(),
		Messages: c.store.Len(),
		Payloads: c.payloads.Len(),
	}
}
