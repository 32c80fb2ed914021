// Package alias generates disposable addresses for provider accounts and
// routes arbitrary recipients back to the physical mailbox that holds them.
package alias

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"inbox-gateway/internal/accounts"
)

// ErrNotRoutable is returned when a recipient matches no known backend.
var ErrNotRoutable = errors.New("address does not route to any known mailbox")

// suffixPattern validates caller-supplied plus suffixes.
var suffixPattern = regexp.MustCompile(`^[a-z0-9_]{2,}$`)

const randomSuffixLen = 6
const randomSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Alias describes a generated disposable address.
type Alias struct {
	AliasAddress string            `json:"alias"`
	BaseAddress  string            `json:"baseEmail"`
	Provider     accounts.Provider `json:"provider"`
	Suffix       string            `json:"suffix,omitempty"`
}

// Route is the resolution of a recipient to a backend mailbox.
type Route struct {
	Backend  accounts.Account
	Address  string // normalized recipient
	Provider accounts.Provider
	IsAlias  bool
}

// Engine routes recipients against the account registry and a set of
// catch-all domains whose mail lands in one designated mailbox.
type Engine struct {
	registry *accounts.Registry
	domains  map[string]bool
	catchAll string // backend address for catch-all domains
}

// NewEngine creates an alias engine. catchAllBackend may be empty when no
// catch-all domains are configured.
func NewEngine(registry *accounts.Registry, domains []string, catchAllBackend string) *Engine {
	dm := make(map[string]bool, len(domains))
	for _, d := range domains {
		dm[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Engine{
		registry: registry,
		domains:  dm,
		catchAll: strings.ToLower(catchAllBackend),
	}
}

// Domains returns the configured catch-all domains.
func (e *Engine) Domains() []string {
	out := make([]string, 0, len(e.domains))
	for d := range e.domains {
		out = append(out, d)
	}
	return out
}

// GenerateAlias produces a new alias for a registered base account.
// For gmail with no explicit suffix, useDot selects the dot-variant method;
// the dot variant falls back to a plus alias when the local part is too
// short to hold an interior dot.
func (e *Engine) GenerateAlias(provider accounts.Provider, base, suffix string, useDot bool) (Alias, error) {
	acct, ok := e.registry.Lookup(base)
	if !ok {
		return Alias{}, fmt.Errorf("%w: %s is not a configured account", ErrNotRoutable, base)
	}
	if acct.Provider != provider {
		return Alias{}, fmt.Errorf("provider mismatch: %s is a %s account, not %s", base, acct.Provider, provider)
	}

	local, domain, err := splitAddress(acct.Address)
	if err != nil {
		return Alias{}, err
	}

	if provider == accounts.ProviderGmail && useDot && suffix == "" {
		if alias, ok := dotVariant(local, domain); ok {
			return Alias{AliasAddress: alias, BaseAddress: acct.Address, Provider: provider}, nil
		}
		// Local too short for an interior dot; fall through to plus.
	}

	if suffix == "" {
		suffix = randomSuffix()
	} else if !suffixPattern.MatchString(suffix) {
		return Alias{}, fmt.Errorf("invalid suffix %q: want [a-z0-9_]{2,}", suffix)
	}

	return Alias{
		AliasAddress: fmt.Sprintf("%s+%s@%s", local, suffix, domain),
		BaseAddress:  acct.Address,
		Provider:     provider,
		Suffix:       suffix,
	}, nil
}

// Route resolves an arbitrary recipient to a backend mailbox.
func (e *Engine) Route(recipient string) (Route, error) {
	normalized := strings.ToLower(strings.TrimSpace(recipient))
	local, domain, err := splitAddress(normalized)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %q", ErrNotRoutable, recipient)
	}

	// Catch-all domains all land in the designated mailbox; filtering is by
	// the To header, so any local part routes.
	if e.domains[domain] && e.catchAll != "" {
		if backend, ok := e.registry.Lookup(e.catchAll); ok {
			return Route{
				Backend:  backend,
				Address:  normalized,
				Provider: accounts.ProviderDomain,
				IsAlias:  true,
			}, nil
		}
	}

	beforePlus := local
	if i := strings.Index(local, "+"); i >= 0 {
		beforePlus = local[:i]
	}

	for _, backend := range e.registry.List() {
		backendLocal, backendDomain, err := splitAddress(backend.Address)
		if err != nil || backendDomain != domain {
			continue
		}

		switch backend.Provider {
		case accounts.ProviderGmail:
			// Gmail ignores dots in the local part.
			if stripDots(beforePlus) == stripDots(backendLocal) {
				return Route{
					Backend:  backend,
					Address:  normalized,
					Provider: backend.Provider,
					IsAlias:  normalized != backend.Address,
				}, nil
			}
		case accounts.ProviderOutlook:
			if beforePlus == backendLocal {
				return Route{
					Backend:  backend,
					Address:  normalized,
					Provider: backend.Provider,
					IsAlias:  normalized != backend.Address,
				}, nil
			}
		}
	}

	return Route{}, fmt.Errorf("%w: %q", ErrNotRoutable, recipient)
}

// IsAlias reports whether a recipient is an alias rather than a backend's
// own address.
func (e *Engine) IsAlias(recipient string) bool {
	if strings.Contains(recipient, "+") {
		return true
	}
	route, err := e.Route(recipient)
	if err != nil {
		return false
	}
	return route.IsAlias
}

// dotVariant strips all dots from the local part and inserts exactly one dot
// at a random interior position. Returns false when the stripped local has
// fewer than 2 characters.
func dotVariant(local, domain string) (string, bool) {
	stripped := stripDots(local)
	if len(stripped) < 2 {
		return "", false
	}
	pos := 1 + rand.Intn(len(stripped)-1)
	return fmt.Sprintf("%s.%s@%s", stripped[:pos], stripped[pos:], domain), true
}

func randomSuffix() string {
	b := make([]byte, randomSuffixLen)
	for i := range b {
		b[i] = randomSuffixAlphabet[rand.Intn(len(randomSuffixAlphabet))]
	}
	return string(b)
}

func stripDots(s string) string {
	return strings.ReplaceAll(s, ".", "")
}

func splitAddress(addr string) (local, domain string, err error) {
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("malformed address %q", addr)
	}
	return addr[:i], addr[i+1:], nil
}
