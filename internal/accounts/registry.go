// Package accounts holds the registry of backend mailboxes the gateway
// authenticates into over IMAP.
package accounts

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Provider identifies the mail provider behind a backend mailbox.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderDomain  Provider = "domain"
)

// IMAP endpoints per provider. All providers use implicit TLS on 993.
const (
	gmailIMAPHost   = "imap.gmail.com"
	outlookIMAPHost = "outlook.office365.com"
	IMAPPort        = 993
)

// Account is the public descriptor of a backend mailbox. It never carries
// credentials; those live in an opaque Credentials handle.
type Account struct {
	Address  string   `json:"address"`
	Provider Provider `json:"provider"`
	IMAPHost string   `json:"-"`
	IMAPPort int      `json:"-"`
}

// Credentials is an opaque credential handle. Only the IMAP layer consumes
// it; it is never serialized and never returned by registry lookups.
type Credentials struct {
	password    string
	tokenSource oauth2.TokenSource
}

// Password returns the account password for IMAP LOGIN.
func (c *Credentials) Password() string { return c.password }

// TokenSource returns the OAuth2 token source for OAUTHBEARER login, or nil
// when the account authenticates with a password.
func (c *Credentials) TokenSource() oauth2.TokenSource { return c.tokenSource }

// Registry owns the set of configured accounts. It is built once at startup
// and immutable afterwards.
type Registry struct {
	accounts []Account
	creds    map[string]*Credentials
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{creds: make(map[string]*Credentials)}
}

// Add registers an account. Unknown providers are rejected.
func (r *Registry) Add(address, password string, provider Provider) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || !strings.Contains(address, "@") {
		return fmt.Errorf("invalid account address %q", address)
	}

	var host string
	switch provider {
	case ProviderGmail:
		host = gmailIMAPHost
	case ProviderOutlook:
		host = outlookIMAPHost
	default:
		return fmt.Errorf("unknown provider %q for account %s", provider, address)
	}

	if _, ok := r.creds[address]; ok {
		return fmt.Errorf("duplicate account %s", address)
	}

	r.accounts = append(r.accounts, Account{
		Address:  address,
		Provider: provider,
		IMAPHost: host,
		IMAPPort: IMAPPort,
	})
	r.creds[address] = &Credentials{password: password}
	return nil
}

// EnableOAuth attaches an OAuth2 refresh-token source to an already
// registered gmail account. The IMAP layer will then log in with
// OAUTHBEARER instead of LOGIN.
func (r *Registry) EnableOAuth(address, clientID, clientSecret, refreshToken string) error {
	address = strings.ToLower(address)
	creds, ok := r.creds[address]
	if !ok {
		return fmt.Errorf("unknown account %s", address)
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"https://mail.google.com/"},
		Endpoint:     google.Endpoint,
	}
	creds.tokenSource = conf.TokenSource(nil, &oauth2.Token{RefreshToken: refreshToken})
	return nil
}

// List returns all accounts in registration order.
func (r *Registry) List() []Account {
	out := make([]Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// ByProvider returns all accounts for one provider.
func (r *Registry) ByProvider(p Provider) []Account {
	var out []Account
	for _, a := range r.accounts {
		if a.Provider == p {
			out = append(out, a)
		}
	}
	return out
}

// Lookup finds an account by address. Comparison is case-insensitive.
func (r *Registry) Lookup(address string) (Account, bool) {
	address = strings.ToLower(strings.TrimSpace(address))
	for _, a := range r.accounts {
		if a.Address == address {
			return a, true
		}
	}
	return Account{}, false
}

// CredentialsFor returns the opaque credential handle for an account.
func (r *Registry) CredentialsFor(address string) (*Credentials, bool) {
	c, ok := r.creds[strings.ToLower(address)]
	return c, ok
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int { return len(r.accounts) }

// ParseAccountsString parses the provider account format
// "addr1:pw1:addr2:pw2:…" into address/password pairs.
func ParseAccountsString(s string) ([][2]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ":")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("malformed accounts string: %d fields (want address:password pairs)", len(parts))
	}

	pairs := make([][2]string, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		addr := strings.TrimSpace(parts[i])
		pw := parts[i+1]
		if addr == "" || pw == "" {
			return nil, fmt.Errorf("empty address or password at pair %d", i/2+1)
		}
		pairs = append(pairs, [2]string{addr, pw})
	}
	return pairs, nil
}
