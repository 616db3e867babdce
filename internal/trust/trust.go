// Package trust decides what a caller may touch: which store, which tables,
// how large a body, and whether it may read at all.
package trust

import (
	"fmt"
	"strings"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
)

// Tier is the trust level of a caller.
type Tier int

const (
	TierGuest Tier = iota
	TierAuthenticated
)

func (t Tier) String() string {
	if t == TierAuthenticated {
		return "authenticated"
	}
	return "guest"
}

// Identity is who the caller is, resolved once per request.
type Identity struct {
	Tier Tier
	// KeyName names the API key used; empty for guests.
	KeyName string
}

// Principal returns a label for audit records.
func (i Identity) Principal() string {
	if i.Tier == TierAuthenticated {
		return "key:" + i.KeyName
	}
	return "guest"
}

// Config holds the trust settings.
type Config struct {
	DefaultStore      string
	GuestStore        string
	GuestTables       []string
	MaxBodyBytes      int64
	GuestMaxBodyBytes int64
	GuestReads        bool
	RequireCredential bool
}

// Policy resolves identities to grants.
type Policy struct {
	keyring           *Keyring
	defaultStore      ident.Identifier
	guestStore        ident.Identifier
	guestTables       map[string]struct{}
	maxBody           int64
	guestMaxBody      int64
	guestReads        bool
	requireCredential bool
}

// NewPolicy builds a policy. Store and table names are sanitized the same
// way request values are, so configuration and requests always agree.
func NewPolicy(cfg Config, keyring *Keyring) (*Policy, error) {
	def, ok := ident.Store(cfg.DefaultStore)
	if !ok {
		return nil, fmt.Errorf("trust: invalid default store %q", cfg.DefaultStore)
	}
	guest, ok := ident.Store(cfg.GuestStore)
	if !ok {
		return nil, fmt.Errorf("trust: invalid guest store %q", cfg.GuestStore)
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("trust: max body bytes must be positive")
	}
	guestMax := cfg.GuestMaxBodyBytes
	if guestMax <= 0 || guestMax > cfg.MaxBodyBytes {
		guestMax = cfg.MaxBodyBytes
	}

	tables := make(map[string]struct{}, len(cfg.GuestTables))
	for _, t := range cfg.GuestTables {
		if strings.TrimSpace(t) == "" {
			continue
		}
		tables[ident.Table(t).String()] = struct{}{}
	}

	return &Policy{
		keyring:           keyring,
		defaultStore:      def,
		guestStore:        guest,
		guestTables:       tables,
		maxBody:           cfg.MaxBodyBytes,
		guestMaxBody:      guestMax,
		guestReads:        cfg.GuestReads,
		requireCredential: cfg.RequireCredential,
	}, nil
}

// Authenticate resolves a presented API key. No key yields a guest; a key
// that matches nothing is rejected rather than downgraded.
func (p *Policy) Authenticate(apiKey string) (Identity, error) {
	if apiKey == "" {
		return Identity{Tier: TierGuest}, nil
	}
	name, ok := p.keyring.Lookup(apiKey)
	if !ok {
		return Identity{}, sowerr.NewAuthError(sowerr.CodeUnauthorized, "invalid API key")
	}
	return Identity{Tier: TierAuthenticated, KeyName: name}, nil
}

// MaxBodyBytes returns the largest body any caller may send. Transports use
// it to bound reads before the caller's tier is known.
func (p *Policy) MaxBodyBytes() int64 {
	return p.maxBody
}

// Resolve returns the grant for id. Authenticated callers get the store they
// asked for, or the default store; guests are always pinned to the guest
// store whatever they asked for.
func (p *Policy) Resolve(id Identity, requestedStore string) (Grant, error) {
	if id.Tier != TierAuthenticated {
		return Grant{
			Identity:          id,
			Store:             p.guestStore,
			MaxBodyBytes:      p.guestMaxBody,
			allowed:           p.guestTables,
			reads:             p.guestReads,
			requireCredential: p.requireCredential,
		}, nil
	}

	st := p.defaultStore
	if strings.TrimSpace(requestedStore) != "" {
		s, ok := ident.Store(requestedStore)
		if !ok {
			return Grant{}, sowerr.NewValidationError(sowerr.CodeInvalidRequest, fmt.Sprintf("invalid store name %q", requestedStore))
		}
		st = s
	}
	return Grant{
		Identity:     id,
		Store:        st,
		MaxBodyBytes: p.maxBody,
		reads:        true,
	}, nil
}

// Grant is what one request may do. It is immutable once resolved.
type Grant struct {
	Identity     Identity
	Store        ident.Identifier
	MaxBodyBytes int64

	// allowed is nil when every table is allowed.
	allowed           map[string]struct{}
	reads             bool
	requireCredential bool
}

// CheckWrite reports whether table may be written. It runs before any
// schema or row work.
func (g Grant) CheckWrite(table ident.Identifier) error {
	if g.requireCredential && g.Identity.Tier != TierAuthenticated {
		return sowerr.NewAuthError(sowerr.CodeUnauthorized, "an API key is required")
	}
	if g.allowed == nil {
		return nil
	}
	if _, ok := g.allowed[table.String()]; !ok {
		return sowerr.NewAuthError(sowerr.CodeForbiddenTable, fmt.Sprintf("table %q is not writable without an API key", table)).
			WithDetails(map[string]interface{}{"table": table.String()})
	}
	return nil
}

// CheckRead reports whether the caller may read.
func (g Grant) CheckRead() error {
	if !g.reads {
		return sowerr.NewAuthError(sowerr.CodeReadsDisabled, "reads require an API key")
	}
	return nil
}

// CheckSize reports whether a body of n bytes is within the ceiling.
func (g Grant) CheckSize(n int64) error {
	if n > g.MaxBodyBytes {
		return sowerr.NewValidationError(sowerr.CodeBodyTooLarge,
			fmt.Sprintf("body of %d bytes exceeds the %d byte limit", n, g.MaxBodyBytes))
	}
	return nil
}

// TableAllowed reports whether table passes the allowlist.
func (g Grant) TableAllowed(table ident.Identifier) bool {
	if g.allowed == nil {
		return true
	}
	_, ok := g.allowed[table.String()]
	return ok
}
