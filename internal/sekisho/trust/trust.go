// Package trust decides whether a piece of code needs a full review prompt
// or a shortened one. It is a thin facade over the store's trust table:
// policy only, no data of its own. Trust never skips the per-invocation
// approval — it only changes the shape of the prompt.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/sekisho/internal/sekisho/store"
)

// Cache answers trust lookups and records grants.
type Cache struct {
	store *store.Store
}

// NewCache creates a Cache over the given store.
func NewCache(s *store.Store) *Cache {
	return &Cache{store: s}
}

// Lookup returns the live trust record for (source, fingerprint), or nil
// when none exists. Expired grants are removed on the way out, so a non-nil
// result is always currently valid.
func (c *Cache) Lookup(ctx context.Context, source, fingerprint string) (*store.TrustRecord, error) {
	return c.lookupAt(ctx, source, fingerprint, time.Now())
}

// lookupAt is the time-injectable core of Lookup (for testing).
func (c *Cache) lookupAt(ctx context.Context, source, fingerprint string, now time.Time) (*store.TrustRecord, error) {
	rec, err := c.store.LookupTrust(ctx, source, fingerprint, now)
	if err != nil {
		return nil, fmt.Errorf("failed to look up trust: %w", err)
	}
	return rec, nil
}

// Grant records a trust decision. Scope once is a per-invocation decision
// and is refused by the store; callers decompose a "trust this code" click
// into Grant(forever) plus the ordinary once approval.
func (c *Cache) Grant(ctx context.Context, source, fingerprint string, scope store.TrustScope) error {
	return c.grantAt(ctx, source, fingerprint, scope, time.Now())
}

// grantAt is the time-injectable core of Grant (for testing).
func (c *Cache) grantAt(ctx context.Context, source, fingerprint string, scope store.TrustScope, now time.Time) error {
	if err := c.store.AddTrust(ctx, source, fingerprint, scope, now); err != nil {
		return fmt.Errorf("failed to grant trust: %w", err)
	}
	return nil
}

// ParseScope maps a payload scope string onto a TrustScope.
func ParseScope(s string) (store.TrustScope, error) {
	switch store.TrustScope(s) {
	case store.TrustOnce:
		return store.TrustOnce, nil
	case store.Trust24h:
		return store.Trust24h, nil
	case store.TrustForever:
		return store.TrustForever, nil
	default:
		return "", fmt.Errorf("unknown trust scope %q", s)
	}
}
