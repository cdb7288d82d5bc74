package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TrustScope is the duration of a code-level grant.
type TrustScope string

const (
	// TrustOnce is a per-invocation decision. It is never persisted;
	// AddTrust rejects it.
	TrustOnce TrustScope = "once"

	// Trust24h expires 86,400 seconds after the grant.
	Trust24h TrustScope = "24h"

	// TrustForever never expires.
	TrustForever TrustScope = "forever"
)

// ErrScopeNotPersistable is returned by AddTrust for scopes that must not be
// written to the trust table.
var ErrScopeNotPersistable = errors.New("trust scope is not persistable")

// trust24hTTL is the absolute validity window of a 24h grant.
const trust24hTTL = 86400 * time.Second

// TrustRecord is a content-addressed approval: code identified by its
// fingerprint, from a given source, is trusted until ExpiresAt (zero when
// the grant never expires).
type TrustRecord struct {
	Source      string
	Fingerprint string
	Scope       TrustScope
	GrantedAt   time.Time
	ExpiresAt   time.Time // zero when scope is forever
}

// Expired reports whether the record is past its expiry at the given time.
func (r *TrustRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// AddTrust upserts a trust grant for (source, fingerprint). A 24h scope
// stores expiry = now + 86,400 s; forever stores no expiry. once is a
// runtime-only decision and is refused.
func (s *Store) AddTrust(ctx context.Context, source, fingerprint string, scope TrustScope, now time.Time) error {
	var expires sql.NullString
	switch scope {
	case Trust24h:
		expires = sql.NullString{String: now.UTC().Add(trust24hTTL).Format(time.RFC3339), Valid: true}
	case TrustForever:
		// no expiry
	default:
		return fmt.Errorf("%w: %q", ErrScopeNotPersistable, scope)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust (source, fingerprint, scope, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source, fingerprint) DO UPDATE SET
			scope = excluded.scope,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at
	`, source, fingerprint, scope, now.UTC().Format(time.RFC3339), expires)
	if err != nil {
		return fmt.Errorf("failed to add trust: %w", err)
	}

	return nil
}

// LookupTrust returns the trust record for (source, fingerprint) if one
// exists and has not expired. An expired row is deleted inside the call, so
// callers never observe a lapsed grant. Absence is reported as (nil, nil).
func (s *Store) LookupTrust(ctx context.Context, source, fingerprint string, now time.Time) (*TrustRecord, error) {
	rec := &TrustRecord{Source: source, Fingerprint: fingerprint}
	var grantedStr string
	var expiresStr sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT scope, granted_at, expires_at
		FROM trust
		WHERE source = ? AND fingerprint = ?
	`, source, fingerprint).Scan(&rec.Scope, &grantedStr, &expiresStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up trust: %w", err)
	}

	rec.GrantedAt, _ = time.Parse(time.RFC3339, grantedStr)
	if expiresStr.Valid {
		rec.ExpiresAt, _ = time.Parse(time.RFC3339, expiresStr.String)
	}

	if rec.Expired(now) {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM trust WHERE source = ? AND fingerprint = ?",
			source, fingerprint,
		); err != nil {
			return nil, fmt.Errorf("failed to delete expired trust: %w", err)
		}
		return nil, nil
	}

	return rec, nil
}

// DeleteExpiredTrust removes all grants whose expiry has passed. Intended to
// be called periodically from the janitor; returns the number of rows swept.
func (s *Store) DeleteExpiredTrust(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM trust WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired trust: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}
