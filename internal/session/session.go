// Package session tracks token revocation and one-time assertion
// consumption across service instances. Both concerns are expressed as
// injected store interfaces with an in-process implementation for a single
// instance and a Postgres-backed one for multi-instance deployments.
//
// Callers decide how to treat store errors. The services in this repo fail
// open on them: a storage outage disables revocation and replay
// enforcement in favor of availability. That tradeoff is deliberate and
// logged whenever it is taken.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RevocationStore keeps one "revoked since" record per account with a
// bounded lifetime.
type RevocationStore interface {
	// Revoke records the current time as the account's revocation
	// threshold. A later call overwrites the threshold (last write wins)
	// but never shortens the record's lifetime.
	Revoke(ctx context.Context, accountID string, ttl time.Duration) error

	// IsValid reports whether a token issued at issuedAt is still
	// acceptable: true when no record exists or the record predates the
	// issue time.
	IsValid(ctx context.Context, accountID string, issuedAt time.Time) (bool, error)
}

// ReplayGuard remembers consumed one-time assertions for a fixed window,
// independent of the assertion's own expiry.
type ReplayGuard interface {
	IsUsed(ctx context.Context, assertion string) (bool, error)
	MarkUsed(ctx context.Context, assertion string) error
}

// DefaultReplayWindow exceeds worst-case verification latency by a wide
// margin; assertions older than this can no longer be replayed against a
// live verifier anyway.
const DefaultReplayWindow = 10 * time.Minute

// Assertions are remembered by digest so raw provider credentials never
// land in storage.
func hashAssertion(assertion string) string {
	sum := sha256.Sum256([]byte(assertion))
	return hex.EncodeToString(sum[:])
}
