package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRevocations is the shared-storage RevocationStore. One row per
// account; the upsert relies on Postgres write atomicity for last write
// wins on the threshold, while GREATEST keeps the record lifetime
// monotonically non-decreasing.
type PostgresRevocations struct {
	db *sql.DB
}

func NewPostgresRevocations(db *sql.DB) *PostgresRevocations {
	return &PostgresRevocations{db: db}
}

func (s *PostgresRevocations) Revoke(ctx context.Context, accountID string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_revocations (account_id, revoked_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id)
		DO UPDATE SET
			revoked_at = EXCLUDED.revoked_at,
			expires_at = GREATEST(auth_revocations.expires_at, EXCLUDED.expires_at)
	`, accountID, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("upsert revocation: %w", err)
	}
	return nil
}

func (s *PostgresRevocations) IsValid(ctx context.Context, accountID string, issuedAt time.Time) (bool, error) {
	var revokedAt, expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT revoked_at, expires_at
		FROM auth_revocations
		WHERE account_id = $1
	`, accountID).Scan(&revokedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("query revocation: %w", err)
	}

	if time.Now().UTC().After(expiresAt.UTC()) {
		return true, nil
	}
	return issuedAt.After(revokedAt.UTC()), nil
}

// DeleteExpired removes revocation rows past their lifetime, in batches.
func (s *PostgresRevocations) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT account_id
			FROM auth_revocations
			WHERE expires_at < NOW()
			LIMIT $1
		)
		DELETE FROM auth_revocations t
		USING stale
		WHERE t.account_id = stale.account_id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale revocations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale revocations rows affected: %w", err)
	}
	return affected, nil
}

// PostgresReplay is the shared-storage ReplayGuard. Consumed assertions
// are stored by digest until the replay window has passed.
type PostgresReplay struct {
	db     *sql.DB
	window time.Duration
}

func NewPostgresReplay(db *sql.DB, window time.Duration) *PostgresReplay {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &PostgresReplay{db: db, window: window}
}

func (g *PostgresReplay) IsUsed(ctx context.Context, assertion string) (bool, error) {
	var exists bool
	err := g.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM auth_used_assertions
			WHERE assertion_hash = $1 AND consumed_at > $2
		)
	`, hashAssertion(assertion), time.Now().UTC().Add(-g.window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query used assertion: %w", err)
	}
	return exists, nil
}

func (g *PostgresReplay) MarkUsed(ctx context.Context, assertion string) error {
	now := time.Now().UTC()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO auth_used_assertions (assertion_hash, consumed_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (assertion_hash) DO NOTHING
	`, hashAssertion(assertion), now, now.Add(g.window))
	if err != nil {
		return fmt.Errorf("insert used assertion: %w", err)
	}
	return nil
}

// DeleteExpired removes assertion digests past the replay window.
func (g *PostgresReplay) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	res, err := g.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT assertion_hash
			FROM auth_used_assertions
			WHERE expires_at < NOW()
			LIMIT $1
		)
		DELETE FROM auth_used_assertions t
		USING stale
		WHERE t.assertion_hash = stale.assertion_hash
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale assertions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale assertions rows affected: %w", err)
	}
	return affected, nil
}
