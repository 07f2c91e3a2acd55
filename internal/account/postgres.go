package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Postgres implements Store over database/sql.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const accountColumns = `
	id, email, password_hash, verified, phone_verified,
	first_name, last_name, avatar_url,
	failed_login_attempts, locked_until,
	reset_token_hash, reset_token_expires_at, reset_token_used,
	verify_token_hash, verify_token_expires_at,
	provider_ids, linked_providers, primary_provider,
	created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, a *Account) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate account id: %w", err)
		}
		a.ID = id.String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	providerIDs, linkedProviders, err := marshalProviders(a)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		a.ID, a.Email, nullString(a.PasswordHash), a.Verified, a.PhoneVerified,
		a.FirstName, a.LastName, a.AvatarURL,
		a.FailedLoginAttempts, nullTime(a.LockedUntil),
		nullString(a.ResetTokenHash), nullTime(a.ResetTokenExpiry), a.ResetTokenUsed,
		nullString(a.VerifyTokenHash), nullTime(a.VerifyTokenExpiry),
		providerIDs, linkedProviders, a.PrimaryProvider,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *Postgres) Update(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()

	providerIDs, linkedProviders, err := marshalProviders(a)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			email = $2, password_hash = $3, verified = $4, phone_verified = $5,
			first_name = $6, last_name = $7, avatar_url = $8,
			failed_login_attempts = $9, locked_until = $10,
			reset_token_hash = $11, reset_token_expires_at = $12, reset_token_used = $13,
			verify_token_hash = $14, verify_token_expires_at = $15,
			provider_ids = $16, linked_providers = $17, primary_provider = $18,
			updated_at = $19
		WHERE id = $1
	`,
		a.ID, a.Email, nullString(a.PasswordHash), a.Verified, a.PhoneVerified,
		a.FirstName, a.LastName, a.AvatarURL,
		a.FailedLoginAttempts, nullTime(a.LockedUntil),
		nullString(a.ResetTokenHash), nullTime(a.ResetTokenExpiry), a.ResetTokenUsed,
		nullString(a.VerifyTokenHash), nullTime(a.VerifyTokenExpiry),
		providerIDs, linkedProviders, a.PrimaryProvider,
		a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ByID(ctx context.Context, id string) (*Account, error) {
	return s.queryOne(ctx, `WHERE id = $1`, id)
}

func (s *Postgres) ByEmail(ctx context.Context, email string) (*Account, error) {
	return s.queryOne(ctx, `WHERE email = $1`, email)
}

func (s *Postgres) ByProviderID(ctx context.Context, provider, externalID string) (*Account, error) {
	return s.queryOne(ctx, `WHERE provider_ids->>$1 = $2`, provider, externalID)
}

func (s *Postgres) ByResetTokenHash(ctx context.Context, hash string) (*Account, error) {
	return s.queryOne(ctx, `WHERE reset_token_hash = $1`, hash)
}

func (s *Postgres) ByVerifyTokenHash(ctx context.Context, hash string) (*Account, error) {
	return s.queryOne(ctx, `WHERE verify_token_hash = $1`, hash)
}

func (s *Postgres) queryOne(ctx context.Context, where string, args ...any) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where, args...)

	var a Account
	var passwordHash, resetHash, verifyHash sql.NullString
	var lockedUntil, resetExpiry, verifyExpiry sql.NullTime
	var providerIDs, linkedProviders []byte

	err := row.Scan(
		&a.ID, &a.Email, &passwordHash, &a.Verified, &a.PhoneVerified,
		&a.FirstName, &a.LastName, &a.AvatarURL,
		&a.FailedLoginAttempts, &lockedUntil,
		&resetHash, &resetExpiry, &a.ResetTokenUsed,
		&verifyHash, &verifyExpiry,
		&providerIDs, &linkedProviders, &a.PrimaryProvider,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query account: %w", err)
	}

	a.PasswordHash = passwordHash.String
	a.ResetTokenHash = resetHash.String
	a.VerifyTokenHash = verifyHash.String
	a.LockedUntil = timePtr(lockedUntil)
	a.ResetTokenExpiry = timePtr(resetExpiry)
	a.VerifyTokenExpiry = timePtr(verifyExpiry)

	if len(providerIDs) > 0 {
		if err := json.Unmarshal(providerIDs, &a.ProviderIDs); err != nil {
			return nil, fmt.Errorf("decode provider ids: %w", err)
		}
	}
	if len(linkedProviders) > 0 {
		if err := json.Unmarshal(linkedProviders, &a.LinkedProviders); err != nil {
			return nil, fmt.Errorf("decode linked providers: %w", err)
		}
	}

	return &a, nil
}

func (s *Postgres) RegisterFailedLogin(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed login tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock account row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockFor)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET failed_login_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, id, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("record failed login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed login tx: %w", err)
	}
	return nextLock, nil
}

func (s *Postgres) ResetLoginState(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset login state: %w", err)
	}
	return nil
}

// ClearStaleTokens clears expired, never-used single-use token fields and
// elapsed lockouts so stale secrets do not linger in the table.
func (s *Postgres) ClearStaleTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			reset_token_hash = CASE WHEN reset_token_expires_at < NOW() THEN NULL ELSE reset_token_hash END,
			reset_token_expires_at = CASE WHEN reset_token_expires_at < NOW() THEN NULL ELSE reset_token_expires_at END,
			reset_token_used = CASE WHEN reset_token_expires_at < NOW() THEN FALSE ELSE reset_token_used END,
			verify_token_hash = CASE WHEN verify_token_expires_at < NOW() THEN NULL ELSE verify_token_hash END,
			verify_token_expires_at = CASE WHEN verify_token_expires_at < NOW() THEN NULL ELSE verify_token_expires_at END,
			locked_until = CASE WHEN locked_until < NOW() THEN NULL ELSE locked_until END
		WHERE reset_token_expires_at < NOW()
		   OR verify_token_expires_at < NOW()
		   OR locked_until < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("clear stale tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale tokens rows affected: %w", err)
	}
	return affected, nil
}

func marshalProviders(a *Account) ([]byte, []byte, error) {
	providerIDs := a.ProviderIDs
	if providerIDs == nil {
		providerIDs = map[string]string{}
	}
	idsJSON, err := json.Marshal(providerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode provider ids: %w", err)
	}

	linked := a.LinkedProviders
	if linked == nil {
		linked = []string{}
	}
	linkedJSON, err := json.Marshal(linked)
	if err != nil {
		return nil, nil, fmt.Errorf("encode linked providers: %w", err)
	}
	return idsJSON, linkedJSON, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	type pgError interface{ SQLState() string }
	var pgErr pgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
