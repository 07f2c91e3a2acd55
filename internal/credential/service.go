// Package credential orchestrates registration, login, lockout, password
// reset and email verification, issuing the token triple on every
// successful authentication event.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"storegate/internal/account"
	"storegate/internal/mail"
	"storegate/internal/observability"
	"storegate/internal/session"
	"storegate/internal/token"
)

const (
	defaultMaxAttempts   = 5
	defaultLockDuration  = 15 * time.Minute
	defaultResetTTL      = time.Hour
	defaultVerifyTTL     = 24 * time.Hour
	defaultRevocationTTL = 7 * 24 * time.Hour
)

// TokenSet is the triple returned on successful authentication. The
// refresh token travels to the client only as an httpOnly cookie; the
// HTTP layer strips it from the body.
type TokenSet struct {
	AccessToken   string `json:"access_token"`
	IdentityToken string `json:"identity_token"`
	RefreshToken  string `json:"-"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int64  `json:"expires_in"`
}

// Principal is the verified caller identity produced by token
// introspection and threaded explicitly through the call chain.
type Principal struct {
	ID        string `json:"id"`
	Activated bool   `json:"activated"`
}

type Service struct {
	accounts    account.Store
	tokens      *token.Service
	revocations session.RevocationStore
	hasher      Hasher
	mailer      mail.Mailer
	logger      *observability.Logger

	policy        Policy
	maxAttempts   int
	lockDuration  time.Duration
	resetTTL      time.Duration
	verifyTTL     time.Duration
	revocationTTL time.Duration
}

func NewService(
	accounts account.Store,
	tokens *token.Service,
	revocations session.RevocationStore,
	hasher Hasher,
	mailer mail.Mailer,
	logger *observability.Logger,
) *Service {
	return &Service{
		accounts:      accounts,
		tokens:        tokens,
		revocations:   revocations,
		hasher:        hasher,
		mailer:        mailer,
		logger:        logger,
		policy:        DefaultPolicy(),
		maxAttempts:   defaultMaxAttempts,
		lockDuration:  defaultLockDuration,
		resetTTL:      defaultResetTTL,
		verifyTTL:     defaultVerifyTTL,
		revocationTTL: defaultRevocationTTL,
	}
}

func (s *Service) WithSecurityConfig(policy Policy, maxAttempts int, lockDuration time.Duration) {
	if policy.MinLength > 0 {
		s.policy = policy
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
}

func (s *Service) WithTokenTTLs(resetTTL, verifyTTL, revocationTTL time.Duration) {
	if resetTTL > 0 {
		s.resetTTL = resetTTL
	}
	if verifyTTL > 0 {
		s.verifyTTL = verifyTTL
	}
	if revocationTTL > 0 {
		s.revocationTTL = revocationTTL
	}
}

// Register creates an unverified account and dispatches a verification
// email. Dispatch failure is logged, not fatal: the stored token stays
// valid and resendable.
func (s *Service) Register(ctx context.Context, email, password, firstName, lastName string) (*account.Account, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	if err := s.policy.Validate(password); err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	rawToken, tokenHash, err := newSingleUseToken()
	if err != nil {
		return nil, err
	}
	expiry := time.Now().UTC().Add(s.verifyTTL)

	acct := &account.Account{
		Email:             email,
		PasswordHash:      passwordHash,
		FirstName:         strings.TrimSpace(firstName),
		LastName:          strings.TrimSpace(lastName),
		VerifyTokenHash:   tokenHash,
		VerifyTokenExpiry: &expiry,
		PrimaryProvider:   "password",
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}

	if err := s.mailer.SendVerification(ctx, email, rawToken); err != nil {
		s.logger.Error("verification_mail_failed", map[string]any{
			"account_id": acct.ID,
			"error":      err.Error(),
		})
	}

	return acct, nil
}

// Login authenticates a password credential and issues a token triple.
func (s *Service) Login(ctx context.Context, email, password string) (TokenSet, error) {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return TokenSet{}, ErrInvalidCredentials
	}

	acct, err := s.accounts.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenSet{}, ErrInvalidCredentials
		}
		return TokenSet{}, err
	}

	now := time.Now().UTC()
	if acct.LockedUntil != nil && now.Before(*acct.LockedUntil) {
		return TokenSet{}, &LockedError{Until: *acct.LockedUntil}
	}

	if acct.PasswordHash == "" {
		return TokenSet{}, &ProviderOnlyError{Provider: acct.PrimaryProvider}
	}

	if !s.hasher.Compare(password, acct.PasswordHash) {
		lockedUntil, regErr := s.accounts.RegisterFailedLogin(ctx, acct.ID, s.maxAttempts, s.lockDuration, now)
		if regErr != nil {
			return TokenSet{}, regErr
		}
		if lockedUntil != nil {
			return TokenSet{}, &LockedError{Until: *lockedUntil}
		}
		return TokenSet{}, ErrInvalidCredentials
	}

	if err := s.accounts.ResetLoginState(ctx, acct.ID); err != nil {
		return TokenSet{}, err
	}

	return s.issueSet(acct)
}

// Refresh verifies a refresh token against the revocation store and mints
// a fresh triple.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	payload, err := s.tokens.Verify(strings.TrimSpace(refreshToken), token.KindRefresh)
	if err != nil {
		return TokenSet{}, err
	}

	if !s.sessionValid(ctx, payload.ID, payload.IssuedAt) {
		return TokenSet{}, ErrTokenRevoked
	}

	acct, err := s.accounts.ByID(ctx, payload.ID)
	if err != nil {
		return TokenSet{}, err
	}

	return s.issueSet(acct)
}

// Revoke invalidates every token issued to the account before now.
func (s *Service) Revoke(ctx context.Context, accountID string) error {
	return s.revocations.Revoke(ctx, accountID, s.revocationTTL)
}

// RequestPasswordReset stores a hashed single-use token and mails it. The
// caller always sees the same outcome whether or not the account exists
// or holds a password credential, to prevent enumeration.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}

	acct, err := s.accounts.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil
		}
		return err
	}
	if acct.PasswordHash == "" {
		return nil
	}

	rawToken, tokenHash, err := newSingleUseToken()
	if err != nil {
		return err
	}
	expiry := time.Now().UTC().Add(s.resetTTL)

	acct.ResetTokenHash = tokenHash
	acct.ResetTokenExpiry = &expiry
	acct.ResetTokenUsed = false
	if err := s.accounts.Update(ctx, acct); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordReset(ctx, email, rawToken); err != nil {
		// Roll the stored token back so no usable-but-undelivered secret
		// is left live.
		acct.ResetTokenHash = ""
		acct.ResetTokenExpiry = nil
		if rollbackErr := s.accounts.Update(ctx, acct); rollbackErr != nil {
			s.logger.Error("reset_token_rollback_failed", map[string]any{
				"account_id": acct.ID,
				"error":      rollbackErr.Error(),
			})
		}
		s.logger.Error("reset_mail_failed", map[string]any{
			"account_id": acct.ID,
			"error":      err.Error(),
		})
	}

	return nil
}

// ResetPassword redeems a single-use reset token. The first successful
// use permanently invalidates it, and every existing session for the
// account is revoked.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrSingleUseInvalid
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	acct, err := s.accounts.ByResetTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrSingleUseInvalid
		}
		return err
	}

	if acct.ResetTokenUsed {
		return ErrSingleUseConsumed
	}
	if acct.ResetTokenExpiry == nil || time.Now().UTC().After(*acct.ResetTokenExpiry) {
		return ErrSingleUseInvalid
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	acct.PasswordHash = passwordHash
	acct.ResetTokenUsed = true
	acct.ResetTokenExpiry = nil
	acct.FailedLoginAttempts = 0
	acct.LockedUntil = nil
	if err := s.accounts.Update(ctx, acct); err != nil {
		return err
	}

	if err := s.revocations.Revoke(ctx, acct.ID, s.revocationTTL); err != nil {
		s.logger.Error("reset_revoke_failed", map[string]any{
			"account_id": acct.ID,
			"error":      err.Error(),
		})
	}

	return nil
}

// SendEmailVerification issues a fresh verification token for an
// unverified account. Same uniform outcome as RequestPasswordReset.
func (s *Service) SendEmailVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}

	acct, err := s.accounts.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil
		}
		return err
	}
	if acct.Verified {
		return nil
	}

	rawToken, tokenHash, err := newSingleUseToken()
	if err != nil {
		return err
	}
	expiry := time.Now().UTC().Add(s.verifyTTL)

	acct.VerifyTokenHash = tokenHash
	acct.VerifyTokenExpiry = &expiry
	if err := s.accounts.Update(ctx, acct); err != nil {
		return err
	}

	if err := s.mailer.SendVerification(ctx, email, rawToken); err != nil {
		s.logger.Error("verification_mail_failed", map[string]any{
			"account_id": acct.ID,
			"error":      err.Error(),
		})
	}

	return nil
}

// VerifyEmail redeems a verification token. Proof of mailbox ownership is
// itself an authentication event, so success returns a fresh triple.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (TokenSet, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return TokenSet{}, ErrSingleUseInvalid
	}

	acct, err := s.accounts.ByVerifyTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenSet{}, ErrSingleUseInvalid
		}
		return TokenSet{}, err
	}

	if acct.VerifyTokenExpiry == nil || time.Now().UTC().After(*acct.VerifyTokenExpiry) {
		return TokenSet{}, ErrSingleUseInvalid
	}

	acct.Verified = true
	acct.VerifyTokenHash = ""
	acct.VerifyTokenExpiry = nil
	if err := s.accounts.Update(ctx, acct); err != nil {
		return TokenSet{}, err
	}

	return s.issueSet(acct)
}

// Introspect verifies an access token and returns the caller principal.
// Revocation is checked with fail-open semantics.
func (s *Service) Introspect(ctx context.Context, accessToken string) (Principal, error) {
	payload, err := s.tokens.Verify(strings.TrimSpace(accessToken), token.KindAccess)
	if err != nil {
		return Principal{}, err
	}

	if !s.sessionValid(ctx, payload.ID, payload.IssuedAt) {
		return Principal{}, ErrTokenRevoked
	}

	return Principal{ID: payload.ID, Activated: payload.Activated}, nil
}

// IssueSet mints the token triple for an already-authenticated account.
// The identity service reuses it after OAuth resolution.
func (s *Service) IssueSet(acct *account.Account) (TokenSet, error) {
	return s.issueSet(acct)
}

func (s *Service) issueSet(acct *account.Account) (TokenSet, error) {
	access, err := s.tokens.IssueAccess(acct.ID, acct.Verified)
	if err != nil {
		return TokenSet{}, err
	}
	identity, err := s.tokens.IssueIdentity(acct.ID, acct.Email, acct.FirstName, acct.LastName)
	if err != nil {
		return TokenSet{}, err
	}
	refresh, err := s.tokens.IssueRefresh(acct.ID)
	if err != nil {
		return TokenSet{}, err
	}

	return TokenSet{
		AccessToken:   access,
		IdentityToken: identity,
		RefreshToken:  refresh,
		TokenType:     "Bearer",
		ExpiresIn:     int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// sessionValid consults the revocation store and fails open: a storage
// outage disables revocation enforcement rather than the whole API. The
// tradeoff is deliberate and logged every time it is taken.
func (s *Service) sessionValid(ctx context.Context, accountID string, issuedAt time.Time) bool {
	valid, err := s.revocations.IsValid(ctx, accountID, issuedAt)
	if err != nil {
		s.logger.Warn("revocation_check_failed_open", map[string]any{
			"account_id": accountID,
			"error":      err.Error(),
		})
		return true
	}
	return valid
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// newSingleUseToken returns a random secret and the hash under which it
// is stored. The raw value only ever travels in the outbound email.
func newSingleUseToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, hashToken(raw), nil
}
