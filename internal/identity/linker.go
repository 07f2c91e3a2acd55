package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storegate/internal/account"
	"storegate/internal/credential"
	"storegate/internal/observability"
	"storegate/internal/session"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrReplayDetected means the same assertion was already presented
	// within the replay window, whatever the outcome of that attempt.
	ErrReplayDetected = errors.New("assertion already used")

	// ErrAccountConflict refuses auto-linking onto an account whose email
	// is not yet verified. A pre-registered but unverified address must
	// not let an attacker capture a later legitimate OAuth login.
	ErrAccountConflict = errors.New("an unverified account with this email already exists")

	// ErrEmailUnproven refuses auto-linking by email when the provider
	// itself has not verified the address. An unproven address claim must
	// not attach a new sign-in method to an existing account.
	ErrEmailUnproven = errors.New("provider has not verified this email address")
)

// AssertionError wraps a provider verification failure.
type AssertionError struct {
	Provider string
	cause    error
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s assertion rejected: %v", e.Provider, e.cause)
}

func (e *AssertionError) Unwrap() error { return e.cause }

// Linker resolves verified provider profiles onto local accounts.
type Linker struct {
	accounts    account.Store
	credentials *credential.Service
	replay      session.ReplayGuard
	verifiers   map[string]Verifier
	logger      *observability.Logger
}

func NewLinker(
	accounts account.Store,
	credentials *credential.Service,
	replay session.ReplayGuard,
	logger *observability.Logger,
	verifiers ...Verifier,
) *Linker {
	byName := make(map[string]Verifier, len(verifiers))
	for _, v := range verifiers {
		byName[v.Name()] = v
	}
	return &Linker{
		accounts:    accounts,
		credentials: credentials,
		replay:      replay,
		verifiers:   byName,
		logger:      logger,
	}
}

// Authenticate verifies a provider assertion, resolves it onto an
// account and issues a token triple. The assertion is remembered on its
// first presentation, so a replay fails regardless of how the first
// attempt ended.
func (l *Linker) Authenticate(ctx context.Context, provider, assertion string) (credential.TokenSet, error) {
	verifier, ok := l.verifiers[provider]
	if !ok {
		return credential.TokenSet{}, ErrUnknownProvider
	}

	if l.assertionUsed(ctx, assertion) {
		return credential.TokenSet{}, ErrReplayDetected
	}
	l.consumeAssertion(ctx, assertion)

	profile, err := verifier.Verify(ctx, assertion)
	if err != nil {
		return credential.TokenSet{}, &AssertionError{Provider: provider, cause: err}
	}

	acct, err := l.resolve(ctx, provider, profile)
	if err != nil {
		return credential.TokenSet{}, err
	}

	return l.credentials.IssueSet(acct)
}

// resolve applies the three-step resolution order exactly once per call.
func (l *Linker) resolve(ctx context.Context, provider string, profile *Profile) (*account.Account, error) {
	// Local emails are stored lowercased; the provider's casing must not
	// sidestep the email-based resolution steps below.
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))

	// 1. Exact match on the stored provider id.
	acct, err := l.accounts.ByProviderID(ctx, provider, profile.ProviderUserID)
	if err == nil {
		return l.refreshLinked(ctx, acct, provider, profile)
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, err
	}

	// 2. Match by email: auto-link only onto a verified account, and only
	// when the provider has verified the address itself.
	acct, err = l.accounts.ByEmail(ctx, profile.Email)
	if err == nil {
		if !profile.EmailVerified {
			return nil, ErrEmailUnproven
		}
		if !acct.Verified {
			return nil, ErrAccountConflict
		}
		acct.LinkProvider(provider, profile.ProviderUserID)
		fillDisplayFields(acct, profile)
		if err := l.accounts.Update(ctx, acct); err != nil {
			return nil, err
		}
		return acct, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, err
	}

	// 3. New account. Verified only when the provider vouches for the
	// address; an unproven claim starts unverified like a password
	// registration would.
	acct = &account.Account{
		Email:           profile.Email,
		Verified:        profile.EmailVerified,
		FirstName:       profile.FirstName,
		LastName:        profile.LastName,
		AvatarURL:       profile.AvatarURL,
		PrimaryProvider: provider,
	}
	acct.LinkProvider(provider, profile.ProviderUserID)
	if err := l.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// refreshLinked updates mutable profile fields on a known account. Name
// and avatar are only filled where locally unset.
func (l *Linker) refreshLinked(ctx context.Context, acct *account.Account, provider string, profile *Profile) (*account.Account, error) {
	changed := fillDisplayFields(acct, profile)
	if !acct.HasProvider(provider) {
		acct.LinkProvider(provider, profile.ProviderUserID)
		changed = true
	}
	if changed {
		if err := l.accounts.Update(ctx, acct); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

func fillDisplayFields(acct *account.Account, profile *Profile) bool {
	changed := false
	if acct.FirstName == "" && profile.FirstName != "" {
		acct.FirstName = profile.FirstName
		changed = true
	}
	if acct.LastName == "" && profile.LastName != "" {
		acct.LastName = profile.LastName
		changed = true
	}
	if acct.AvatarURL == "" && profile.AvatarURL != "" {
		acct.AvatarURL = profile.AvatarURL
		changed = true
	}
	return changed
}

// assertionUsed fails open: a replay-guard outage does not take OAuth
// sign-in down with it. Logged whenever that happens.
func (l *Linker) assertionUsed(ctx context.Context, assertion string) bool {
	used, err := l.replay.IsUsed(ctx, assertion)
	if err != nil {
		l.logger.Warn("replay_check_failed_open", map[string]any{"error": err.Error()})
		return false
	}
	return used
}

func (l *Linker) consumeAssertion(ctx context.Context, assertion string) {
	if err := l.replay.MarkUsed(ctx, assertion); err != nil {
		l.logger.Error("replay_mark_failed", map[string]any{"error": err.Error()})
	}
}
