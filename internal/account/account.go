// Package account holds the account model and its stores. Accounts are
// created by registration or a first OAuth sign-in and are never hard
// deleted by this subsystem.
package account

import (
	"context"
	"errors"
	"time"
)

type Account struct {
	ID    string
	Email string

	// PasswordHash is empty for OAuth-only accounts.
	PasswordHash string

	Verified      bool
	PhoneVerified bool

	FirstName string
	LastName  string
	AvatarURL string

	FailedLoginAttempts int
	LockedUntil         *time.Time

	ResetTokenHash   string
	ResetTokenExpiry *time.Time
	ResetTokenUsed   bool

	VerifyTokenHash   string
	VerifyTokenExpiry *time.Time

	// ProviderIDs maps a provider tag ("google", "github") to the
	// account's external id at that provider.
	ProviderIDs     map[string]string
	LinkedProviders []string
	PrimaryProvider string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasProvider reports whether the provider tag is already linked.
func (a *Account) HasProvider(provider string) bool {
	for _, p := range a.LinkedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// LinkProvider records the external id and ensures the provider tag is
// present in the linked set.
func (a *Account) LinkProvider(provider, externalID string) {
	if a.ProviderIDs == nil {
		a.ProviderIDs = make(map[string]string)
	}
	a.ProviderIDs[provider] = externalID
	if !a.HasProvider(provider) {
		a.LinkedProviders = append(a.LinkedProviders, provider)
	}
}

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Store is the persistence contract consumed by the credential and
// identity services. Every mutation is committed individually; no
// operation spans multiple statements except the row-locked failed-login
// update.
type Store interface {
	Create(ctx context.Context, a *Account) error
	ByID(ctx context.Context, id string) (*Account, error)
	ByEmail(ctx context.Context, email string) (*Account, error)
	ByProviderID(ctx context.Context, provider, externalID string) (*Account, error)
	ByResetTokenHash(ctx context.Context, hash string) (*Account, error)
	ByVerifyTokenHash(ctx context.Context, hash string) (*Account, error)
	Update(ctx context.Context, a *Account) error

	// RegisterFailedLogin increments the failure counter under a row
	// lock; when the counter reaches maxAttempts it sets and returns the
	// lockout deadline and resets the counter.
	RegisterFailedLogin(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error)

	// ResetLoginState clears the failure counter and lockout deadline.
	ResetLoginState(ctx context.Context, id string) error
}
