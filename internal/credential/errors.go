package credential

import (
	"errors"
	"fmt"
	"time"

	"storegate/internal/token"
)

var (
	// ErrInvalidCredentials is deliberately generic. It never indicates
	// which field was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenRevoked means the presented token was valid but issued
	// before a revocation; the client must log in again.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrSingleUseInvalid covers not-found and expired reset or
	// verification tokens.
	ErrSingleUseInvalid = errors.New("invalid or expired token")

	// ErrSingleUseConsumed means the single-use token was already
	// redeemed; the first successful use permanently invalidated it.
	ErrSingleUseConsumed = errors.New("token already used")
)

// LockedError reports a lockout with the remaining duration. Revealing
// the duration is an accepted UX tradeoff.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry in %s", time.Until(e.Until).Round(time.Second))
}

// ProviderOnlyError rejects password login on an OAuth-only account and
// hints the provider to use instead.
type ProviderOnlyError struct {
	Provider string
}

func (e *ProviderOnlyError) Error() string {
	return fmt.Sprintf("account uses %s sign-in", e.Provider)
}

// PolicyError carries field-level detail about a rejected password. Safe
// to return to clients, it contains no secret.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	return "password does not meet policy"
}

// isTokenError reports whether err is a tagged verification failure from
// the token service.
func isTokenError(err error) bool {
	_, ok := token.FailureOf(err)
	return ok
}
