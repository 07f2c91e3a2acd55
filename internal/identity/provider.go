// Package identity resolves third-party OAuth assertions onto local
// accounts. A per-provider Verifier proves the assertion's authenticity;
// the linker decides which account it maps onto without ever allowing an
// unverified pre-registration to hijack a later legitimate sign-in.
package identity

import "context"

// Profile is the canonical shape extracted from any provider.
type Profile struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	FirstName      string
	LastName       string
	AvatarURL      string
}

// Verifier proves the authenticity and freshness of a provider-issued
// assertion (an ID token or access token) and extracts the profile.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, assertion string) (*Profile, error)
}
