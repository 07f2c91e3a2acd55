package credential

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type principalKey struct{}

// WithPrincipal returns a context carrying the verified caller.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the verified caller placed by Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware authenticates the Bearer access token and threads the
// resulting Principal through the request context. Distinguishing detail
// about why a token failed stays server-side; clients get one message.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoded, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		principal, err := s.Introspect(r.Context(), encoded)
		if err != nil {
			if errors.Is(err, ErrTokenRevoked) {
				writeError(w, http.StatusUnauthorized, "token revoked, please log in again")
				return
			}
			s.logger.Info("access_token_rejected", map[string]any{"reason": err.Error()})
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireActivated gates verified-email-only routes using the activated
// flag embedded in the access token, with no store lookup.
func RequireActivated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		if !principal.Activated {
			writeError(w, http.StatusForbidden, "email verification required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	encoded := strings.TrimSpace(parts[1])
	return encoded, encoded != ""
}
