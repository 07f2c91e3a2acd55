package credential

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"storegate/internal/account"
)

const maxJSONBodyBytes = 1 << 20

// refreshCookieName is the only channel the refresh token travels on.
// Access and identity tokens go in the JSON body for Bearer use and are
// never cookied.
const refreshCookieName = "refresh_token"

type Handler struct {
	service      *Service
	refreshTTL   time.Duration
	secureCookie bool
}

func NewHandler(service *Service, refreshTTL time.Duration, secureCookie bool) *Handler {
	return &Handler{service: service, refreshTTL: refreshTTL, secureCookie: secureCookie}
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type verifyConfirmRequest struct {
	Token string `json:"token"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	// Only bare addresses are accepted; a display-name form like
	// "Ada <a@x.com>" parses but must not be stored as the account email.
	trimmed := strings.TrimSpace(body.Email)
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	acct, err := h.service.Register(r.Context(), addr.Address, body.Password, body.FirstName, body.LastName)
	if err != nil {
		var policyErr *PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   policyErr.Error(),
				"reasons": policyErr.Reasons,
			})
		case errors.Is(err, account.ErrEmailTaken):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "email format is invalid")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to register")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       acct.ID,
		"email":    acct.Email,
		"verified": acct.Verified,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeAuthError(w, err, "failed to login")
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		h.writeAuthError(w, err, "failed to refresh token")
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

// Revoke requires an authenticated caller; it invalidates all tokens
// issued to the account before now and clears the refresh cookie.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization")
		return
	}

	if err := h.service.Revoke(r.Context(), principal.ID); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to revoke")
		return
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	// Identical response whether or not the account exists.
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "if the account exists, a reset email has been sent",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetConfirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		var policyErr *PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   policyErr.Error(),
				"reasons": policyErr.Reasons,
			})
		case errors.Is(err, ErrSingleUseConsumed):
			writeError(w, http.StatusConflict, "token already used")
		case errors.Is(err, ErrSingleUseInvalid):
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to reset password")
		}
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) SendEmailVerification(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.SendEmailVerification(r.Context(), body.Email); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "if the account exists, a verification email has been sent",
	})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body verifyConfirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.VerifyEmail(r.Context(), body.Token)
	if err != nil {
		if errors.Is(err, ErrSingleUseInvalid) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify email")
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

// Verify is the token introspection endpoint for downstream services.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	encoded, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
		return
	}

	principal, err := h.service.Introspect(r.Context(), encoded)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			writeError(w, http.StatusUnauthorized, "token revoked, please log in again")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

func (h *Handler) writeAuthError(w http.ResponseWriter, err error, fallback string) {
	var lockedErr *LockedError
	var providerErr *ProviderOnlyError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &lockedErr):
		retryAfter := int(time.Until(lockedErr.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, lockedErr.Error())
	case errors.As(err, &providerErr):
		writeError(w, http.StatusConflict, providerErr.Error())
	case errors.Is(err, ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "token revoked, please log in again")
	case isTokenError(err):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// SetRefreshCookie exposes the cookie contract to the identity handler,
// which returns the same token set shape.
func (h *Handler) SetRefreshCookie(w http.ResponseWriter, refreshToken string) {
	h.setRefreshCookie(w, refreshToken)
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, refreshToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshToken,
		Path:     "/auth",
		MaxAge:   int(h.refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
