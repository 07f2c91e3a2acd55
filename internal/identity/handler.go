package identity

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"storegate/internal/credential"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	linker     *Linker
	credential *credential.Handler
}

func NewHandler(linker *Linker, credentialHandler *credential.Handler) *Handler {
	return &Handler{linker: linker, credential: credentialHandler}
}

type signInRequest struct {
	Assertion string `json:"assertion"`
}

// SignIn handles POST /auth/oauth/{provider}.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body signInRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil || body.Assertion == "" {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tokens, err := h.linker.Authenticate(r.Context(), provider, body.Assertion)
	if err != nil {
		var assertionErr *AssertionError
		switch {
		case errors.Is(err, ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, ErrReplayDetected):
			writeError(w, http.StatusConflict, "assertion already used")
		case errors.Is(err, ErrAccountConflict):
			writeError(w, http.StatusConflict, ErrAccountConflict.Error())
		case errors.Is(err, ErrEmailUnproven):
			writeError(w, http.StatusConflict, ErrEmailUnproven.Error())
		case errors.As(err, &assertionErr):
			writeError(w, http.StatusUnauthorized, "provider rejected the assertion")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to sign in")
		}
		return
	}

	h.credential.SetRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
