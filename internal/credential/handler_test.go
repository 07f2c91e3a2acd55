package credential_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storegate/internal/credential"
)

func newHandlerEnv(t *testing.T) (*env, *credential.Handler) {
	t.Helper()
	e := newEnv(t)
	return e, credential.NewHandler(e.service, 7*24*time.Hour, false)
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/x", bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "refresh_token" {
			return cookie
		}
	}
	t.Fatal("refresh_token cookie not set")
	return nil
}

func TestLoginSetsRefreshCookieOnly(t *testing.T) {
	t.Parallel()
	e, handler := newHandlerEnv(t)
	e.register(t, "a@x.com", "Secret123!")

	rec := postJSON(t, handler.Login, map[string]string{
		"email":    "a@x.com",
		"password": "Secret123!",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	cookie := refreshCookie(t, rec)
	if !cookie.HttpOnly {
		t.Error("refresh cookie must be httpOnly")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Error("refresh cookie must be SameSite=Strict")
	}
	if cookie.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Errorf("cookie max-age = %d, want refresh TTL", cookie.MaxAge)
	}

	// The body carries access and identity tokens but never the refresh
	// token.
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["identity_token"] == "" {
		t.Error("expected access and identity tokens in the body")
	}
	if _, present := body["refresh_token"]; present {
		t.Error("refresh token must not appear in the JSON body")
	}
}

func TestRefreshReadsCookie(t *testing.T) {
	t.Parallel()
	e, handler := newHandlerEnv(t)
	e.register(t, "a@x.com", "Secret123!")

	loginRec := postJSON(t, handler.Login, map[string]string{
		"email":    "a@x.com",
		"password": "Secret123!",
	})
	cookie := refreshCookie(t, loginRec)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.Refresh(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	refreshCookie(t, rec) // rotated cookie present
}

func TestRefreshWithoutCookie(t *testing.T) {
	t.Parallel()
	_, handler := newHandlerEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	rec := httptest.NewRecorder()
	handler.Refresh(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginLockoutSetsRetryAfter(t *testing.T) {
	t.Parallel()
	e, handler := newHandlerEnv(t)
	e.register(t, "a@x.com", "Secret123!")

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = postJSON(t, handler.Login, map[string]string{
			"email":    "a@x.com",
			"password": "WrongPass1!",
		})
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("lockout response must carry Retry-After")
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	_, handler := newHandlerEnv(t)

	rec := postJSON(t, handler.Register, map[string]string{
		"email":    "not-an-email",
		"password": "Secret123!",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// A display-name form parses as an address but is not a bare email
	// and must not end up stored as one.
	rec = postJSON(t, handler.Register, map[string]string{
		"email":    "Ada <a@x.com>",
		"password": "Secret123!",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for display-name form", rec.Code)
	}

	rec = postJSON(t, handler.Register, map[string]string{
		"email":    "a@x.com",
		"password": "weak",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	t.Parallel()
	e, handler := newHandlerEnv(t)
	e.register(t, "a@x.com", "Secret123!")
	tokens, err := e.service.Login(context.Background(), "a@x.com", "Secret123!")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	handler.Verify(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var principal credential.Principal
	if err := json.Unmarshal(rec.Body.Bytes(), &principal); err != nil {
		t.Fatalf("decode principal: %v", err)
	}
	if principal.ID == "" {
		t.Error("principal id missing")
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.Verify(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareGatesActivatedRoutes(t *testing.T) {
	t.Parallel()
	e, _ := newHandlerEnv(t)
	e.register(t, "a@x.com", "Secret123!")
	tokens, err := e.service.Login(context.Background(), "a@x.com", "Secret123!")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	protected := e.service.Middleware(credential.RequireActivated(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	))

	// Unverified account: authenticated but not activated.
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for unverified account", rec.Code)
	}

	// After email verification the fresh token passes.
	_ = e.service.SendEmailVerification(context.Background(), "a@x.com")
	verified, err := e.service.VerifyEmail(context.Background(), e.mailer.last(t).Token)
	if err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+verified.AccessToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for verified account", rec.Code)
	}

	// No token at all.
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rec.Code)
	}
}
