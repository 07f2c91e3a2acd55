package credential_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storegate/internal/account"
	"storegate/internal/credential"
	"storegate/internal/observability"
	"storegate/internal/session"
	"storegate/internal/token"
)

type sentMail struct {
	Kind  string
	Email string
	Token string
}

// fakeMailer records dispatched mail and can be told to fail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (m *fakeMailer) SendVerification(_ context.Context, email, token string) error {
	return m.record("verification", email, token)
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, email, token string) error {
	return m.record("reset", email, token)
}

func (m *fakeMailer) record(kind, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp unreachable")
	}
	m.sent = append(m.sent, sentMail{Kind: kind, Email: email, Token: token})
	return nil
}

func (m *fakeMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail dispatched")
	}
	return m.sent[len(m.sent)-1]
}

type env struct {
	accounts    *account.Memory
	revocations *session.MemoryRevocations
	mailer      *fakeMailer
	tokens      *token.Service
	service     *credential.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	accounts := account.NewMemory()
	revocations := session.NewMemoryRevocations()
	t.Cleanup(revocations.Stop)

	tokens := token.NewService("unit-test-signing-secret-32-bytes!!!", "unit-test-refresh-secret-32-bytes!!!")
	mailer := &fakeMailer{}
	hasher := credential.NewBcryptHasher(bcrypt.MinCost)

	service := credential.NewService(accounts, tokens, revocations, hasher, mailer, observability.NewLogger())
	service.WithSecurityConfig(credential.DefaultPolicy(), 3, time.Hour)

	return &env{
		accounts:    accounts,
		revocations: revocations,
		mailer:      mailer,
		tokens:      tokens,
		service:     service,
	}
}

func (e *env) register(t *testing.T, email, password string) *account.Account {
	t.Helper()
	acct, err := e.service.Register(context.Background(), email, password, "Ada", "Lovelace")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return acct
}

func TestRegisterCreatesUnverifiedAccount(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	acct := e.register(t, "A@X.com", "Secret123!")
	if acct.Verified {
		t.Error("new account must start unverified")
	}
	if acct.Email != "a@x.com" {
		t.Errorf("email not normalized: %q", acct.Email)
	}
	if acct.PasswordHash == "" || acct.PasswordHash == "Secret123!" {
		t.Error("password must be stored hashed")
	}
	if acct.VerifyTokenHash == "" || acct.VerifyTokenExpiry == nil {
		t.Error("verification token not stored")
	}

	dispatched := e.mailer.last(t)
	if dispatched.Kind != "verification" || dispatched.Email != "a@x.com" {
		t.Errorf("unexpected mail: %+v", dispatched)
	}
	if dispatched.Token == acct.VerifyTokenHash {
		t.Error("raw token must not equal the stored hash")
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.service.Register(context.Background(), "a@x.com", "short", "", "")
	var policyErr *credential.PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if len(policyErr.Reasons) == 0 {
		t.Error("policy error should carry field-level reasons")
	}
}

func TestRegisterSucceedsWhenMailFails(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.mailer.fail = true

	acct, err := e.service.Register(context.Background(), "a@x.com", "Secret123!", "", "")
	if err != nil {
		t.Fatalf("registration must survive mail dispatch failure: %v", err)
	}
	if acct.VerifyTokenHash == "" {
		t.Error("verification token must remain stored and resendable")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.register(t, "a@x.com", "Secret123!")
	_, err := e.service.Register(context.Background(), "a@x.com", "Secret123!", "", "")
	if !errors.Is(err, account.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	acct := e.register(t, "a@x.com", "Secret123!")

	tokens, err := e.service.Login(context.Background(), "a@x.com", "Secret123!")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.IdentityToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected a full token triple")
	}

	payload, err := e.tokens.Verify(tokens.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if payload.ID != acct.ID {
		t.Errorf("access token subject = %q, want %q", payload.ID, acct.ID)
	}
	if payload.Activated {
		t.Error("unverified account must produce activated=false")
	}
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.register(t, "a@x.com", "Secret123!")

	_, err := e.service.Login(context.Background(), "a@x.com", "WrongPass1!")
	if !errors.Is(err, credential.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	_, err = e.service.Login(context.Background(), "nobody@x.com", "Secret123!")
	if !errors.Is(err, credential.ErrInvalidCredentials) {
		t.Fatalf("unknown email must fail identically, got %v", err)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.register(t, "a@x.com", "Secret123!")

	// Threshold is 3 in this env; the third failure locks.
	var lockedErr *credential.LockedError
	for i := 0; i < 3; i++ {
		_, err := e.service.Login(ctx, "a@x.com", "WrongPass1!")
		if i < 2 {
			if !errors.Is(err, credential.ErrInvalidCredentials) {
				t.Fatalf("attempt %d: expected generic failure, got %v", i+1, err)
			}
			continue
		}
		if !errors.As(err, &lockedErr) {
			t.Fatalf("attempt %d: expected lockout, got %v", i+1, err)
		}
	}
	if time.Until(lockedErr.Until) <= 0 {
		t.Error("lockout deadline must be in the future")
	}

	// Correct password is refused while the lock holds.
	_, err := e.service.Login(ctx, "a@x.com", "Secret123!")
	if !errors.As(err, &lockedErr) {
		t.Fatalf("expected lockout with correct password, got %v", err)
	}
}

func TestLoginAfterLockoutExpiresResetsCounter(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	acct := e.register(t, "a@x.com", "Secret123!")

	for i := 0; i < 3; i++ {
		_, _ = e.service.Login(ctx, "a@x.com", "WrongPass1!")
	}

	// Simulate the lockout window elapsing.
	stored, err := e.accounts.ByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	past := time.Now().UTC().Add(-time.Second)
	stored.LockedUntil = &past
	if err := e.accounts.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := e.service.Login(ctx, "a@x.com", "Secret123!"); err != nil {
		t.Fatalf("login after lockout expiry must succeed: %v", err)
	}

	stored, _ = e.accounts.ByID(ctx, acct.ID)
	if stored.FailedLoginAttempts != 0 || stored.LockedUntil != nil {
		t.Errorf("login state not reset: attempts=%d locked=%v", stored.FailedLoginAttempts, stored.LockedUntil)
	}
}

func TestLoginOAuthOnlyAccountHintsProvider(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	acct := &account.Account{
		Email:           "a@x.com",
		Verified:        true,
		PrimaryProvider: "google",
	}
	acct.LinkProvider("google", "goog-1")
	if err := e.accounts.Create(ctx, acct); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := e.service.Login(ctx, "a@x.com", "Secret123!")
	var providerErr *credential.ProviderOnlyError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected provider-only error, got %v", err)
	}
	if providerErr.Provider != "google" {
		t.Errorf("provider hint = %q, want google", providerErr.Provider)
	}
}

func TestRefreshMintsNewTriple(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.register(t, "a@x.com", "Secret123!")
	first, err := e.service.Login(ctx, "a@x.com", "Secret123!")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	second, err := e.service.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.AccessToken == "" || second.RefreshToken == "" {
		t.Fatal("expected a fresh triple")
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.register(t, "a@x.com", "Secret123!")
	tokens, _ := e.service.Login(ctx, "a@x.com", "Secret123!")

	_, err := e.service.Refresh(ctx, tokens.AccessToken)
	if err == nil {
		t.Fatal("access token must not be accepted as a refresh token")
	}
}

func TestRevokeInvalidatesOutstandingTokens(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	acct := e.register(t, "a@x.com", "Secret123!")
	tokens, _ := e.service.Login(ctx, "a@x.com", "Secret123!")

	time.Sleep(1100 * time.Millisecond) // jwt iat has second granularity
	if err := e.service.Revoke(ctx, acct.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := e.service.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, credential.ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := e.service.Introspect(ctx, tokens.AccessToken); !errors.Is(err, credential.ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked on introspection, got %v", err)
	}

	// Tokens issued after the revoke are valid again.
	time.Sleep(1100 * time.Millisecond)
	fresh, err := e.service.Login(ctx, "a@x.com", "Secret123!")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := e.service.Introspect(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("token issued after revoke must verify: %v", err)
	}
}

func TestPasswordResetSingleUse(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.register(t, "a@x.com", "Secret123!")

	if err := e.service.RequestPasswordReset(ctx, "a@x.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	resetToken := e.mailer.last(t).Token

	if err := e.service.ResetPassword(ctx, resetToken, "NewSecret456!"); err != nil {
		t.Fatalf("first redemption must succeed: %v", err)
	}

	err := e.service.ResetPassword(ctx, resetToken, "AnotherPass789!")
	if !errors.Is(err, credential.ErrSingleUseConsumed) {
		t.Fatalf("second redemption must report already used, got %v", err)
	}

	if _, err := e.service.Login(ctx, "a@x.com", "NewSecret456!"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if _, err := e.service.Login(ctx, "a@x.com", "Secret123!"); err == nil {
		t.Fatal("old password must no longer work")
	}
}

func TestPasswordResetRevokesSessions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.register(t, "a@x.com", "Secret123!")
	tokens, _ := e.service.Login(ctx, "a@x.com", "Secret123!")

	time.Sleep(1100 * time.Millisecond)
	_ = e.service.RequestPasswordReset(ctx, "a@x.com")
	if err := e.service.ResetPassword(ctx, e.mailer.last(t).Token, "NewSecret456!"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := e.service.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, credential.ErrTokenRevoked) {
		t.Fatalf("pre-reset refresh token must be revoked, got %v", err)
	}
}

func TestPasswordResetUniformForUnknownEmail(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if err := e.service.RequestPasswordReset(context.Background(), "nobody@x.com"); err != nil {
		t.Fatalf("unknown email must not surface an error: %v", err)
	}
}

func TestPasswordResetRolledBackWhenMailFails(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	acct := e.register(t, "a@x.com", "Secret123!")
	e.mailer.fail = true

	if err := e.service.RequestPasswordReset(ctx, "a@x.com"); err != nil {
		t.Fatalf("RequestPasswordReset must stay uniform on mail failure: %v", err)
	}

	stored, _ := e.accounts.ByID(ctx, acct.ID)
	if stored.ResetTokenHash != "" || stored.ResetTokenExpiry != nil {
		t.Error("undelivered reset token must be rolled back")
	}
}

func TestVerifyEmailFlow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	// register -> unverified account, verification token dispatched
	acct := e.register(t, "a@x.com", "Secret123!")
	verifyToken := e.mailer.last(t).Token

	// verifyEmail -> verified=true and a fresh triple
	tokens, err := e.service.VerifyEmail(ctx, verifyToken)
	if err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	payload, err := e.tokens.Verify(tokens.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}
	if !payload.Activated {
		t.Error("post-verification access token must carry activated=true")
	}

	stored, _ := e.accounts.ByID(ctx, acct.ID)
	if !stored.Verified {
		t.Error("account must be verified")
	}
	if stored.VerifyTokenHash != "" {
		t.Error("verification token must be cleared after use")
	}

	// the same token cannot be redeemed twice
	if _, err := e.service.VerifyEmail(ctx, verifyToken); !errors.Is(err, credential.ErrSingleUseInvalid) {
		t.Fatalf("second redemption must fail, got %v", err)
	}

	// login now succeeds directly
	if _, err := e.service.Login(ctx, "a@x.com", "Secret123!"); err != nil {
		t.Fatalf("login after verification failed: %v", err)
	}
}

func TestSendEmailVerificationIsUniform(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if err := e.service.SendEmailVerification(ctx, "nobody@x.com"); err != nil {
		t.Fatalf("unknown email must not surface an error: %v", err)
	}

	e.register(t, "a@x.com", "Secret123!")
	before := len(e.mailer.sent)
	if err := e.service.SendEmailVerification(ctx, "a@x.com"); err != nil {
		t.Fatalf("SendEmailVerification failed: %v", err)
	}
	if len(e.mailer.sent) != before+1 {
		t.Error("expected a fresh verification mail")
	}
}

func TestIntrospectReturnsPrincipal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	acct := e.register(t, "a@x.com", "Secret123!")
	tokens, _ := e.service.Login(ctx, "a@x.com", "Secret123!")

	principal, err := e.service.Introspect(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("Introspect failed: %v", err)
	}
	if principal.ID != acct.ID || principal.Activated {
		t.Errorf("unexpected principal: %+v", principal)
	}
}

// revocation outages fail open: enforcement is disabled rather than the
// request rejected.
type failingRevocations struct{}

func (failingRevocations) Revoke(context.Context, string, time.Duration) error {
	return errors.New("storage down")
}

func (failingRevocations) IsValid(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("storage down")
}

func TestIntrospectFailsOpenOnRevocationOutage(t *testing.T) {
	t.Parallel()

	accounts := account.NewMemory()
	tokens := token.NewService("unit-test-signing-secret-32-bytes!!!", "unit-test-refresh-secret-32-bytes!!!")
	service := credential.NewService(
		accounts, tokens, failingRevocations{},
		credential.NewBcryptHasher(bcrypt.MinCost),
		&fakeMailer{}, observability.NewLogger(),
	)

	acct := &account.Account{Email: "a@x.com", Verified: true, PasswordHash: "x"}
	if err := accounts.Create(context.Background(), acct); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	set, err := service.IssueSet(acct)
	if err != nil {
		t.Fatalf("IssueSet failed: %v", err)
	}

	if _, err := service.Introspect(context.Background(), set.AccessToken); err != nil {
		t.Fatalf("introspection must fail open on storage error: %v", err)
	}
}
