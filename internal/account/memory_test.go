package account_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"storegate/internal/account"
)

func TestMemoryReturnsIsolatedCopies(t *testing.T) {
	t.Parallel()
	store := account.NewMemory()
	ctx := context.Background()

	acct := &account.Account{Email: "a@x.com", PasswordHash: "hash"}
	acct.LinkProvider("google", "goog-1")
	if err := store.Create(ctx, acct); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, err := store.ByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}

	// Mutations on a returned account must not leak into the store.
	first.Email = "changed@x.com"
	first.ProviderIDs["google"] = "tampered"
	first.LinkedProviders[0] = "tampered"
	lock := time.Now().UTC().Add(time.Hour)
	first.LockedUntil = &lock

	second, err := store.ByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	if second.Email != "a@x.com" {
		t.Errorf("email mutated through returned copy: %q", second.Email)
	}
	if second.ProviderIDs["google"] != "goog-1" {
		t.Errorf("provider map mutated through returned copy: %+v", second.ProviderIDs)
	}
	if second.LinkedProviders[0] != "google" {
		t.Errorf("linked providers mutated through returned copy: %+v", second.LinkedProviders)
	}
	if second.LockedUntil != nil {
		t.Error("lockout mutated through returned copy")
	}
}

func TestMemoryCreateRejectsDuplicateEmail(t *testing.T) {
	t.Parallel()
	store := account.NewMemory()
	ctx := context.Background()

	if err := store.Create(ctx, &account.Account{Email: "a@x.com"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := store.Create(ctx, &account.Account{Email: "a@x.com"})
	if !errors.Is(err, account.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestMemoryRegisterFailedLoginLocksAtThreshold(t *testing.T) {
	t.Parallel()
	store := account.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	acct := &account.Account{Email: "a@x.com", PasswordHash: "hash"}
	if err := store.Create(ctx, acct); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		until, err := store.RegisterFailedLogin(ctx, acct.ID, 3, time.Hour, now)
		if err != nil {
			t.Fatalf("RegisterFailedLogin failed: %v", err)
		}
		if until != nil {
			t.Fatalf("attempt %d must not lock yet", i+1)
		}
	}

	until, err := store.RegisterFailedLogin(ctx, acct.ID, 3, time.Hour, now)
	if err != nil {
		t.Fatalf("RegisterFailedLogin failed: %v", err)
	}
	if until == nil || !until.After(now) {
		t.Fatalf("third attempt must lock, got %v", until)
	}

	// The counter resets when the lock is set.
	stored, _ := store.ByID(ctx, acct.ID)
	if stored.FailedLoginAttempts != 0 {
		t.Errorf("counter = %d, want 0 after lock", stored.FailedLoginAttempts)
	}
}
