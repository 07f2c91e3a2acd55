package account

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests and local development. It
// mirrors the Postgres implementation's semantics, including the
// serialized failed-login update.
type Memory struct {
	mu       sync.Mutex
	byID     map[string]*Account
	idByMail map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]*Account),
		idByMail: make(map[string]string),
	}
}

func (s *Memory) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.idByMail[a.Email]; taken {
		return ErrEmailTaken
	}
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		a.ID = id.String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	clone := cloneAccount(a)
	s.byID[a.ID] = clone
	s.idByMail[a.Email] = a.ID
	return nil
}

func (s *Memory) Update(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Email != a.Email {
		if _, taken := s.idByMail[a.Email]; taken {
			return ErrEmailTaken
		}
		delete(s.idByMail, existing.Email)
		s.idByMail[a.Email] = a.ID
	}
	a.UpdatedAt = time.Now().UTC()
	s.byID[a.ID] = cloneAccount(a)
	return nil
}

func (s *Memory) ByID(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *Memory) ByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idByMail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(s.byID[id]), nil
}

func (s *Memory) ByProviderID(_ context.Context, provider, externalID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.byID {
		if a.ProviderIDs[provider] == externalID {
			return cloneAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ByResetTokenHash(_ context.Context, hash string) (*Account, error) {
	return s.findBy(func(a *Account) bool { return a.ResetTokenHash != "" && a.ResetTokenHash == hash })
}

func (s *Memory) ByVerifyTokenHash(_ context.Context, hash string) (*Account, error) {
	return s.findBy(func(a *Account) bool { return a.VerifyTokenHash != "" && a.VerifyTokenHash == hash })
}

func (s *Memory) findBy(match func(*Account) bool) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.byID {
		if match(a) {
			return cloneAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) RegisterFailedLogin(_ context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}

	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		until := *a.LockedUntil
		return &until, nil
	}

	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= maxAttempts {
		until := now.UTC().Add(lockFor)
		a.LockedUntil = &until
		a.FailedLoginAttempts = 0
		a.UpdatedAt = now.UTC()
		result := until
		return &result, nil
	}
	a.UpdatedAt = now.UTC()
	return nil, nil
}

func (s *Memory) ResetLoginState(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneAccount(a *Account) *Account {
	clone := *a
	if a.ProviderIDs != nil {
		clone.ProviderIDs = make(map[string]string, len(a.ProviderIDs))
		for k, v := range a.ProviderIDs {
			clone.ProviderIDs[k] = v
		}
	}
	if a.LinkedProviders != nil {
		clone.LinkedProviders = append([]string(nil), a.LinkedProviders...)
	}
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		clone.LockedUntil = &t
	}
	if a.ResetTokenExpiry != nil {
		t := *a.ResetTokenExpiry
		clone.ResetTokenExpiry = &t
	}
	if a.VerifyTokenExpiry != nil {
		t := *a.VerifyTokenExpiry
		clone.VerifyTokenExpiry = &t
	}
	return &clone
}
