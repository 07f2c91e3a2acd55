package credential

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher abstracts password hashing so the service can be tested with a
// cheap cost factor.
type Hasher interface {
	Hash(plain string) (string, error)
	Compare(plain, hash string) bool
}

// BcryptHasher hashes with bcrypt at a configurable cost.
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), h.Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func (h *BcryptHasher) Compare(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
