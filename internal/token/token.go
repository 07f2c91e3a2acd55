// Package token signs and verifies the three token kinds used by the API:
// short-lived access tokens, short-lived identity tokens for the client UI,
// and long-lived refresh tokens. Issuance and verification are pure
// cryptographic operations; no storage is consulted here.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind identifies a token variant. The kind is carried as an explicit
// "type" claim and never inferred from the payload shape.
type Kind string

const (
	KindAccess   Kind = "access"
	KindIdentity Kind = "id"
	KindRefresh  Kind = "refresh"
)

// Each kind gets its own audience so a token crafted for one purpose
// cannot pass the library-level audience check for another.
func (k Kind) audience() string {
	switch k {
	case KindAccess:
		return "storegate/api"
	case KindIdentity:
		return "storegate/client"
	case KindRefresh:
		return "storegate/refresh"
	}
	return ""
}

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultIdentityTTL = 15 * time.Minute
	defaultRefreshTTL  = 7 * 24 * time.Hour
)

// Payload is the verified content of a token. Fields beyond ID and Kind
// are populated only for the kinds that carry them.
type Payload struct {
	ID        string
	Kind      Kind
	Activated bool
	Email     string
	FirstName string
	LastName  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessClaims struct {
	TokenType string `json:"type"`
	Activated bool   `json:"activated"`
	jwt.RegisteredClaims
}

type identityClaims struct {
	TokenType string `json:"type"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	jwt.RegisteredClaims
}

type refreshClaims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// Service issues and verifies tokens. The refresh kind is signed with its
// own secret so a refresh-token key compromise cannot forge access tokens.
type Service struct {
	secret        []byte
	refreshSecret []byte
	accessTTL     time.Duration
	identityTTL   time.Duration
	refreshTTL    time.Duration
}

func NewService(secret, refreshSecret string) *Service {
	return &Service{
		secret:        []byte(secret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		identityTTL:   defaultIdentityTTL,
		refreshTTL:    defaultRefreshTTL,
	}
}

func (s *Service) WithTTLs(accessTTL, identityTTL, refreshTTL time.Duration) {
	if accessTTL != 0 {
		s.accessTTL = accessTTL
	}
	if identityTTL != 0 {
		s.identityTTL = identityTTL
	}
	if refreshTTL != 0 {
		s.refreshTTL = refreshTTL
	}
}

// RefreshTTL reports the configured refresh token lifetime. The HTTP layer
// uses it as the refresh cookie max-age.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

func (s *Service) keyFor(kind Kind) []byte {
	if kind == KindRefresh {
		return s.refreshSecret
	}
	return s.secret
}

func (s *Service) registered(accountID string, kind Kind, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   accountID,
		Audience:  jwt.ClaimStrings{kind.audience()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Service) sign(claims jwt.Claims, kind Kind) (string, error) {
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keyFor(kind))
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return encoded, nil
}

// IssueAccess mints an access token. The payload is deliberately minimal
// (no email or name) so the hot authorization path can verify it without a
// store lookup; activated lets middleware gate verified-email routes the
// same way.
func (s *Service) IssueAccess(accountID string, activated bool) (string, error) {
	return s.sign(accessClaims{
		TokenType:        string(KindAccess),
		Activated:        activated,
		RegisteredClaims: s.registered(accountID, KindAccess, s.accessTTL),
	}, KindAccess)
}

// IssueIdentity mints an identity token carrying display data for the
// client UI.
func (s *Service) IssueIdentity(accountID, email, firstName, lastName string) (string, error) {
	return s.sign(identityClaims{
		TokenType:        string(KindIdentity),
		Email:            email,
		FirstName:        firstName,
		LastName:         lastName,
		RegisteredClaims: s.registered(accountID, KindIdentity, s.identityTTL),
	}, KindIdentity)
}

// IssueRefresh mints a refresh token.
func (s *Service) IssueRefresh(accountID string) (string, error) {
	return s.sign(refreshClaims{
		TokenType:        string(KindRefresh),
		RegisteredClaims: s.registered(accountID, KindRefresh, s.refreshTTL),
	}, KindRefresh)
}

// Verify parses and validates a token of the expected kind. Signature and
// audience are checked by the library; the explicit type claim is checked
// afterwards so a token cannot be replayed across kinds even if it somehow
// carried the right audience.
func (s *Service) Verify(encoded string, kind Kind) (Payload, error) {
	var claims jwt.Claims
	switch kind {
	case KindAccess:
		claims = &accessClaims{}
	case KindIdentity:
		claims = &identityClaims{}
	case KindRefresh:
		claims = &refreshClaims{}
	default:
		return Payload{}, &Error{Kind: FailureWrongType, cause: fmt.Errorf("unknown token kind %q", kind)}
	}

	parsed, err := jwt.ParseWithClaims(encoded, claims, func(t *jwt.Token) (any, error) {
		return s.keyFor(kind), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(kind.audience()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Payload{}, classify(err)
	}
	if !parsed.Valid {
		return Payload{}, &Error{Kind: FailureSignature, cause: errors.New("token not valid")}
	}

	payload := Payload{Kind: kind}
	switch c := claims.(type) {
	case *accessClaims:
		if c.TokenType != string(KindAccess) {
			return Payload{}, wrongType(c.TokenType)
		}
		payload.ID = c.Subject
		payload.Activated = c.Activated
		payload.IssuedAt, payload.ExpiresAt, err = timestamps(c.RegisteredClaims)
	case *identityClaims:
		if c.TokenType != string(KindIdentity) {
			return Payload{}, wrongType(c.TokenType)
		}
		payload.ID = c.Subject
		payload.Email = c.Email
		payload.FirstName = c.FirstName
		payload.LastName = c.LastName
		payload.IssuedAt, payload.ExpiresAt, err = timestamps(c.RegisteredClaims)
	case *refreshClaims:
		if c.TokenType != string(KindRefresh) {
			return Payload{}, wrongType(c.TokenType)
		}
		payload.ID = c.Subject
		payload.IssuedAt, payload.ExpiresAt, err = timestamps(c.RegisteredClaims)
	}
	if err != nil {
		return Payload{}, err
	}

	if payload.ID == "" {
		return Payload{}, &Error{Kind: FailureSignature, cause: errors.New("missing subject claim")}
	}

	return payload, nil
}

// timestamps rejects tokens without an iat claim; revocation compares
// against issuance time, so a token with no iat cannot be honored.
func timestamps(c jwt.RegisteredClaims) (time.Time, time.Time, error) {
	if c.IssuedAt == nil {
		return time.Time{}, time.Time{}, &Error{Kind: FailureSignature, cause: errors.New("missing iat claim")}
	}
	return c.IssuedAt.Time, c.ExpiresAt.Time, nil
}
