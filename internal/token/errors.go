package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// FailureKind tags why verification rejected a token. Callers branch on
// the tag rather than matching error strings.
type FailureKind int

const (
	FailureSignature FailureKind = iota
	FailureAudience
	FailureWrongType
	FailureExpired
)

func (k FailureKind) String() string {
	switch k {
	case FailureSignature:
		return "invalid signature"
	case FailureAudience:
		return "wrong audience"
	case FailureWrongType:
		return "wrong token type"
	case FailureExpired:
		return "expired"
	}
	return "unknown"
}

// Error is a verification failure with a machine-readable kind. The cause
// keeps library-level detail for server-side logs; clients only ever see
// one collapsed message.
type Error struct {
	Kind  FailureKind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("token verification failed (%s): %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("token verification failed (%s)", e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// FailureOf extracts the failure kind from a verification error. The
// second return is false when err did not come from Verify.
func FailureOf(err error) (FailureKind, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	return 0, false
}

func wrongType(got string) *Error {
	return &Error{Kind: FailureWrongType, cause: fmt.Errorf("unexpected type claim %q", got)}
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &Error{Kind: FailureExpired, cause: err}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &Error{Kind: FailureAudience, cause: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &Error{Kind: FailureSignature, cause: err}
	default:
		return &Error{Kind: FailureSignature, cause: err}
	}
}
