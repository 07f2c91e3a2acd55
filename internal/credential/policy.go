package credential

import "unicode"

// Policy enumerates password requirements. Thresholds come from
// configuration, not from this package.
type Policy struct {
	MinLength     int
	MaxLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

func DefaultPolicy() Policy {
	return Policy{
		MinLength:    8,
		MaxLength:    200,
		RequireUpper: true,
		RequireLower: true,
		RequireDigit: true,
	}
}

func (p Policy) Validate(password string) error {
	var reasons []string

	if len(password) < p.MinLength {
		reasons = append(reasons, "too short")
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		reasons = append(reasons, "too long")
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	if p.RequireUpper && !hasUpper {
		reasons = append(reasons, "missing uppercase letter")
	}
	if p.RequireLower && !hasLower {
		reasons = append(reasons, "missing lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		reasons = append(reasons, "missing digit")
	}
	if p.RequireSymbol && !hasSymbol {
		reasons = append(reasons, "missing symbol")
	}

	if len(reasons) > 0 {
		return &PolicyError{Reasons: reasons}
	}
	return nil
}
