package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// PasswordRule identifies a single requirement of a PasswordPolicy.
type PasswordRule string

const (
	RuleMinLength PasswordRule = "min_length"
	RuleMaxLength PasswordRule = "max_length"
	RuleLowercase PasswordRule = "lowercase"
	RuleUppercase PasswordRule = "uppercase"
	RuleDigit     PasswordRule = "digit"
	RuleSymbol    PasswordRule = "symbol"
)

const DefaultSymbols = "@$!%*?&"

// PasswordPolicy is the configurable rule set passwords are checked against.
type PasswordPolicy struct {
	MinLength     int    `json:"minLength"`
	MaxLength     int    `json:"maxLength"`
	RequireLower  bool   `json:"requireLowercase"`
	RequireUpper  bool   `json:"requireUppercase"`
	RequireDigit  bool   `json:"requireDigit"`
	RequireSymbol bool   `json:"requireSymbol"`
	Symbols       string `json:"symbols"`
}

// PasswordResult is the outcome of PasswordPolicy.Validate. Violations are
// reported in a fixed order so responses stay stable.
type PasswordResult struct {
	Valid      bool           `json:"valid"`
	Violations []PasswordRule `json:"violations"`
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:     8,
		MaxLength:     255,
		RequireLower:  true,
		RequireUpper:  true,
		RequireDigit:  true,
		RequireSymbol: true,
		Symbols:       DefaultSymbols,
	}
}

// Validate never fails, it only reports which rules p breaks.
// Length is counted in characters, not bytes.
func (pp PasswordPolicy) Validate(p string) PasswordResult {
	var (
		lower, upper, digit, symbol bool
		violations                  = []PasswordRule{}
	)

	for _, r := range p {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(pp.Symbols, r):
			symbol = true
		}
	}

	n := utf8.RuneCountInString(p)

	if n < pp.MinLength {
		violations = append(violations, RuleMinLength)
	}

	if pp.MaxLength > 0 && n > pp.MaxLength {
		violations = append(violations, RuleMaxLength)
	}

	if pp.RequireLower && !lower {
		violations = append(violations, RuleLowercase)
	}

	if pp.RequireUpper && !upper {
		violations = append(violations, RuleUppercase)
	}

	if pp.RequireDigit && !digit {
		violations = append(violations, RuleDigit)
	}

	if pp.RequireSymbol && !symbol {
		violations = append(violations, RuleSymbol)
	}

	return PasswordResult{
		Valid:      len(violations) == 0,
		Violations: violations,
	}
}
