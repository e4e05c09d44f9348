package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"bitwise74/threadbond-api/pkg/validators"
)

var (
	ErrRateLimited         = errors.New("verification code requested too often")
	ErrCodeNotFound        = errors.New("verification code not found")
	ErrCodeExpired         = errors.New("verification code expired")
	ErrCodeMismatch        = errors.New("verification code does not match")
	ErrUnauthorized        = errors.New("invalid credentials")
	ErrEmailTaken          = errors.New("email already registered")
	ErrAllocationExhausted = errors.New("could not allocate a unique anonymous identity")
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrIdentityActive      = errors.New("active identity can't be retired")
	ErrStoreTimeout        = errors.New("persistence timed out")
)

// RateLimitError carries the retry hint of a throttled code request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry in %ds", ErrRateLimited, e.RetryAfterSeconds())
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds up and never returns less than one second.
func (e *RateLimitError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	return max(s, 1)
}

// Validation fields, used when the request itself is malformed rather than
// breaking the password policy.
const (
	FieldEmail           = "email"
	FieldCode            = "code"
	FieldConfirmPassword = "confirmPassword"
)

// ValidationError is a user correctable input problem.
type ValidationError struct {
	Field      string
	Violations []validators.PasswordRule
	Err        error
}

func (e *ValidationError) Error() string {
	if len(e.Violations) > 0 {
		rules := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			rules[i] = string(v)
		}

		return "password violates rules: " + strings.Join(rules, ", ")
	}

	return fmt.Sprintf("invalid %s, %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// storeErr turns a context deadline into ErrStoreTimeout so callers can
// tell a slow database from a broken one.
func storeErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrStoreTimeout, err)
	}

	return err
}
