package security

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const CodeDigits = 6

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random, zero padded 6 digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code, %w", err)
	}

	return fmt.Sprintf("%0*d", CodeDigits, n.Int64()), nil
}
