// Package password holds the hashing and strength-policy primitives shared
// by the signup, login, OTP and reset flows.
package password

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrPolicy marks password-strength violations. The wrapped message is
// safe to surface verbatim.
var ErrPolicy = errors.New("password policy violation")

const (
	minLength  = 8
	minClasses = 3
)

// Hasher is a one-way adaptive hash of a short secret (password, OTP code)
// with a tunable work factor.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) bool
}

// Bcrypt implements Hasher on bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt returns a bcrypt Hasher. cost=0 selects the library default.
func NewBcrypt(cost int) (*Bcrypt, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Bcrypt{cost: cost}, nil
}

// Hash computes the adaptive hash of secret.
func (b *Bcrypt) Hash(secret string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify recomputes and compares in constant time. Any parse or
// comparison failure is a mismatch.
func (b *Bcrypt) Verify(secret, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}

// Fingerprint returns the hex SHA-256 of a long, high-entropy token.
// bcrypt truncates input at 72 bytes, which silently discards most of a
// compact JWS, so signed tokens are fingerprinted instead.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate enforces the account password policy: at least 8 characters
// satisfying 3 of the 4 classes (upper, lower, digit, symbol).
func Validate(pw string) error {
	if len(pw) < minLength {
		return fmt.Errorf("%w: password must be at least %d characters long", ErrPolicy, minLength)
	}

	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	n := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			n++
		}
	}
	if n < minClasses {
		return fmt.Errorf("%w: password must mix at least %d of uppercase, lowercase, digits and symbols", ErrPolicy, minClasses)
	}

	return nil
}
