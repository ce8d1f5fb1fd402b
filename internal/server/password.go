// Package server provides the credential verifier used to gate room access.
package server

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordVerifier derives and checks one-way credentials for room passwords.
// The hash is never re-derivable to plaintext; Compare returns an error when
// the candidate does not match.
type PasswordVerifier interface {
	Hash(password string) ([]byte, error)
	Compare(hash []byte, candidate string) error
}

// BcryptVerifier implements PasswordVerifier using bcrypt.
type BcryptVerifier struct {
	Cost int
}

// NewBcryptVerifier creates a verifier with the standard cost used for room
// passwords.
func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{Cost: 10}
}

// Hash derives a one-way credential from the supplied password.
func (v *BcryptVerifier) Hash(password string) ([]byte, error) {
	cost := v.Cost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// Compare checks a candidate password against a stored hash. It returns nil
// on a match and an error otherwise.
func (v *BcryptVerifier) Compare(hash []byte, candidate string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(candidate))
}
