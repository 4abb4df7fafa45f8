package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost           = bcrypt.MinCost
	MaxCost           = bcrypt.MaxCost
	DefaultCost       = 12
	MaxPasswordLength = 128 // bound work per hash attempt
)

// HashPassword returns the bcrypt hash of password with the given cost.
// Costs outside the valid range fall back to DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password cannot be empty")
	}
	if len(password) > MaxPasswordLength {
		return "", errors.New("password too long")
	}
	if cost < MinCost || cost > MaxCost {
		cost = DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword compares a bcrypt hash with a candidate password.
// bcrypt's comparison is constant time for matching-length inputs.
func ComparePassword(hashed, password string) error {
	if len(hashed) == 0 || len(password) == 0 {
		return errors.New("password cannot be empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
}
