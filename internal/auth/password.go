package auth

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password mismatch")

const (
	MinPasswordLength = 8

	msgPasswordEmpty   = "Password field is not allowed to be empty"
	msgPasswordShort   = "Password must be at least 8 characters long"
	msgPasswordPattern = "Password must include at least one uppercase letter, one lowercase letter, one number, and one special character"
)

// CheckPasswordPolicy returns every rule the password breaks. An empty result
// means the password is acceptable.
func CheckPasswordPolicy(password string) []string {
	if password == "" {
		return []string{msgPasswordEmpty}
	}

	var problems []string
	if utf8.RuneCountInString(password) < MinPasswordLength {
		problems = append(problems, msgPasswordShort)
	}

	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !lower || !upper || !digit || !special {
		problems = append(problems, msgPasswordPattern)
	}
	return problems
}

// HashPassword hashes the password with bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword reports ErrPasswordMismatch when password does not match hash.
// bcrypt compares in constant time.
func ComparePassword(hash, password string) error {
	if strings.TrimSpace(hash) == "" {
		return ErrPasswordMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}
