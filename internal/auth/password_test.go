package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCheckPasswordPolicy(t *testing.T) {
	tests := []struct {
		password string
		want     []string
	}{
		{"Abc12345!", nil},
		{"Zz9<longer>", nil},
		{"", []string{msgPasswordEmpty}},
		{"Ab1!", []string{msgPasswordShort}},
		{"abc12345!", []string{msgPasswordPattern}},
		{"ABC12345!", []string{msgPasswordPattern}},
		{"Abcdefgh!", []string{msgPasswordPattern}},
		{"Abc123456", []string{msgPasswordPattern}},
		{"abc", []string{msgPasswordShort, msgPasswordPattern}},
	}
	for _, tc := range tests {
		t.Run(tc.password, func(t *testing.T) {
			assert.Equal(t, tc.want, CheckPasswordPolicy(tc.password))
		})
	}
}

func TestHashAndComparePassword(t *testing.T) {
	hash, err := HashPassword("Abc12345!", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "Abc12345!", hash)

	assert.NoError(t, ComparePassword(hash, "Abc12345!"))
	assert.ErrorIs(t, ComparePassword(hash, "Abc12345?"), ErrPasswordMismatch)
	assert.ErrorIs(t, ComparePassword("", "Abc12345!"), ErrPasswordMismatch)
}
