package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/usermgmt/apiserver/types"
)

var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidSignature    = errors.New("invalid token signature")
	ErrExpired             = errors.New("token expired")
	ErrInvalidClaims       = errors.New("invalid token claims")
)

// Claims is the JWT payload carried by every issued token.
type Claims struct {
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Role  types.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 tokens for authenticated users.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager with the provided secret, issuer, and lifetime.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (t *TokenManager) WithClock(now func() time.Time) *TokenManager {
	t.now = now
	return t
}

// TTL returns the lifetime of issued tokens.
func (t *TokenManager) TTL() time.Duration {
	return t.ttl
}

// Issue returns a signed token embedding the user's principal.
func (t *TokenManager) Issue(user types.User) (string, error) {
	now := t.now()
	claims := Claims{
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks expiry, then signature, and returns the embedded principal.
// An expired token is reported as ErrExpired whether or not its signature is valid.
func (t *TokenManager) Verify(tokenString string) (Principal, error) {
	var unverified Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &unverified); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if unverified.ExpiresAt == nil {
		return Principal{}, fmt.Errorf("%w: missing exp", ErrInvalidClaims)
	}
	if !t.now().Before(unverified.ExpiresAt.Time) {
		return Principal{}, ErrExpired
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(t.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpired
		}
		if errors.Is(err, jwt.ErrTokenInvalidIssuer) {
			return Principal{}, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	if !claims.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidClaims, claims.Role)
	}

	return Principal{
		ID:    claims.Subject,
		Name:  claims.Name,
		Email: claims.Email,
		Role:  claims.Role,
	}, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMalformedCredential
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMalformedCredential
	}
	return token, nil
}
