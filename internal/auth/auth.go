package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xtrntr/escrow/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims identify the caller of every ledger operation by account address.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthService authenticates callers. The ledger trusts the subject of a valid
// token as the caller identity.
type AuthService struct {
	secret      []byte
	ttl         time.Duration
	credentials map[models.AccountID]string // account -> bcrypt hash
	now         func() time.Time
}

// NewAuthService creates a new auth service. Account ids are matched exactly;
// a token is only ever issued for an id present in credentials.
func NewAuthService(secret string, ttl time.Duration, credentials map[models.AccountID]string) *AuthService {
	creds := make(map[models.AccountID]string, len(credentials))
	for account, hash := range credentials {
		creds[account] = hash
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{secret: []byte(secret), ttl: ttl, credentials: creds, now: time.Now}
}

// HashSecret returns the bcrypt hash to place in the credentials config
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	if len(secret) > 72 {
		return "", fmt.Errorf("secret too long (max 72 bytes)")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login verifies an account's API secret and issues a JWT
func (s *AuthService) Login(ctx context.Context, account models.AccountID, secret string) (string, error) {
	if account == "" {
		return "", ErrInvalidCredentials
	}
	hash, ok := s.credentials[account]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(account)
}

// IssueToken signs a token whose subject is the account
func (s *AuthService) IssueToken(account models.AccountID) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(account),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// AccountFromToken extracts the caller's account from a JWT
func (s *AuthService) AccountFromToken(tokenString string) (models.AccountID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return models.AccountID(claims.Subject), nil
}
