package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/escrow/internal/models"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("oracle-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewAuthService("test-secret", time.Hour, map[models.AccountID]string{"ORACLEADDR": string(hash)})
}

func TestAuthService_Login(t *testing.T) {
	s := newTestService(t)

	tests := []struct {
		name    string
		account models.AccountID
		secret  string
		wantErr error
	}{
		{"Success", "ORACLEADDR", "oracle-secret", nil},
		{"WrongSecret", "ORACLEADDR", "nope", ErrInvalidCredentials},
		{"UnknownAccount", "BUYER", "oracle-secret", ErrInvalidCredentials},
		{"EmptyAccount", "", "oracle-secret", ErrInvalidCredentials},
		{"LowercaseVariant", "oracleaddr", "oracle-secret", ErrInvalidCredentials},
		{"MixedCaseVariant", "OracleAddr", "oracle-secret", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(context.Background(), tt.account, tt.secret)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Empty(t, token)
				return
			}
			require.NoError(t, err)

			account, err := s.AccountFromToken(token)
			require.NoError(t, err)
			assert.Equal(t, tt.account, account)
		})
	}
}

func TestAuthService_LoginSubjectIsConfiguredAccount(t *testing.T) {
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	s := NewAuthService("test-secret", time.Hour, map[models.AccountID]string{"alice": hash})

	subjects := map[models.AccountID]bool{}
	for _, login := range []models.AccountID{"alice", "ALICE", "Alice"} {
		token, err := s.Login(context.Background(), login, "s3cret")
		if err != nil {
			assert.True(t, errors.Is(err, ErrInvalidCredentials), login)
			continue
		}
		account, err := s.AccountFromToken(token)
		require.NoError(t, err)
		subjects[account] = true
	}
	assert.Equal(t, map[models.AccountID]bool{"alice": true}, subjects)
}

func TestAuthService_AccountFromToken(t *testing.T) {
	s := newTestService(t)
	valid, err := s.IssueToken("BUYER")
	require.NoError(t, err)

	other := NewAuthService("other-secret", time.Hour, nil)
	foreign, err := other.IssueToken("BUYER")
	require.NoError(t, err)

	expiredSvc := NewAuthService("test-secret", time.Hour, nil)
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredSvc.IssueToken("BUYER")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "BUYER"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	account, err := s.AccountFromToken(valid)
	require.NoError(t, err)
	assert.Equal(t, models.AccountID("BUYER"), account)

	for name, token := range map[string]string{
		"foreign":  foreign,
		"expired":  expired,
		"unsigned": unsigned,
		"garbage":  "not-a-token",
	} {
		_, err := s.AccountFromToken(token)
		assert.True(t, errors.Is(err, ErrInvalidToken), name)
	}
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = HashSecret("")
	assert.Error(t, err)
}
