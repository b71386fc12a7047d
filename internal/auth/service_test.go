package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	svc := NewService("lv-margin", []byte("secret"), time.Hour)
	token, err := svc.IssueToken("user-1")
	require.NoError(t, err)

	sub, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestIssueRequiresUser(t *testing.T) {
	_, err := NewService("lv-margin", []byte("secret"), time.Hour).IssueToken("  ")
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	svc := NewService("lv-margin", []byte("secret"), time.Hour)
	token, err := svc.IssueToken("user-1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		svc   *Service
		token string
	}{
		{"wrong secret", NewService("lv-margin", []byte("other"), time.Hour), token},
		{"wrong issuer", NewService("someone-else", []byte("secret"), time.Hour), token},
		{"garbage", svc, "not-a-token"},
		{"none alg", svc, noneToken(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.ParseToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParseRejectsExpired(t *testing.T) {
	svc := NewService("lv-margin", []byte("secret"), time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := svc.IssueToken("user-1")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func noneToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: "lv-margin", Subject: "user-1"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}
