package auth

import (
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

const testSecret = "test-secret"

var _ interfaces.IdentityVerifier = (*Verifier)(nil)

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestVerify_SignRoundTrip(t *testing.T) {
	v, err := NewVerifier(testSecret, "peerprep")
	require.NoError(t, err)

	token, err := v.Sign(&types.Identity{UserID: "u-1", Username: "alice", IsAdmin: true}, time.Minute)
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", identity.UserID)
	assert.Equal(t, "alice", identity.Username)
	assert.True(t, identity.IsAdmin)
}

func TestVerify_IDClaimFallback(t *testing.T) {
	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)

	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"id":       "64f1c2ab9e",
		"username": "bob",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "64f1c2ab9e", identity.UserID)
	assert.Equal(t, "bob", identity.Username)
	assert.False(t, identity.IsAdmin)
}

func TestVerify_UsernameDefaultsToUserID(t *testing.T) {
	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)

	token := sign(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "carol"})
	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", identity.Username)
}

func TestVerify_Rejections(t *testing.T) {
	v, err := NewVerifier(testSecret, "peerprep")
	require.NoError(t, err)
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "a", "iss": "peerprep"})},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub": "a", "iss": "peerprep", "exp": time.Now().Add(-time.Minute).Unix(),
		})},
		{"not yet valid", sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub": "a", "iss": "peerprep", "nbf": future,
		})},
		{"wrong issuer", sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "a", "iss": "elsewhere"})},
		{"no subject", sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"iss": "peerprep", "exp": future})},
		{"bad user id", sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "has space", "iss": "peerprep"})},
		{"none algorithm", sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"sub": "a", "iss": "peerprep"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, types.ErrAuth)
			assert.Nil(t, identity)
		})
	}
}

func TestVerify_UsesClock(t *testing.T) {
	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)

	token, err := v.Sign(&types.Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, types.ErrAuth)
}
