package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAPIKey(t *testing.T) {
	v := NewVerifier("node-key", "secret", "https://brand.example.com/")

	assert.True(t, v.CheckAPIKey("node-key"))
	assert.False(t, v.CheckAPIKey("node-key2"))
	assert.False(t, v.CheckAPIKey(""))

	empty := NewVerifier("", "secret", "https://brand.example.com/")
	assert.False(t, empty.CheckAPIKey(""))
}

func TestAdminTokenRoundTrip(t *testing.T) {
	v := NewVerifier("node-key", "secret", "https://governing.example.com/")

	token, err := v.IssueAdminToken("operator", time.Minute)
	require.NoError(t, err)

	claims, err := v.ValidateAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, "https://governing.example.com/", claims.Issuer)
}

func TestAdminTokenRejected(t *testing.T) {
	v := NewVerifier("node-key", "secret", "https://governing.example.com/")

	t.Run("expired", func(t *testing.T) {
		token, err := v.IssueAdminToken("operator", -time.Minute)
		require.NoError(t, err)
		_, err = v.ValidateAdminToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other issuer", func(t *testing.T) {
		other := NewVerifier("node-key", "secret", "https://elsewhere.example.com/")
		token, err := other.IssueAdminToken("operator", time.Minute)
		require.NoError(t, err)
		_, err = v.ValidateAdminToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewVerifier("node-key", "another", "https://governing.example.com/")
		token, err := other.IssueAdminToken("operator", time.Minute)
		require.NoError(t, err)
		_, err = v.ValidateAdminToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"iss": "https://governing.example.com/",
			"aud": AdminAudience,
			"exp": time.Now().Add(time.Minute).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.ValidateAdminToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.ValidateAdminToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
