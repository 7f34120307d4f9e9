package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("node-secret")
	require.NoError(t, err)

	sealed, err := s.Seal("brand-api-key-123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "brand-api-key-123")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "brand-api-key-123", opened)

	// Fresh nonce per seal
	again, err := s.Seal("brand-api-key-123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestOpenWithWrongSecretFails(t *testing.T) {
	a, err := NewSealer("secret-a")
	require.NoError(t, err)
	b, err := NewSealer("secret-b")
	require.NoError(t, err)

	sealed, err := a.Seal("key")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestOpenMalformed(t *testing.T) {
	s, err := NewSealer("node-secret")
	require.NoError(t, err)

	_, err = s.Open("!!not base64!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = s.Open("c2hvcnQ")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyValues(t *testing.T) {
	s, err := NewSealer("node-secret")
	require.NoError(t, err)

	sealed, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := s.Open("")
	require.NoError(t, err)
	assert.Empty(t, opened)

	_, err = NewSealer("")
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("abc"))
	assert.Equal(t, "****6789", Mask("0123456789"))
	assert.False(t, strings.Contains(Mask("supersecretkey"), "supersecret"))
}
