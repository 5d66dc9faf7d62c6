package wireguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)

	parsed, err := ParseKey(priv.String())
	require.NoError(t, err)
	assert.Equal(t, priv, parsed)
	assert.Len(t, priv.Hex(), 64)

	// Clamped per curve25519.
	assert.Zero(t, priv[0]&7)
	assert.Equal(t, byte(64), priv[31]&192)
}

func TestPublicKeyIsDeterministic(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)

	pub := priv.PublicKey()
	assert.False(t, pub.IsZero())
	assert.Equal(t, pub, priv.PublicKey())
	assert.NotEqual(t, priv, pub)
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	_, err := ParseKey("not base64!")
	assert.Error(t, err)

	_, err = ParseKey("AAAA")
	assert.ErrorContains(t, err, "32 bytes")

	k, err := ParseKey(strings.Repeat("A", 43) + "=")
	require.NoError(t, err)
	assert.True(t, k.IsZero())
}
