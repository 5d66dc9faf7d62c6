package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndOpen(t *testing.T) {
	cm, err := NewCryptoManager("master")
	require.NoError(t, err)

	sealed, err := cm.Encrypt("wg-private-key")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "wg-private-key")

	plain, err := cm.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "wg-private-key", plain)
}

func TestOpensAcrossInstances(t *testing.T) {
	first, err := NewCryptoManager("master")
	require.NoError(t, err)
	sealed, err := first.Encrypt("secret")
	require.NoError(t, err)

	second, err := NewCryptoManager("master")
	require.NoError(t, err)
	plain, err := second.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)

	wrong, err := NewCryptoManager("other")
	require.NoError(t, err)
	_, err = wrong.Decrypt(sealed)
	assert.Error(t, err)
}

func TestSaltDiffersPerValue(t *testing.T) {
	cm, err := NewCryptoManager("master")
	require.NoError(t, err)

	a, err := cm.Encrypt("same")
	require.NoError(t, err)
	b, err := cm.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRejectsMalformed(t *testing.T) {
	cm, err := NewCryptoManager("master")
	require.NoError(t, err)

	_, err = cm.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = cm.Decrypt("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewCryptoManager("")
	assert.Error(t, err)
}
