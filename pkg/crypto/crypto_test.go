package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("super-secret")
	require.NoError(t, err)

	enc, err := c.Encrypt("EAAG-token")
	require.NoError(t, err)
	assert.NotEqual(t, "EAAG-token", enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "EAAG-token", dec)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	a, _ := NewCipher("key-a")
	b, _ := NewCipher("key-b")

	enc, err := a.Encrypt("value")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.Error(t, err)
}

func TestCipher_Passthrough(t *testing.T) {
	c, err := NewCipher("")
	require.NoError(t, err)

	enc, err := c.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", enc)
}

func TestCipher_Maps(t *testing.T) {
	c, _ := NewCipher("k")
	in := map[string]string{"access_token": "t", "app_secret": "s"}

	enc, err := c.EncryptMap(in)
	require.NoError(t, err)
	assert.NotEqual(t, in["access_token"], enc["access_token"])

	dec, err := c.DecryptMap(enc)
	require.NoError(t, err)
	assert.Equal(t, in, dec)
}
