package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSegmentRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	require.NoError(t, err)

	plaintext := []byte("hello, shardkeep")
	hash := []byte("0123456789abcdef0123456789abcdef")

	sealed, err := EncryptSegment(plaintext, key, hash, 0)
	require.NoError(t, err)

	out, err := DecryptSegment(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncryptSegmentDeterministicNoncePerRedundancy(t *testing.T) {
	key, _ := NewSessionKey()
	hash := []byte("fixed-segment-hash-000000000000")

	s0, err := EncryptSegment([]byte("data"), key, hash, 0)
	require.NoError(t, err)
	s1, err := EncryptSegment([]byte("data"), key, hash, 1)
	require.NoError(t, err)

	assert.NotEqual(t, s0.Nonce, s1.Nonce, "redundancy copies must use distinct nonces")

	s0Again, err := EncryptSegment([]byte("data"), key, hash, 0)
	require.NoError(t, err)
	assert.Equal(t, s0.Ciphertext, s0Again.Ciphertext, "same (hash, redundancy_index) must re-encrypt identically")
}

func TestDecryptSegmentTamperedCiphertextFails(t *testing.T) {
	key, _ := NewSessionKey()
	hash := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := EncryptSegment([]byte("payload"), key, hash, 0)
	require.NoError(t, err)

	sealed.Ciphertext[0] ^= 0xFF
	_, err = DecryptSegment(sealed, key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crypto_failure")
}

func TestWrapUnwrapKeyRoundTrip(t *testing.T) {
	sessionKey, _ := NewSessionKey()
	kek, _ := NewSessionKey()

	wrapped, err := WrapKey(sessionKey, kek)
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(wrapped, kek)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, unwrapped)
}

func TestUnwrapKeyWrongKEKFails(t *testing.T) {
	sessionKey, _ := NewSessionKey()
	kek, _ := NewSessionKey()
	wrongKEK, _ := NewSessionKey()

	wrapped, err := WrapKey(sessionKey, kek)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, wrongKEK)
	require.Error(t, err)
}

func TestDeriveUserKeyDeterministic(t *testing.T) {
	salt, _ := NewSalt(16)

	k1, err := DeriveUserKey("user-1", salt)
	require.NoError(t, err)
	k2, err := DeriveUserKey("user-1", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveUserKey("user-2", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDerivePasswordKeyRejectsWeakerCost(t *testing.T) {
	salt, _ := NewSalt(16)
	_, err := DerivePasswordKey("correct horse", salt, ScryptParams{N: 1024, R: 8, P: 1, KeyLen: KeySize})
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateFolderKeypair()
	require.NoError(t, err)

	data := []byte("index document bytes")
	sig, err := Sign(priv, data)
	require.NoError(t, err)

	assert.True(t, Verify(pub, data, sig))

	data[0] ^= 0xFF
	assert.False(t, Verify(pub, data, sig), "tampering must invalidate the signature")
}

func TestIdentityProveVerifyRoundTrip(t *testing.T) {
	salt, _ := NewSalt(16)
	pub, priv, err := DeriveIdentityKeypair("user-1", salt)
	require.NoError(t, err)

	challenge := []byte("server-issued-challenge")
	proof, err := ProveIdentity(priv, challenge)
	require.NoError(t, err)

	assert.True(t, VerifyIdentity(proof, pub, challenge))

	otherPub, _, err := DeriveIdentityKeypair("user-2", salt)
	require.NoError(t, err)
	assert.False(t, VerifyIdentity(proof, otherPub, challenge))
}
