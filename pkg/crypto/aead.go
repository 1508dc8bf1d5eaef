package crypto

import (
	"crypto/rand"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize and NonceSize match spec §4.B: 256-bit keys, 96-bit nonces.
// chacha20poly1305.New (not NewX) is the standard, non-extended-nonce
// construction and uses exactly these sizes.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// SealedSegment is the output of EncryptSegment: the nonce it used and
// the ciphertext with the AEAD tag appended by the cipher, held as
// separate fields. The nonce is not prefixed to Ciphertext.
type SealedSegment struct {
	Nonce      []byte
	Ciphertext []byte // includes the appended AEAD tag
}

// NewSessionKey returns a fresh CSPRNG-sourced 256-bit key, suitable for
// a share's session key or a segment encryption key.
func NewSessionKey() ([]byte, error) {
	return randomBytes(KeySize)
}

// NewSalt returns n CSPRNG-sourced bytes.
func NewSalt(n int) ([]byte, error) {
	return randomBytes(n)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, xerrors.New("crypto.randomBytes", xerrors.Internal, err)
	}
	return buf, nil
}

// nonceFor derives a nonce unique per (segmentHash, redundancyIndex) as
// required by spec §4.B: it is not random, so repeated encryption of the
// same segment under the same key (e.g. on retry) is safe and
// reproducible, and distinct redundancy copies never reuse a nonce.
func nonceFor(segmentHash []byte, redundancyIndex int) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, segmentHash)
	nonce[NonceSize-1] ^= byte(redundancyIndex)
	nonce[NonceSize-2] ^= byte(redundancyIndex >> 8)
	return nonce
}

// SegmentNonce exposes nonceFor to callers outside this package (the
// Downloader) that need to reconstruct a SealedSegment from a fetched
// ciphertext body and the segment's recorded plaintext hash: the nonce
// itself is never transmitted on the wire, since it is fully
// reproducible from (segmentHash, redundancyIndex) alone.
func SegmentNonce(segmentHash []byte, redundancyIndex int) []byte {
	return nonceFor(segmentHash, redundancyIndex)
}

// EncryptSegment seals plaintext under sessionKey. nonce is derived
// deterministically from segmentHash and redundancyIndex so the same
// logical segment always encrypts to the same ciphertext across retries.
func EncryptSegment(plaintext, sessionKey, segmentHash []byte, redundancyIndex int) (*SealedSegment, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, xerrors.New("crypto.EncryptSegment", xerrors.CryptoFailure, nil)
	}
	nonce := nonceFor(segmentHash, redundancyIndex)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return &SealedSegment{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// DecryptSegment opens a SealedSegment. Any failure — wrong key, wrong
// nonce, tampered ciphertext — collapses to the single CryptoFailure
// kind; the caller learns nothing about which check failed.
func DecryptSegment(sealed *SealedSegment, sessionKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, xerrors.New("crypto.DecryptSegment", xerrors.CryptoFailure, nil)
	}
	if len(sealed.Nonce) != NonceSize {
		return nil, xerrors.New("crypto.DecryptSegment", xerrors.CryptoFailure, nil)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, xerrors.New("crypto.DecryptSegment", xerrors.CryptoFailure, nil)
	}
	return plaintext, nil
}

// WrapKey seals sessionKey under kek, producing a self-contained blob
// (random nonce prefixed to the AEAD output) suitable for storage in the
// Catalog or a share's access block.
func WrapKey(sessionKey, kek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, xerrors.New("crypto.WrapKey", xerrors.CryptoFailure, nil)
	}
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, sessionKey, nil)
	return append(nonce, sealed...), nil
}

// UnwrapKey reverses WrapKey. Returns a single opaque CryptoFailure on
// any error, per spec §4.B.
func UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	if len(wrapped) < NonceSize {
		return nil, xerrors.New("crypto.UnwrapKey", xerrors.CryptoFailure, nil)
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, xerrors.New("crypto.UnwrapKey", xerrors.CryptoFailure, nil)
	}
	nonce, sealed := wrapped[:NonceSize], wrapped[NonceSize:]
	sessionKey, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, xerrors.New("crypto.UnwrapKey", xerrors.CryptoFailure, nil)
	}
	return sessionKey, nil
}
