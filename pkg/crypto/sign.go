package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// GenerateFolderKeypair creates a folder's signing keypair. The private
// half is never written to the Catalog unwrapped (see WrapKey).
func GenerateFolderKeypair() (pub, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, xerrors.New("crypto.GenerateFolderKeypair", xerrors.Internal, err)
	}
	return []byte(p), []byte(s), nil
}

// Sign produces a detached ed25519 signature over bytes using the
// folder's private key.
func Sign(folderPriv, data []byte) ([]byte, error) {
	if len(folderPriv) != ed25519.PrivateKeySize {
		return nil, xerrors.New("crypto.Sign", xerrors.InvalidInput, nil)
	}
	return ed25519.Sign(ed25519.PrivateKey(folderPriv), data), nil
}

// Verify checks a detached signature against the folder's public key.
// Any malformed input simply yields false rather than an error, matching
// the spec's boolean-return contract.
func Verify(folderPub, data, sig []byte) bool {
	if len(folderPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(folderPub), data, sig)
}
