package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// DeriveIdentityKeypair deterministically derives a per-(user,folder)
// ed25519 keypair from an HKDF seed, the same seed-then-NewKeyFromSeed
// technique used for node identity keys elsewhere in the pack. The
// public half becomes the share's verification_key; the private half
// never leaves the caller's process.
func DeriveIdentityKeypair(userID string, folderSalt []byte) (pub, priv []byte, err error) {
	seed, err := hkdfDerive([]byte(userID), folderSalt, []byte("shardkeep:identity-seed"), ed25519.SeedSize)
	if err != nil {
		return nil, nil, err
	}
	priv = ed25519.NewKeyFromSeed(seed)
	pub = priv[ed25519.SeedSize:]
	return pub, priv, nil
}

// IdentityCommitment hides which verification_key belongs to which
// user: hash(user_id ‖ salt). A reader of the published access block
// can locate their own entry without the entry revealing any user_id to
// other readers.
func IdentityCommitment(userID string, salt []byte) []byte {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write(salt)
	return h.Sum(nil)
}

// ProveIdentity answers a challenge with a signature under the caller's
// derived identity private key. This is a proof of possession, not a
// formal zero-knowledge proof: it reveals neither the user_id nor the
// private seed, but (unlike true ZK) the verifier learns that this
// exact keypair produced this exact signature.
func ProveIdentity(priv, challenge []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, xerrors.New("crypto.ProveIdentity", xerrors.InvalidInput, nil)
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), challenge), nil
}

// VerifyIdentity checks a proof against the share's stored
// verification_key for constant time, regardless of why it fails.
func VerifyIdentity(proof, verificationKey, challenge []byte) bool {
	if len(verificationKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(verificationKey), challenge, proof)
}
