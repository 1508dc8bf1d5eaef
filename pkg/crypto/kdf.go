package crypto

import (
	"crypto/sha256"
	"io"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// ScryptParams tunes the password KDF. Spec §4.B requires a cost
// ≥65536 on current hardware; that number is scrypt's classic N
// parameter.
type ScryptParams struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// DefaultScryptParams is the floor the spec requires: N=65536, r=8, p=1.
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 65536, R: 8, P: 1, KeyLen: KeySize}
}

// DerivePasswordKey derives a kek from a password and salt. Cost is
// never below DefaultScryptParams; a caller-supplied weaker N is
// rejected rather than silently strengthened, so behavior stays
// predictable.
func DerivePasswordKey(password string, salt []byte, params ScryptParams) ([]byte, error) {
	if params.N == 0 {
		params = DefaultScryptParams()
	}
	if params.N < DefaultScryptParams().N {
		return nil, xerrors.New("crypto.DerivePasswordKey", xerrors.InvalidInput, nil)
	}
	key, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.KeyLen)
	if err != nil {
		return nil, xerrors.New("crypto.DerivePasswordKey", xerrors.CryptoFailure, nil)
	}
	return key, nil
}

// DeriveUserKey deterministically derives a per-(user,folder) kek via
// HKDF-SHA256, salted by the folder's salt and info-tagged so it can
// never collide with the identity-keypair derivation in identity.go.
func DeriveUserKey(userID string, folderSalt []byte) ([]byte, error) {
	return hkdfDerive([]byte(userID), folderSalt, []byte("shardkeep:user-kek"), KeySize)
}

// DeriveFolderSessionKey derives a folder's segment-encryption session
// key from its unwrapped signing private key, so every publish of the
// same folder re-derives the exact key its segments were already
// encrypted under without the Catalog ever storing the key itself.
func DeriveFolderSessionKey(folderPriv []byte) ([]byte, error) {
	return hkdfDerive(folderPriv, nil, []byte("shardkeep:folder-session-key"), KeySize)
}

func hkdfDerive(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, xerrors.New("crypto.hkdfDerive", xerrors.CryptoFailure, nil)
	}
	return out, nil
}
