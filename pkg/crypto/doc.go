/*
Package crypto implements the access-control primitives of spec §4.B:
AEAD segment encryption, key wrapping, user/password key derivation,
folder signing, and the identity proof used by identity-gated shares.

Primitives are named by role, not by algorithm, at every call site
outside this package — chacha20poly1305.New supplies the AEAD,
golang.org/x/crypto/hkdf and scrypt supply key derivation, and
crypto/ed25519 supplies both folder signatures and the identity proof's
proof-of-possession scheme. Every encryption, decryption, key-wrap and
key-derivation failure collapses to xerrors.CryptoFailure with no more
specific cause. Invalid arguments (a KDF cost below the floor, a
malformed private key) return xerrors.InvalidInput, and a failure of the
system random source returns xerrors.Internal.
*/
package crypto
