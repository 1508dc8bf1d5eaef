// Package credential implements the bit-exact access-credential codec
// from spec §6: a short, case-insensitive, human-transcribable string
// that never carries session keys or passwords.
package credential

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

const (
	magicByte   byte = 0x55
	versionByte byte = 0x01

	shareIDSize = 16
	prefixSize  = 4
	totalSize   = 1 + 1 + shareIDSize + prefixSize
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Credential is the decoded form of an access-credential string.
type Credential struct {
	ShareID       [shareIDSize]byte
	MessagePrefix [prefixSize]byte
}

// Encode builds the access-credential string for a share: base32 (no
// padding) of magic || version || share_id || first 4 bytes of
// SHA-256(index_message_id).
func Encode(shareID [shareIDSize]byte, indexMessageID string) string {
	sum := sha256.Sum256([]byte(indexMessageID))

	buf := make([]byte, 0, totalSize)
	buf = append(buf, magicByte, versionByte)
	buf = append(buf, shareID[:]...)
	buf = append(buf, sum[:prefixSize]...)

	return encoding.EncodeToString(buf)
}

// Decode parses an access-credential string, rejecting anything that
// doesn't carry the expected magic/version/length. Decode alone does not
// confirm the credential names a real share — that is the Resolver's job.
func Decode(s string) (*Credential, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return nil, xerrors.New("credential.Decode", xerrors.InvalidInput, err)
	}
	if len(raw) != totalSize {
		return nil, xerrors.New("credential.Decode", xerrors.InvalidInput, nil)
	}
	if raw[0] != magicByte || raw[1] != versionByte {
		return nil, xerrors.New("credential.Decode", xerrors.InvalidInput, nil)
	}

	var c Credential
	copy(c.ShareID[:], raw[2:2+shareIDSize])
	copy(c.MessagePrefix[:], raw[2+shareIDSize:])
	return &c, nil
}

// ShareIDString renders the decoded share_id bytes as the short base32
// identifier used to key catalog.Share records.
func (c *Credential) ShareIDString() string {
	return encoding.EncodeToString(c.ShareID[:])
}

// VerifyIndexMessageID reports whether indexMessageID's hash prefix
// matches the credential's integrity prefix, catching a mistyped or
// truncated credential before a resolve attempt is made.
func (c *Credential) VerifyIndexMessageID(indexMessageID string) bool {
	sum := sha256.Sum256([]byte(indexMessageID))
	for i := 0; i < prefixSize; i++ {
		if sum[i] != c.MessagePrefix[i] {
			return false
		}
	}
	return true
}

// NewShareID derives the 16-byte share_id embedded in a credential from
// a share's catalog ShareID string, so the two representations stay in
// lockstep: the catalog key is the human-readable base32 string, the
// wire credential is its raw decoded form.
func NewShareID(shareIDString string) ([shareIDSize]byte, error) {
	var out [shareIDSize]byte
	raw, err := encoding.DecodeString(strings.ToUpper(shareIDString))
	if err != nil || len(raw) != shareIDSize {
		return out, xerrors.New("credential.NewShareID", xerrors.InvalidInput, err)
	}
	copy(out[:], raw)
	return out, nil
}
