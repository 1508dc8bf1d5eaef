// Package publisher builds, signs, encrypts and posts a folder's share
// index per spec §4.G: a folder whose files are all `uploaded` becomes a
// signed, encrypted manifest posted as one head article plus zero or
// more ciphertext chunk articles, whose head message_id and a fresh
// share_id form the access credential.
package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/credential"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/metrics"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
)

var log = xlog.WithComponent("publisher")

// IndexVersion is the on-wire version of the index document format.
const IndexVersion = 1

// Poster is the subset of *transport.Registry the Publisher depends on.
type Poster interface {
	Post(ctx context.Context, subject, group string, body []byte) (string, error)
}

// FolderSalt deterministically derives the per-folder salt used to key
// derive_user_key/derive_identity_keypair, so Publisher and Resolver
// never need to store or transmit it separately — it is reproducible
// from the folder_unique_id alone.
func FolderSalt(folderID string) []byte {
	sum := sha256.Sum256([]byte("shardkeep:folder-salt:" + folderID))
	return sum[:]
}

// RedundantCopy names one redundancy copy of a segment: its own
// message_id and the redundancy index its nonce was derived from.
type RedundantCopy struct {
	MessageID       string `json:"message_id"`
	RedundancyIndex int    `json:"redundancy_index"`
}

// SegmentRef is one primary segment's manifest record: everything the
// Downloader needs to fetch, decrypt and verify it without a second
// Catalog lookup. PlaintextHash is hex-encoded, matching the Segmenter's
// on-disk representation, so it doubles as the AEAD nonce's source
// material via crypto.SegmentNonce.
type SegmentRef struct {
	MessageID       string          `json:"message_id"`
	RedundantCopies []RedundantCopy `json:"redundant_copies,omitempty"`
	PlaintextHash   string          `json:"plaintext_hash"`
	PlaintextSize   int             `json:"plaintext_size"`
	Compression     byte            `json:"compression"`
}

// FileEntry is one file's manifest record inside the encrypted index.
type FileEntry struct {
	Path        string       `json:"path"`
	Size        int64        `json:"size"`
	ContentHash string       `json:"content_hash"`
	Segments    []SegmentRef `json:"segments"`
}

// Manifest is the plaintext payload encrypted under the share's session
// key: the folder's display name plus every file's segment manifest.
type Manifest struct {
	FolderName string      `json:"folder_name"`
	Files      []FileEntry `json:"files"`
}

// IdentityEntry authorizes one user under identity-gated sharing. Salt
// and Commitment hide which entry belongs to which user_id from anyone
// else reading the published index.
type IdentityEntry struct {
	Commitment        []byte `json:"commitment"`
	Salt              []byte `json:"salt"`
	VerificationKey   []byte `json:"verification_key"`
	WrappedSessionKey []byte `json:"wrapped_session_key"`
}

// IdentityAccess is the identity-mode access block.
type IdentityAccess struct {
	Entries                []IdentityEntry `json:"entries"`
	OwnerWrappedSessionKey []byte          `json:"owner_wrapped_session_key,omitempty"`
}

// PasswordAccess is the password-mode access block.
type PasswordAccess struct {
	Salt                []byte              `json:"salt"`
	KDFParams           crypto.ScryptParams `json:"kdf_params"`
	EncryptedSessionKey []byte              `json:"encrypted_session_key"`
	PasswordHint        string              `json:"password_hint,omitempty"`
}

// OpenAccess is the open-mode access block: the session key travels
// alongside the index in the clear, since anyone holding the credential
// is meant to decrypt.
type OpenAccess struct {
	SessionKey []byte `json:"session_key"`
}

// AccessBlock carries exactly one populated mode-specific block,
// selected by Mode.
type AccessBlock struct {
	Mode     types.ShareMode `json:"mode"`
	Open     *OpenAccess     `json:"open,omitempty"`
	Identity *IdentityAccess `json:"identity,omitempty"`
	Password *PasswordAccess `json:"password,omitempty"`
}

// ChunkMeta records one posted ciphertext chunk's message_id and size,
// in the order the chunks must be concatenated.
type ChunkMeta struct {
	MessageID string `json:"message_id"`
	Size      int    `json:"size"`
}

// IndexHead is the posted, signed head article: folder identity, the
// mode-specific access block, and pointers to the encrypted manifest's
// chunk articles. Signature covers every other field via SigningBytes.
type IndexHead struct {
	Version         int             `json:"version"`
	FolderID        string          `json:"folder_id"`
	FolderName      string          `json:"folder_name"`
	FolderPublicKey []byte          `json:"public_key"`
	ShareMode       types.ShareMode `json:"share_mode"`
	Newsgroup       string          `json:"newsgroup"`
	Access          AccessBlock     `json:"access"`
	Chunks          []ChunkMeta     `json:"chunks"`
	Signature       []byte          `json:"signature,omitempty"`
}

// SigningBytes returns the deterministic byte encoding signed by the
// folder's private key: a copy of the head with Signature cleared,
// JSON-marshaled. encoding/json marshals struct fields in declaration
// order and map keys in sorted order, so this is reproducible across
// runs and machines per spec §6.
func (h *IndexHead) SigningBytes() ([]byte, error) {
	cp := *h
	cp.Signature = nil
	return json.Marshal(&cp)
}

// Request parameterizes one Build call.
type Request struct {
	Folder     *types.Folder
	Files      []*types.File
	FolderPriv []byte // unwrapped ed25519 signing private key

	// SessionKey is the key the folder's segments were already encrypted
	// under by the Uploader. Build never invents its own session key: the
	// Uploader must encrypt under a key chosen before upload begins, and
	// Build only ever wraps/exposes that same key so a Resolver can
	// decrypt the very segments already posted.
	SessionKey []byte

	ShareMode     types.ShareMode
	Newsgroup     string
	AuthorizedIDs []string // identity mode only
	OwnerUserID   string   // identity mode only
	Password      string   // password mode only
	PasswordHint  string   // password mode only
	ChunkSize     int
}

// Build assembles, signs, encrypts and posts folder's share index, then
// records the resulting Share in cat and returns it alongside the
// printable access credential.
func Build(ctx context.Context, cat catalog.Catalog, poster Poster, broker *events.Broker, req Request) (*types.Share, string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PublishDuration)

	manifest, err := buildManifest(cat, req.Folder, req.Files)
	if err != nil {
		return nil, "", err
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, "", xerrors.New("publisher.Build", xerrors.Internal, err)
	}

	sessionKey := req.SessionKey
	if len(sessionKey) != crypto.KeySize {
		return nil, "", xerrors.New("publisher.Build", xerrors.InvalidInput, fmt.Errorf("session key must be the segment encryption key the folder was uploaded under"))
	}
	sealed, err := crypto.WrapKey(manifestJSON, sessionKey)
	if err != nil {
		return nil, "", err
	}

	access, err := buildAccessBlock(req, sessionKey)
	if err != nil {
		return nil, "", err
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = segmenter.DefaultTargetSize
	}
	chunks, err := postChunks(ctx, poster, req.Folder.FolderUniqueID, req.Newsgroup, sealed, chunkSize)
	if err != nil {
		return nil, "", err
	}

	head := &IndexHead{
		Version:         IndexVersion,
		FolderID:        req.Folder.FolderUniqueID,
		FolderName:      req.Folder.DisplayName,
		FolderPublicKey: req.Folder.SigningPublicKey,
		ShareMode:       req.ShareMode,
		Newsgroup:       req.Newsgroup,
		Access:          access,
		Chunks:          chunks,
	}
	signBytes, err := head.SigningBytes()
	if err != nil {
		return nil, "", xerrors.New("publisher.Build", xerrors.Internal, err)
	}
	sig, err := crypto.Sign(req.FolderPriv, signBytes)
	if err != nil {
		return nil, "", err
	}
	head.Signature = sig

	headJSON, err := json.Marshal(head)
	if err != nil {
		return nil, "", xerrors.New("publisher.Build", xerrors.Internal, err)
	}
	headFrame := segmenter.Encode(headJSON, req.Folder.FolderUniqueID+".index.head", segmenter.DefaultLineWidth)
	headMessageID, err := poster.Post(ctx, req.Folder.FolderUniqueID+".index.head", req.Newsgroup, []byte(headFrame))
	if err != nil {
		return nil, "", err
	}

	shareIDRaw, err := crypto.NewSalt(16)
	if err != nil {
		return nil, "", err
	}
	var shareIDArr [16]byte
	copy(shareIDArr[:], shareIDRaw)
	cred := credential.Credential{ShareID: shareIDArr}
	shareIDStr := cred.ShareIDString()
	accessCredential := credential.Encode(shareIDArr, headMessageID)

	share := &types.Share{
		ShareID:        shareIDStr,
		FolderID:       req.Folder.FolderUniqueID,
		ShareMode:      req.ShareMode,
		IndexMessageID: headMessageID,
		PublishedAt:    time.Now(),
		PasswordHint:   req.PasswordHint,
		State:          types.ShareStateActive,
	}
	if err := cat.CreateShare(share); err != nil {
		return nil, "", err
	}

	req.Folder.Version++
	if err := cat.UpdateFolder(req.Folder); err != nil {
		return nil, "", err
	}

	if broker != nil {
		broker.Publish(events.Newf(events.EventFolderPublished, "published folder %s as share %s", req.Folder.FolderUniqueID, shareIDStr))
	}
	log.Info().Str("folder_id", req.Folder.FolderUniqueID).Str("share_id", shareIDStr).Msg("folder published")

	return share, accessCredential, nil
}

func buildManifest(cat catalog.Catalog, folder *types.Folder, files []*types.File) (*Manifest, error) {
	m := &Manifest{FolderName: folder.DisplayName}
	for _, f := range files {
		if f.State != types.FileStateUploaded {
			return nil, xerrors.New("publisher.buildManifest", xerrors.InvalidInput, fmt.Errorf("file %s is not uploaded", f.RelativePath))
		}
		segs, err := cat.IterSegments(f.FileID)
		if err != nil {
			return nil, err
		}
		primaries := make([]SegmentRef, f.SegmentCount)
		found := make([]bool, f.SegmentCount)
		for _, s := range segs {
			if s.SegmentIndex < 0 || s.SegmentIndex >= len(primaries) {
				continue
			}
			if !s.Posted() {
				return nil, xerrors.New("publisher.buildManifest", xerrors.InvalidInput, fmt.Errorf("segment %d of %s has no message_id", s.SegmentIndex, f.RelativePath))
			}
			if s.RedundancyIndex != 0 {
				primaries[s.SegmentIndex].RedundantCopies = append(primaries[s.SegmentIndex].RedundantCopies, RedundantCopy{
					MessageID:       s.MessageID,
					RedundancyIndex: s.RedundancyIndex,
				})
				continue
			}
			found[s.SegmentIndex] = true
			primaries[s.SegmentIndex].MessageID = s.MessageID
			primaries[s.SegmentIndex].PlaintextHash = s.PlaintextHash
			primaries[s.SegmentIndex].PlaintextSize = s.PlaintextSize
			primaries[s.SegmentIndex].Compression = s.Compression
		}
		for _, ok := range found {
			if !ok {
				return nil, xerrors.New("publisher.buildManifest", xerrors.InvalidInput, fmt.Errorf("file %s is missing posted primary segments", f.RelativePath))
			}
		}
		m.Files = append(m.Files, FileEntry{
			Path:        f.RelativePath,
			Size:        f.Size,
			ContentHash: f.ContentHash,
			Segments:    primaries,
		})
	}
	return m, nil
}

func buildAccessBlock(req Request, sessionKey []byte) (AccessBlock, error) {
	salt := FolderSalt(req.Folder.FolderUniqueID)
	switch req.ShareMode {
	case types.ShareModeOpen:
		return AccessBlock{Mode: types.ShareModeOpen, Open: &OpenAccess{SessionKey: sessionKey}}, nil

	case types.ShareModeIdentity:
		access := &IdentityAccess{}
		for _, userID := range req.AuthorizedIDs {
			entrySalt, err := crypto.NewSalt(32)
			if err != nil {
				return AccessBlock{}, err
			}
			commitment := crypto.IdentityCommitment(userID, entrySalt)
			pub, _, err := crypto.DeriveIdentityKeypair(userID, salt)
			if err != nil {
				return AccessBlock{}, err
			}
			kek, err := crypto.DeriveUserKey(userID, salt)
			if err != nil {
				return AccessBlock{}, err
			}
			wrapped, err := crypto.WrapKey(sessionKey, kek)
			if err != nil {
				return AccessBlock{}, err
			}
			access.Entries = append(access.Entries, IdentityEntry{
				Commitment:        commitment,
				Salt:              entrySalt,
				VerificationKey:   pub,
				WrappedSessionKey: wrapped,
			})
		}
		if req.OwnerUserID != "" {
			ownerKEK, err := crypto.DeriveUserKey(req.OwnerUserID, salt)
			if err != nil {
				return AccessBlock{}, err
			}
			wrapped, err := crypto.WrapKey(sessionKey, ownerKEK)
			if err != nil {
				return AccessBlock{}, err
			}
			access.OwnerWrappedSessionKey = wrapped
		}
		return AccessBlock{Mode: types.ShareModeIdentity, Identity: access}, nil

	case types.ShareModePassword:
		pwSalt, err := crypto.NewSalt(32)
		if err != nil {
			return AccessBlock{}, err
		}
		params := crypto.DefaultScryptParams()
		kek, err := crypto.DerivePasswordKey(req.Password, pwSalt, params)
		if err != nil {
			return AccessBlock{}, err
		}
		encrypted, err := crypto.WrapKey(sessionKey, kek)
		if err != nil {
			return AccessBlock{}, err
		}
		return AccessBlock{Mode: types.ShareModePassword, Password: &PasswordAccess{
			Salt:                pwSalt,
			KDFParams:           params,
			EncryptedSessionKey: encrypted,
			PasswordHint:        req.PasswordHint,
		}}, nil

	default:
		return AccessBlock{}, xerrors.New("publisher.buildAccessBlock", xerrors.InvalidInput, fmt.Errorf("unknown share mode %q", req.ShareMode))
	}
}

func postChunks(ctx context.Context, poster Poster, folderID, newsgroup string, sealed []byte, chunkSize int) ([]ChunkMeta, error) {
	var chunks []ChunkMeta
	for i, off := 0, 0; off < len(sealed); i, off = i+1, off+chunkSize {
		end := off + chunkSize
		if end > len(sealed) {
			end = len(sealed)
		}
		part := sealed[off:end]
		subject := fmt.Sprintf("%s.index.%d", folderID, i)
		frame := segmenter.Encode(part, subject, segmenter.DefaultLineWidth)
		messageID, err := poster.Post(ctx, subject, newsgroup, []byte(frame))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ChunkMeta{MessageID: messageID, Size: len(part)})
	}
	return chunks, nil
}
