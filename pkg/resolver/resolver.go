package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/shardkeep/shardkeep/pkg/credential"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/metrics"
	"github.com/shardkeep/shardkeep/pkg/publisher"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
)

var log = xlog.WithComponent("resolver")

// Fetcher is the subset of *transport.Registry the Resolver depends on.
type Fetcher interface {
	Retrieve(ctx context.Context, messageID, group string) ([]byte, error)
}

// Request parameterizes one Resolve call. Exactly the fields relevant to
// the share's mode need to be set; the others are ignored.
type Request struct {
	AccessCredential string

	// HeadMessageID is the share's index head article message_id. The
	// access credential's prefix only authenticates this value; it does
	// not encode it, so the caller must supply it from a prior catalog
	// lookup (FindShare) or a Search result.
	HeadMessageID string

	// Identity mode.
	UserID string

	// Password mode.
	Password string
}

// Result is everything a successful Resolve yields: the share's folder
// identity, its manifest, and the session key (the Downloader needs it
// again to decrypt each segment).
type Result struct {
	FolderID   string
	FolderName string
	Newsgroup  string
	ShareMode  types.ShareMode
	Manifest   *publisher.Manifest
	SessionKey []byte
}

// Resolve decodes req.AccessCredential, fetches and authenticates the
// share's index, unlocks its session key, and decrypts its manifest.
// The index's signature is verified before any ciphertext is fetched or
// decrypted, per the index's authentication property: a tampered index
// is rejected before it can influence decryption in any way.
func Resolve(ctx context.Context, fetcher Fetcher, req Request) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResolveDuration)

	cred, err := credential.Decode(req.AccessCredential)
	if err != nil {
		return nil, err
	}

	if req.HeadMessageID == "" {
		return nil, xerrors.New("resolver.Resolve", xerrors.InvalidInput, fmt.Errorf("no head message_id available for credential"))
	}
	if !cred.VerifyIndexMessageID(req.HeadMessageID) {
		metrics.UnauthorizedResolvesTotal.WithLabelValues("unknown").Inc()
		return nil, xerrors.New("resolver.Resolve", xerrors.Unauthorized, fmt.Errorf("credential does not match head article"))
	}

	headFrame, err := fetcher.Retrieve(ctx, req.HeadMessageID, "")
	if err != nil {
		return nil, err
	}
	headJSON, err := segmenter.Decode(string(headFrame))
	if err != nil {
		return nil, err
	}
	var head publisher.IndexHead
	if err := json.Unmarshal(headJSON, &head); err != nil {
		return nil, xerrors.New("resolver.Resolve", xerrors.InvalidInput, err)
	}

	signBytes, err := head.SigningBytes()
	if err != nil {
		return nil, xerrors.New("resolver.Resolve", xerrors.Internal, err)
	}
	if !crypto.Verify(head.FolderPublicKey, signBytes, head.Signature) {
		metrics.UnauthorizedResolvesTotal.WithLabelValues(string(head.ShareMode)).Inc()
		return nil, xerrors.New("resolver.Resolve", xerrors.Unauthorized, fmt.Errorf("index signature verification failed"))
	}

	sessionKey, err := unlockSessionKey(head, req)
	if err != nil {
		if xerrors.Is(err, xerrors.Unauthorized) {
			metrics.UnauthorizedResolvesTotal.WithLabelValues(string(head.ShareMode)).Inc()
		}
		return nil, err
	}

	sealed, err := fetchChunks(ctx, fetcher, head)
	if err != nil {
		return nil, err
	}
	manifestJSON, err := crypto.UnwrapKey(sealed, sessionKey)
	if err != nil {
		return nil, xerrors.New("resolver.Resolve", xerrors.IntegrityFailure, err)
	}
	var manifest publisher.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, xerrors.New("resolver.Resolve", xerrors.IntegrityFailure, err)
	}

	log.Info().Str("folder_id", head.FolderID).Str("share_id", cred.ShareIDString()).Msg("share resolved")

	return &Result{
		FolderID:   head.FolderID,
		FolderName: head.FolderName,
		Newsgroup:  head.Newsgroup,
		ShareMode:  head.ShareMode,
		Manifest:   &manifest,
		SessionKey: sessionKey,
	}, nil
}

func unlockSessionKey(head publisher.IndexHead, req Request) ([]byte, error) {
	switch head.Access.Mode {
	case types.ShareModeOpen:
		if head.Access.Open == nil {
			return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Internal, fmt.Errorf("open access block missing"))
		}
		return head.Access.Open.SessionKey, nil

	case types.ShareModeIdentity:
		if head.Access.Identity == nil {
			return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Internal, fmt.Errorf("identity access block missing"))
		}
		if req.UserID == "" {
			return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Unauthorized, fmt.Errorf("identity-gated share requires a user_id"))
		}
		folderSalt := publisher.FolderSalt(head.FolderID)
		kek, err := crypto.DeriveUserKey(req.UserID, folderSalt)
		if err != nil {
			return nil, err
		}
		_, identityPriv, err := crypto.DeriveIdentityKeypair(req.UserID, folderSalt)
		if err != nil {
			return nil, err
		}
		for _, entry := range head.Access.Identity.Entries {
			if !bytes.Equal(entry.Commitment, crypto.IdentityCommitment(req.UserID, entry.Salt)) {
				continue
			}
			// The challenge is the entry's own commitment: fixed and
			// public once the index is posted, so no interactive
			// round trip is needed, and binding the proof to this
			// entry keeps it from verifying against any other entry's
			// verification_key.
			proof, err := crypto.ProveIdentity(identityPriv, entry.Commitment)
			if err != nil {
				return nil, err
			}
			if !crypto.VerifyIdentity(proof, entry.VerificationKey, entry.Commitment) {
				return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Unauthorized, fmt.Errorf("identity proof verification failed"))
			}
			sessionKey, err := crypto.UnwrapKey(entry.WrappedSessionKey, kek)
			if err != nil {
				return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Unauthorized, err)
			}
			return sessionKey, nil
		}
		if len(head.Access.Identity.OwnerWrappedSessionKey) > 0 {
			sessionKey, err := crypto.UnwrapKey(head.Access.Identity.OwnerWrappedSessionKey, kek)
			if err == nil {
				return sessionKey, nil
			}
		}
		return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Unauthorized, fmt.Errorf("user_id is not authorized for this share"))

	case types.ShareModePassword:
		if head.Access.Password == nil {
			return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Internal, fmt.Errorf("password access block missing"))
		}
		kek, err := crypto.DerivePasswordKey(req.Password, head.Access.Password.Salt, head.Access.Password.KDFParams)
		if err != nil {
			return nil, err
		}
		sessionKey, err := crypto.UnwrapKey(head.Access.Password.EncryptedSessionKey, kek)
		if err != nil {
			return nil, xerrors.New("resolver.unlockSessionKey", xerrors.Unauthorized, err)
		}
		return sessionKey, nil

	default:
		return nil, xerrors.New("resolver.unlockSessionKey", xerrors.InvalidInput, fmt.Errorf("unknown share mode %q", head.Access.Mode))
	}
}

func fetchChunks(ctx context.Context, fetcher Fetcher, head publisher.IndexHead) ([]byte, error) {
	var buf bytes.Buffer
	for _, chunk := range head.Chunks {
		frame, err := fetcher.Retrieve(ctx, chunk.MessageID, head.Newsgroup)
		if err != nil {
			return nil, err
		}
		part, err := segmenter.Decode(string(frame))
		if err != nil {
			return nil, err
		}
		if len(part) != chunk.Size {
			return nil, xerrors.New("resolver.fetchChunks", xerrors.IntegrityFailure, fmt.Errorf("chunk size mismatch for %s", chunk.MessageID))
		}
		buf.Write(part)
	}
	return buf.Bytes(), nil
}
