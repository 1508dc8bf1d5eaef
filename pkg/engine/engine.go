package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/credential"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/downloader"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/publisher"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/uploader"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
)

var log = xlog.WithComponent("engine")

// Config holds the Engine's tunables, threaded through to the
// subsystems it drives.
type Config struct {
	Newsgroup         string
	UploadConfig      uploader.Config
	DownloadConfig    downloader.Config
	MaintenanceConfig catalog.MaintenanceConfig
}

// DefaultConfig matches the Uploader/Downloader/Catalog package defaults.
func DefaultConfig() Config {
	return Config{
		Newsgroup:         "alt.binaries.shardkeep",
		UploadConfig:      uploader.DefaultConfig(),
		DownloadConfig:    downloader.DefaultConfig(),
		MaintenanceConfig: catalog.DefaultMaintenanceConfig(),
	}
}

// Transport is the capability the Engine borrows from the process-wide
// *transport.Registry: post an article, retrieve an article, tear down
// the pools on shutdown. The Uploader/Downloader/Publisher each narrow
// it further to the single operation they need.
type Transport interface {
	Post(ctx context.Context, subject, group string, body []byte) (string, error)
	Retrieve(ctx context.Context, messageID, group string) ([]byte, error)
	Close()
}

// Engine is the collaborator-facing API: create_user, create_folder,
// publish, download, session_status, system_status.
type Engine struct {
	cat      catalog.Catalog
	registry Transport
	broker   *events.Broker
	cfg      Config
}

// New builds an Engine wired to the process-wide Catalog, Transport
// registry and event Broker, exactly as teacher manager.NewManager wires
// its store/security/events at construction.
func New(cat catalog.Catalog, registry Transport, broker *events.Broker, cfg Config) *Engine {
	return &Engine{cat: cat, registry: registry, broker: broker, cfg: cfg}
}

// Start begins the Catalog's background maintenance (session reaping,
// stats→gauge refresh).
func (e *Engine) Start(ctx context.Context) {
	e.cat.StartMaintenance(ctx, e.cfg.MaintenanceConfig)
}

// Shutdown closes the broker's subscriber channels, tears down every
// transport connection, and closes the Catalog.
func (e *Engine) Shutdown() error {
	e.broker.Close()
	e.registry.Close()
	return e.cat.Close()
}

// EventBroker exposes the Broker so a caller (the CLI's progress
// display) can Subscribe to upload/download/publish events.
func (e *Engine) EventBroker() *events.Broker {
	return e.broker
}

// --- User operations ---

// CreateUser registers a collaborator identity. A user's identity-mode
// keying material is never stored: it is re-derived on demand from
// user_id alone (see pkg/crypto.DeriveUserKey), so this only records the
// display metadata a folder owner needs to authorize them by.
func (e *Engine) CreateUser(ctx context.Context, userID, displayName, email string) (*types.User, error) {
	user := &types.User{
		UserID:      userID,
		DisplayName: displayName,
		Email:       email,
		CreatedAt:   time.Now(),
	}
	if err := e.cat.CreateUser(user); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Msg("user created")
	return user, nil
}

// --- Folder operations ---

// CreateFolder generates a folder's signing keypair, wraps the private
// half under its owner's derived key, indexes every file under
// localPath, and records the folder as active.
func (e *Engine) CreateFolder(ctx context.Context, ownerUserID, localPath, displayName string, mode types.ShareMode) (*types.Folder, error) {
	info, err := os.Stat(localPath)
	if err != nil || !info.IsDir() {
		return nil, xerrors.New("engine.CreateFolder", xerrors.InvalidInput, err)
	}

	pub, priv, err := crypto.GenerateFolderKeypair()
	if err != nil {
		return nil, err
	}
	folderID := uuid.NewString()
	salt := publisher.FolderSalt(folderID)
	kek, err := crypto.DeriveUserKey(ownerUserID, salt)
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapKey(priv, kek)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	folder := &types.Folder{
		FolderUniqueID:           folderID,
		LocalPath:                localPath,
		DisplayName:              displayName,
		ShareMode:                mode,
		OwnerUserID:              ownerUserID,
		State:                    types.FolderStateActive,
		SigningPublicKey:         pub,
		SigningPrivateKeyWrapped: wrapped,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := e.cat.CreateFolder(folder); err != nil {
		return nil, err
	}

	totalFiles, totalSize, err := e.indexFolder(folder)
	if err != nil {
		return nil, err
	}
	folder.TotalFiles, folder.TotalSize = totalFiles, totalSize
	if err := e.cat.UpdateFolder(folder); err != nil {
		return nil, err
	}

	log.Info().Str("folder_id", folderID).Int("files", totalFiles).Msg("folder indexed")
	return folder, nil
}

// indexFolder walks localPath, computing each file's content hash and
// segment count up front so the Uploader never has to. Segment records
// themselves are created lazily, one per posted copy, by the Uploader.
func (e *Engine) indexFolder(folder *types.Folder) (totalFiles int, totalSize int64, err error) {
	segmentSize := e.cfg.UploadConfig.SegmentSize
	if segmentSize <= 0 {
		segmentSize = segmenter.DefaultTargetSize
	}

	walkErr := filepath.WalkDir(folder.LocalPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(folder.LocalPath, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		hash, hashErr := hashFile(path)
		if hashErr != nil {
			return hashErr
		}

		segmentCount := int((info.Size() + int64(segmentSize) - 1) / int64(segmentSize))
		file := &types.File{
			FileID:       uuid.NewString(),
			FolderID:     folder.FolderUniqueID,
			RelativePath: filepath.ToSlash(rel),
			ContentHash:  hex.EncodeToString(hash),
			Size:         info.Size(),
			ModifiedAt:   info.ModTime(),
			SegmentCount: segmentCount,
			State:        types.FileStateIndexed,
		}
		if err := e.cat.UpsertFile(file); err != nil {
			return err
		}
		totalFiles++
		totalSize += file.Size
		return nil
	})
	if walkErr != nil {
		return 0, 0, xerrors.New("engine.indexFolder", xerrors.Internal, walkErr)
	}
	return totalFiles, totalSize, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
	return h.Sum(nil), nil
}

// unwrapFolderPriv recovers a folder's signing private key from its
// wrapped form, re-deriving the owner's kek rather than ever storing the
// key unwrapped.
func (e *Engine) unwrapFolderPriv(folder *types.Folder) ([]byte, error) {
	salt := publisher.FolderSalt(folder.FolderUniqueID)
	kek, err := crypto.DeriveUserKey(folder.OwnerUserID, salt)
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapKey(folder.SigningPrivateKeyWrapped, kek)
}

// --- Publish operations ---

// PublishRequest parameterizes one Publish call.
type PublishRequest struct {
	FolderID      string
	ShareMode     types.ShareMode
	AuthorizedIDs []string // identity mode only
	Password      string   // password mode only
	PasswordHint  string   // password mode only
}

// Publish uploads every not-yet-uploaded file in the folder, then builds
// and posts the share index. Already-uploaded files are left untouched:
// Publish always re-derives the same session key those segments were
// originally encrypted under, so a republish never orphans them.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (*types.Share, string, error) {
	folder, err := e.cat.GetFolder(req.FolderID)
	if err != nil {
		return nil, "", err
	}
	folderPriv, err := e.unwrapFolderPriv(folder)
	if err != nil {
		return nil, "", err
	}
	sessionKey, err := crypto.DeriveFolderSessionKey(folderPriv)
	if err != nil {
		return nil, "", err
	}

	files, err := e.listFiles(folder.FolderUniqueID)
	if err != nil {
		return nil, "", err
	}

	var pending bool
	for _, f := range files {
		if f.State == types.FileStateDeleted {
			continue
		}
		if f.State != types.FileStateUploaded {
			pending = true
			f.State = types.FileStateUploading
			if err := e.cat.UpsertFile(f); err != nil {
				return nil, "", err
			}
		}
	}

	if pending {
		up := uploader.New(e.cat, e.registry, e.broker, e.cfg.UploadConfig)
		if err := up.Run(ctx, folder, sessionKey); err != nil {
			return nil, "", err
		}
		if err := e.finalizeUploads(folder.FolderUniqueID); err != nil {
			return nil, "", err
		}
		files, err = e.listFiles(folder.FolderUniqueID)
		if err != nil {
			return nil, "", err
		}
	}

	var toPublish []*types.File
	for _, f := range files {
		if f.State == types.FileStateUploaded {
			toPublish = append(toPublish, f)
		}
	}

	share, cred, err := publisher.Build(ctx, e.cat, e.registry, e.broker, publisher.Request{
		Folder:        folder,
		Files:         toPublish,
		FolderPriv:    folderPriv,
		SessionKey:    sessionKey,
		ShareMode:     req.ShareMode,
		Newsgroup:     e.cfg.Newsgroup,
		AuthorizedIDs: req.AuthorizedIDs,
		OwnerUserID:   folder.OwnerUserID,
		Password:      req.Password,
		PasswordHint:  req.PasswordHint,
	})
	if err != nil {
		return nil, "", err
	}
	log.Info().Str("folder_id", folder.FolderUniqueID).Str("share_id", share.ShareID).Msg("published")
	return share, cred, nil
}

// listFiles drains every page of a folder's files.
func (e *Engine) listFiles(folderID string) ([]*types.File, error) {
	var out []*types.File
	page := catalog.Page{Limit: 256}
	for {
		result, err := e.cat.IterFiles(folderID, page)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Items...)
		if result.Next == "" {
			return out, nil
		}
		page.Start = result.Next
	}
}

// finalizeUploads marks every file whose posted primary segment count
// has reached its recorded segment_count as uploaded, per spec's "a
// file's uploaded transition is observed only after a monotone count of
// posted primary segments reaches segment_count."
func (e *Engine) finalizeUploads(folderID string) error {
	files, err := e.listFiles(folderID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.State != types.FileStateUploading {
			continue
		}
		segs, err := e.cat.IterSegments(f.FileID)
		if err != nil {
			return err
		}
		posted := 0
		for _, s := range segs {
			if s.RedundancyIndex == 0 && s.Posted() {
				posted++
			}
		}
		if posted >= f.SegmentCount {
			f.State = types.FileStateUploaded
			if err := e.cat.UpsertFile(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Download operations ---

// DownloadRequest parameterizes one Download call. SessionID is
// optional: a blank value starts a fresh session, while an id from a
// prior (possibly interrupted) Download resumes it.
type DownloadRequest struct {
	SessionID        string
	AccessCredential string
	DestinationPath  string
	UserID           string // identity mode only
	Password         string // password mode only
}

// Download resolves an access credential to its share, then fetches and
// reassembles every file into DestinationPath.
func (e *Engine) Download(ctx context.Context, req DownloadRequest) (*types.Session, error) {
	cred, err := credential.Decode(req.AccessCredential)
	if err != nil {
		return nil, err
	}
	share, err := e.cat.FindShare(cred.ShareIDString())
	if err != nil {
		return nil, err
	}
	if share.State != types.ShareStateActive {
		return nil, xerrors.New("engine.Download", xerrors.Unauthorized, nil)
	}
	if err := e.cat.TouchShareAccess(share.ShareID); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	dl := downloader.New(e.cat, e.registry, e.broker, e.cfg.DownloadConfig)
	session, err := dl.Start(ctx, downloader.Request{
		SessionID:        sessionID,
		AccessCredential: req.AccessCredential,
		HeadMessageID:    share.IndexMessageID,
		DestinationPath:  req.DestinationPath,
		UserID:           req.UserID,
		Password:         req.Password,
	})
	if err != nil {
		return session, err
	}
	log.Info().Str("session_id", sessionID).Str("share_id", share.ShareID).Msg("download completed")
	return session, nil
}

// --- Status operations ---

// SessionStatus returns a download session's current progress.
func (e *Engine) SessionStatus(ctx context.Context, sessionID string) (*types.Session, error) {
	return e.cat.GetSession(sessionID)
}

// SystemStatus returns the catalog's count-by-state view, recomputed on
// each call: folders, files, segments and sessions by state, plus the
// number of shares in any state.
func (e *Engine) SystemStatus(ctx context.Context) (*catalog.Stats, error) {
	return e.cat.CountByState()
}
