package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/publisher"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Poster+Fetcher used to carry articles
// between publisher.Build and the Downloader without a live network.
type fakeTransport struct {
	mu       sync.Mutex
	articles map[string][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{articles: map[string][]byte{}}
}

func (t *fakeTransport) Post(_ context.Context, subject, _ string, body []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := "<" + subject + "@fake>"
	t.articles[id] = body
	return id, nil
}

func (t *fakeTransport) Retrieve(_ context.Context, messageID, _ string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	body, ok := t.articles[messageID]
	if !ok {
		return nil, xerrors.New("fakeTransport.Retrieve", xerrors.NotFound, nil)
	}
	return body, nil
}

// fakeCatalog is a minimal in-memory catalog.Catalog: enough to drive
// publisher.Build's manifest construction and the Downloader's session
// bookkeeping.
type fakeCatalog struct {
	mu       sync.Mutex
	folders  map[string]*types.Folder
	segments map[string][]*types.Segment
	sessions map[string]*types.Session
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		folders:  map[string]*types.Folder{},
		segments: map[string][]*types.Segment{},
		sessions: map[string]*types.Session{},
	}
}

func (c *fakeCatalog) CreateUser(*types.User) error        { return nil }
func (c *fakeCatalog) GetUser(string) (*types.User, error) { return nil, xerrors.New("", xerrors.NotFound, nil) }
func (c *fakeCatalog) CreateFolder(f *types.Folder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.folders[f.FolderUniqueID] = f
	return nil
}
func (c *fakeCatalog) GetFolder(id string) (*types.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.folders[id]
	if !ok {
		return nil, xerrors.New("", xerrors.NotFound, nil)
	}
	return f, nil
}
func (c *fakeCatalog) ListFolders(string) ([]*types.Folder, error) { return nil, nil }
func (c *fakeCatalog) UpdateFolder(f *types.Folder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.folders[f.FolderUniqueID] = f
	return nil
}
func (c *fakeCatalog) UpsertFile(*types.File) error        { return nil }
func (c *fakeCatalog) GetFile(string) (*types.File, error) { return nil, xerrors.New("", xerrors.NotFound, nil) }
func (c *fakeCatalog) IterFiles(string, catalog.Page) (catalog.PageResult[*types.File], error) {
	return catalog.PageResult[*types.File]{}, nil
}
func (c *fakeCatalog) UpsertSegment(s *types.Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments[s.FileID] = append(c.segments[s.FileID], s)
	return nil
}
func (c *fakeCatalog) BatchUpsertSegments([]*types.Segment) error { return nil }
func (c *fakeCatalog) MarkSegmentPosted(string, string) error     { return nil }
func (c *fakeCatalog) IterSegments(fileID string) ([]*types.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segments[fileID], nil
}
func (c *fakeCatalog) FindRedundantSegment(string, int, string) (*types.Segment, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) CountByState() (*catalog.Stats, error) { return &catalog.Stats{}, nil }
func (c *fakeCatalog) OpenSession(s *types.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.SessionID] = s
	return nil
}
func (c *fakeCatalog) AdvanceSession(sessionID string, doneFiles int, doneSize int64, state types.SessionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return xerrors.New("", xerrors.NotFound, nil)
	}
	s.DoneFiles, s.DoneSize, s.State = doneFiles, doneSize, state
	return nil
}
func (c *fakeCatalog) GetSession(sessionID string) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, xerrors.New("", xerrors.NotFound, nil)
	}
	return s, nil
}
func (c *fakeCatalog) ReapSessions(time.Duration) (int, error) { return 0, nil }
func (c *fakeCatalog) CreateShare(*types.Share) error          { return nil }
func (c *fakeCatalog) FindShare(string) (*types.Share, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) FindShareByMessageID(string) (*types.Share, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) TouchShareAccess(string) error                           { return nil }
func (c *fakeCatalog) StartMaintenance(context.Context, catalog.MaintenanceConfig) {}
func (c *fakeCatalog) Close() error                                            { return nil }

// publishOneFile builds a complete, already-"uploaded" folder with one
// file and one primary segment, posts the segment's ciphertext, and
// publishes an open share over it — everything a Downloader needs to
// fetch and reassemble the file from scratch.
func publishOneFile(t *testing.T, transport *fakeTransport, plaintext []byte) (*types.Share, string) {
	t.Helper()
	pub, priv, err := crypto.GenerateFolderKeypair()
	require.NoError(t, err)
	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	folder := &types.Folder{FolderUniqueID: "folder-1", DisplayName: "Docs", SigningPublicKey: pub}
	cat := newFakeCatalog()
	cat.CreateFolder(folder)

	plaintextHash := sha256.Sum256(plaintext)
	sealed, err := crypto.EncryptSegment(plaintext, sessionKey, plaintextHash[:], 0)
	require.NoError(t, err)
	frame := segmenter.Encode(sealed.Ciphertext, "file-1.0.0", segmenter.DefaultLineWidth)
	messageID, err := transport.Post(context.Background(), "file-1.0.0", "alt.binaries.test", []byte(frame))
	require.NoError(t, err)

	cat.UpsertSegment(&types.Segment{
		FileID:          "file-1",
		SegmentIndex:    0,
		RedundancyIndex: 0,
		PlaintextHash:   hex.EncodeToString(plaintextHash[:]),
		PlaintextSize:   len(plaintext),
		Compression:     byte(segmenter.CompressionNone),
		MessageID:       messageID,
		State:           types.SegmentStatePosted,
	})

	contentHash := sha256.Sum256(plaintext)
	file := &types.File{
		FileID:       "file-1",
		FolderID:     folder.FolderUniqueID,
		RelativePath: "greeting.txt",
		ContentHash:  hex.EncodeToString(contentHash[:]),
		Size:         int64(len(plaintext)),
		SegmentCount: 1,
		State:        types.FileStateUploaded,
	}

	share, cred, err := publisher.Build(context.Background(), cat, transport, nil, publisher.Request{
		Folder:     folder,
		Files:      []*types.File{file},
		FolderPriv: priv,
		SessionKey: sessionKey,
		ShareMode:  types.ShareModeOpen,
		Newsgroup:  "alt.binaries.test",
	})
	require.NoError(t, err)
	return share, cred
}

func TestDownloaderStartFetchesAndVerifiesFile(t *testing.T) {
	transport := newFakeTransport()
	plaintext := []byte("hello from the other side of the wire")
	share, cred := publishOneFile(t, transport, plaintext)

	dlCat := newFakeCatalog()
	broker := events.NewBroker(8)
	defer broker.Close()

	d := New(dlCat, transport, broker, DefaultConfig())
	dest := t.TempDir()

	session, err := d.Start(context.Background(), Request{
		SessionID:        "sess-1",
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		DestinationPath:  dest,
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateCompleted, session.State)
	assert.Equal(t, 1, session.DoneFiles)

	data, err := os.ReadFile(filepath.Join(dest, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)
}

func TestDownloaderStartResumesCompletedFile(t *testing.T) {
	transport := newFakeTransport()
	plaintext := []byte("idempotent resume check")
	share, cred := publishOneFile(t, transport, plaintext)

	dlCat := newFakeCatalog()
	broker := events.NewBroker(8)
	defer broker.Close()

	d := New(dlCat, transport, broker, DefaultConfig())
	dest := t.TempDir()

	_, err := d.Start(context.Background(), Request{
		SessionID:        "sess-2",
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		DestinationPath:  dest,
	})
	require.NoError(t, err)

	// Remove the segment article from the transport, keeping the index
	// head and chunk articles Resolve still reads: a second Start against
	// the same destination must not need to fetch the segment again.
	transport.mu.Lock()
	for id := range transport.articles {
		if !strings.Contains(id, ".index.") {
			delete(transport.articles, id)
		}
	}
	transport.mu.Unlock()

	session, err := d.Start(context.Background(), Request{
		SessionID:        "sess-3",
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		DestinationPath:  dest,
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateCompleted, session.State)
}

func TestDownloaderFallsBackToRedundantCopy(t *testing.T) {
	transport := newFakeTransport()
	pub, priv, err := crypto.GenerateFolderKeypair()
	require.NoError(t, err)
	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	folder := &types.Folder{FolderUniqueID: "folder-2", DisplayName: "Resilient", SigningPublicKey: pub}
	cat := newFakeCatalog()
	cat.CreateFolder(folder)

	plaintext := []byte("redundant copy data")
	plaintextHash := sha256.Sum256(plaintext)

	sealedPrimary, err := crypto.EncryptSegment(plaintext, sessionKey, plaintextHash[:], 0)
	require.NoError(t, err)
	badFrame := segmenter.Encode([]byte("not the real ciphertext"), "file-2.0.0", segmenter.DefaultLineWidth)
	primaryMessageID, err := transport.Post(context.Background(), "file-2.0.0", "alt.binaries.test", []byte(badFrame))
	require.NoError(t, err)
	_ = sealedPrimary

	sealedCopy, err := crypto.EncryptSegment(plaintext, sessionKey, plaintextHash[:], 1)
	require.NoError(t, err)
	copyFrame := segmenter.Encode(sealedCopy.Ciphertext, "file-2.0.1", segmenter.DefaultLineWidth)
	copyMessageID, err := transport.Post(context.Background(), "file-2.0.1", "alt.binaries.test", []byte(copyFrame))
	require.NoError(t, err)

	cat.UpsertSegment(&types.Segment{
		FileID: "file-2", SegmentIndex: 0, RedundancyIndex: 0,
		PlaintextHash: hex.EncodeToString(plaintextHash[:]), PlaintextSize: len(plaintext),
		MessageID: primaryMessageID, State: types.SegmentStatePosted,
	})
	cat.UpsertSegment(&types.Segment{
		FileID: "file-2", SegmentIndex: 0, RedundancyIndex: 1,
		PlaintextHash: hex.EncodeToString(plaintextHash[:]), PlaintextSize: len(plaintext),
		MessageID: copyMessageID, State: types.SegmentStatePosted,
	})

	contentHash := sha256.Sum256(plaintext)
	file := &types.File{
		FileID: "file-2", FolderID: folder.FolderUniqueID, RelativePath: "resilient.txt",
		ContentHash: hex.EncodeToString(contentHash[:]), Size: int64(len(plaintext)),
		SegmentCount: 1, State: types.FileStateUploaded,
	}

	share, cred, err := publisher.Build(context.Background(), cat, transport, nil, publisher.Request{
		Folder: folder, Files: []*types.File{file}, FolderPriv: priv, SessionKey: sessionKey,
		ShareMode: types.ShareModeOpen, Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)

	dlCat := newFakeCatalog()
	broker := events.NewBroker(8)
	defer broker.Close()
	d := New(dlCat, transport, broker, DefaultConfig())
	dest := t.TempDir()

	session, err := d.Start(context.Background(), Request{
		SessionID: "sess-redundant", AccessCredential: cred, HeadMessageID: share.IndexMessageID, DestinationPath: dest,
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateCompleted, session.State)

	data, err := os.ReadFile(filepath.Join(dest, "resilient.txt"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)
}

func TestDownloaderRejectsContentHashMismatch(t *testing.T) {
	transport := newFakeTransport()
	pub, priv, err := crypto.GenerateFolderKeypair()
	require.NoError(t, err)
	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	folder := &types.Folder{FolderUniqueID: "folder-mismatch", DisplayName: "Mismatch", SigningPublicKey: pub}
	cat := newFakeCatalog()
	cat.CreateFolder(folder)

	plaintext := []byte("content that decrypts fine but the manifest lies about its hash")
	plaintextHash := sha256.Sum256(plaintext)
	sealed, err := crypto.EncryptSegment(plaintext, sessionKey, plaintextHash[:], 0)
	require.NoError(t, err)
	frame := segmenter.Encode(sealed.Ciphertext, "file-mismatch.0.0", segmenter.DefaultLineWidth)
	messageID, err := transport.Post(context.Background(), "file-mismatch.0.0", "alt.binaries.test", []byte(frame))
	require.NoError(t, err)

	cat.UpsertSegment(&types.Segment{
		FileID: "file-mismatch", SegmentIndex: 0, RedundancyIndex: 0,
		PlaintextHash: hex.EncodeToString(plaintextHash[:]), PlaintextSize: len(plaintext),
		MessageID: messageID, State: types.SegmentStatePosted,
	})

	// ContentHash deliberately does not match the plaintext that will
	// actually be decrypted, simulating a corrupted or falsified manifest.
	file := &types.File{
		FileID: "file-mismatch", FolderID: folder.FolderUniqueID, RelativePath: "mismatch.txt",
		ContentHash: "0000000000000000000000000000000000000000000000000000000000000000",
		Size:        int64(len(plaintext)), SegmentCount: 1, State: types.FileStateUploaded,
	}

	share, cred, err := publisher.Build(context.Background(), cat, transport, nil, publisher.Request{
		Folder: folder, Files: []*types.File{file}, FolderPriv: priv, SessionKey: sessionKey,
		ShareMode: types.ShareModeOpen, Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)

	dlCat := newFakeCatalog()
	broker := events.NewBroker(8)
	defer broker.Close()
	d := New(dlCat, transport, broker, DefaultConfig())

	_, err = d.Start(context.Background(), Request{
		SessionID: "sess-bad", AccessCredential: cred, HeadMessageID: share.IndexMessageID, DestinationPath: t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.IntegrityFailure, xerrors.KindOf(err))
}
