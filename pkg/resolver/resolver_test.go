package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/publisher"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopCatalog satisfies catalog.Catalog with no-ops: resolver_test's
// fixtures never publish a file, so Build never touches segments/files.
type noopCatalog struct{}

func (noopCatalog) CreateUser(*types.User) error        { return nil }
func (noopCatalog) GetUser(string) (*types.User, error) { return nil, xerrors.New("", xerrors.NotFound, nil) }
func (noopCatalog) CreateFolder(*types.Folder) error    { return nil }
func (noopCatalog) GetFolder(string) (*types.Folder, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (noopCatalog) ListFolders(string) ([]*types.Folder, error) { return nil, nil }
func (noopCatalog) UpdateFolder(*types.Folder) error            { return nil }
func (noopCatalog) UpsertFile(*types.File) error                { return nil }
func (noopCatalog) GetFile(string) (*types.File, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (noopCatalog) IterFiles(string, catalog.Page) (catalog.PageResult[*types.File], error) {
	return catalog.PageResult[*types.File]{}, nil
}
func (noopCatalog) UpsertSegment(*types.Segment) error      { return nil }
func (noopCatalog) BatchUpsertSegments([]*types.Segment) error { return nil }
func (noopCatalog) MarkSegmentPosted(string, string) error  { return nil }
func (noopCatalog) IterSegments(string) ([]*types.Segment, error) { return nil, nil }
func (noopCatalog) FindRedundantSegment(string, int, string) (*types.Segment, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (noopCatalog) CountByState() (*catalog.Stats, error) { return &catalog.Stats{}, nil }
func (noopCatalog) OpenSession(*types.Session) error       { return nil }
func (noopCatalog) AdvanceSession(string, int, int64, types.SessionState) error { return nil }
func (noopCatalog) GetSession(string) (*types.Session, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (noopCatalog) ReapSessions(time.Duration) (int, error)              { return 0, nil }
func (noopCatalog) CreateShare(*types.Share) error                       { return nil }
func (noopCatalog) FindShare(string) (*types.Share, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (noopCatalog) FindShareByMessageID(string) (*types.Share, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (noopCatalog) TouchShareAccess(string) error                           { return nil }
func (noopCatalog) StartMaintenance(context.Context, catalog.MaintenanceConfig) {}
func (noopCatalog) Close() error                                            { return nil }

// fakeTransport is an in-memory Poster+Fetcher: publisher.Build posts into
// it and the resolver tests read straight back out, with no network or
// catalog involved.
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

func buildOpenShare(t *testing.T) (*fakeTransport, string, string) {
	t.Helper()
	pub, priv, err := crypto.GenerateFolderKeypair()
	require.NoError(t, err)
	folder := &types.Folder{FolderUniqueID: "folder-1", DisplayName: "Docs", SigningPublicKey: pub}
	transport := newFakeTransport()
	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	share, cred, err := publisher.Build(context.Background(), noopCatalog{}, transport, nil, publisher.Request{
		Folder:     folder,
		Files:      nil,
		FolderPriv: priv,
		SessionKey: sessionKey,
		ShareMode:  types.ShareModeOpen,
		Newsgroup:  "alt.binaries.test",
	})
	require.NoError(t, err)
	return transport, cred, share.IndexMessageID
}

func TestResolveOpenShareRoundTrip(t *testing.T) {
	transport, cred, headMessageID := buildOpenShare(t)

	result, err := Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    headMessageID,
	})
	require.NoError(t, err)
	assert.Equal(t, "folder-1", result.FolderID)
	assert.Equal(t, "Docs", result.FolderName)
	assert.Equal(t, types.ShareModeOpen, result.ShareMode)
	assert.NotEmpty(t, result.SessionKey)
	assert.Equal(t, "Docs", result.Manifest.FolderName)
}

func TestResolveRejectsWrongHeadMessageID(t *testing.T) {
	transport, cred, _ := buildOpenShare(t)

	_, err := Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    "<not-the-real-one@fake>",
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.Unauthorized, xerrors.KindOf(err))
}

func TestResolveRejectsTamperedIndex(t *testing.T) {
	transport, cred, headMessageID := buildOpenShare(t)

	// The head article is a yEnc-style frame of shifted bytes, so the
	// folder name is changed in the decoded index and the frame re-encoded,
	// keeping the original signature.
	transport.mu.Lock()
	body := transport.articles[headMessageID]
	headJSON, err := segmenter.Decode(string(body))
	require.NoError(t, err)
	var head publisher.IndexHead
	require.NoError(t, json.Unmarshal(headJSON, &head))
	head.FolderName = strings.Replace(head.FolderName, "Docs", "Evil", 1)
	tampered, err := json.Marshal(&head)
	require.NoError(t, err)
	transport.articles[headMessageID] = []byte(segmenter.Encode(tampered, "tampered", segmenter.DefaultLineWidth))
	transport.mu.Unlock()

	_, err = Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    headMessageID,
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.Unauthorized, xerrors.KindOf(err))
}

func TestResolveIdentityShareRequiresAuthorizedUser(t *testing.T) {
	pub, priv, err := crypto.GenerateFolderKeypair()
	require.NoError(t, err)
	folder := &types.Folder{FolderUniqueID: "folder-2", DisplayName: "Team", SigningPublicKey: pub}
	transport := newFakeTransport()
	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	share, cred, err := publisher.Build(context.Background(), noopCatalog{}, transport, nil, publisher.Request{
		Folder:        folder,
		FolderPriv:    priv,
		SessionKey:    sessionKey,
		ShareMode:     types.ShareModeIdentity,
		Newsgroup:     "alt.binaries.test",
		AuthorizedIDs: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	result, err := Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		UserID:           "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionKey)

	_, err = Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		UserID:           "mallory",
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.Unauthorized, xerrors.KindOf(err))
}

func TestResolvePasswordShareRequiresCorrectPassword(t *testing.T) {
	pub, priv, err := crypto.GenerateFolderKeypair()
	require.NoError(t, err)
	folder := &types.Folder{FolderUniqueID: "folder-3", DisplayName: "Private", SigningPublicKey: pub}
	transport := newFakeTransport()
	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	share, cred, err := publisher.Build(context.Background(), noopCatalog{}, transport, nil, publisher.Request{
		Folder:     folder,
		FolderPriv: priv,
		SessionKey: sessionKey,
		ShareMode:  types.ShareModePassword,
		Newsgroup:  "alt.binaries.test",
		Password:   "correct horse battery staple",
	})
	require.NoError(t, err)

	_, err = Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		Password:         "wrong password",
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.Unauthorized, xerrors.KindOf(err))

	result, err := Resolve(context.Background(), transport, Request{
		AccessCredential: cred,
		HeadMessageID:    share.IndexMessageID,
		Password:         "correct horse battery staple",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionKey)
}

