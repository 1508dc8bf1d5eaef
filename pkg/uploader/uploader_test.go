package uploader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCapacityDerivesFromMemoryCeiling(t *testing.T) {
	cfg := Config{SegmentSize: 1024, MemoryCeiling: 10240}
	assert.Equal(t, 10, cfg.queueCapacity())

	zero := Config{SegmentSize: 0, MaxParallel: 4}
	assert.Equal(t, 4, zero.queueCapacity())
}

// fakeCatalog is an in-memory stand-in satisfying catalog.Catalog for tests
// that don't need bbolt's durability guarantees.
type fakeCatalog struct {
	mu       sync.Mutex
	files    map[string]*types.File
	segments map[string]*types.Segment
}

func newFakeCatalog(files ...*types.File) *fakeCatalog {
	c := &fakeCatalog{files: map[string]*types.File{}, segments: map[string]*types.Segment{}}
	for _, f := range files {
		c.files[f.FileID] = f
	}
	return c
}

func (c *fakeCatalog) CreateUser(*types.User) error         { return nil }
func (c *fakeCatalog) GetUser(string) (*types.User, error)  { return nil, xerrors.New("", xerrors.NotFound, nil) }
func (c *fakeCatalog) CreateFolder(*types.Folder) error     { return nil }
func (c *fakeCatalog) GetFolder(string) (*types.Folder, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) ListFolders(string) ([]*types.Folder, error) { return nil, nil }
func (c *fakeCatalog) UpdateFolder(*types.Folder) error            { return nil }

func (c *fakeCatalog) UpsertFile(f *types.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[f.FileID] = f
	return nil
}
func (c *fakeCatalog) GetFile(fileID string) (*types.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileID]
	if !ok {
		return nil, xerrors.New("fakeCatalog.GetFile", xerrors.NotFound, nil)
	}
	return f, nil
}
func (c *fakeCatalog) IterFiles(folderID string, page catalog.Page) (catalog.PageResult[*types.File], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var items []*types.File
	for _, f := range c.files {
		if f.FolderID == folderID {
			items = append(items, f)
		}
	}
	return catalog.PageResult[*types.File]{Items: items}, nil
}

func (c *fakeCatalog) UpsertSegment(s *types.Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *s
	c.segments[s.SegmentID] = &cp
	return nil
}
func (c *fakeCatalog) BatchUpsertSegments(segs []*types.Segment) error {
	for _, s := range segs {
		if err := c.UpsertSegment(s); err != nil {
			return err
		}
	}
	return nil
}
func (c *fakeCatalog) MarkSegmentPosted(segmentID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.segments[segmentID]
	if !ok {
		return xerrors.New("fakeCatalog.MarkSegmentPosted", xerrors.NotFound, nil)
	}
	s.MessageID = messageID
	s.State = types.SegmentStatePosted
	return nil
}
func (c *fakeCatalog) IterSegments(fileID string) ([]*types.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Segment
	for _, s := range c.segments {
		if s.FileID == fileID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (c *fakeCatalog) FindRedundantSegment(fileID string, segmentIndex int, excludeMessageID string) (*types.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.segments {
		if s.FileID == fileID && s.SegmentIndex == segmentIndex && s.MessageID != excludeMessageID && s.Posted() {
			return s, nil
		}
	}
	return nil, xerrors.New("fakeCatalog.FindRedundantSegment", xerrors.NotFound, nil)
}
func (c *fakeCatalog) CountByState() (*catalog.Stats, error) { return &catalog.Stats{}, nil }

func (c *fakeCatalog) OpenSession(*types.Session) error { return nil }
func (c *fakeCatalog) AdvanceSession(string, int, int64, types.SessionState) error { return nil }
func (c *fakeCatalog) GetSession(string) (*types.Session, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) ReapSessions(time.Duration) (int, error) { return 0, nil }

func (c *fakeCatalog) CreateShare(*types.Share) error { return nil }
func (c *fakeCatalog) FindShare(string) (*types.Share, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) FindShareByMessageID(string) (*types.Share, error) {
	return nil, xerrors.New("", xerrors.NotFound, nil)
}
func (c *fakeCatalog) TouchShareAccess(string) error { return nil }

func (c *fakeCatalog) StartMaintenance(context.Context, catalog.MaintenanceConfig) {}
func (c *fakeCatalog) Close() error                                               { return nil }

// fakePoster records every post and always succeeds with a deterministic id.
type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (p *fakePoster) Post(_ context.Context, subject, _ string, _ []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, subject)
	return "<" + subject + "@fake>", nil
}

// flakyPoster fails the first failUntil posts with a retryable transport
// error, then succeeds, letting tests exercise postWithRetry's backoff and
// requeue path without a live server.
type flakyPoster struct {
	mu        sync.Mutex
	attempts  int
	failUntil int
}

func (p *flakyPoster) Post(_ context.Context, subject, _ string, _ []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failUntil {
		return "", xerrors.New("flakyPoster.Post", xerrors.TransportRetryable, nil)
	}
	return "<" + subject + "@fake>", nil
}

// alwaysFailPoster always returns a retryable transport error, to drive the
// retry ceiling to exhaustion.
type alwaysFailPoster struct {
	mu       sync.Mutex
	attempts int
}

func (p *alwaysFailPoster) Post(context.Context, string, string, []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return "", xerrors.New("alwaysFailPoster.Post", xerrors.TransportRetryable, nil)
}

func TestUploaderRetriesRetryableFailureThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello shardkeep, this segment gets retried")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), content, 0o644))

	folder := &types.Folder{FolderUniqueID: "folder-1", LocalPath: dir}
	file := &types.File{FileID: "file-1", FolderID: "folder-1", RelativePath: "a.txt", SegmentCount: 1, State: types.FileStateUploading}

	cat := newFakeCatalog(file)
	poster := &flakyPoster{failUntil: 2}
	broker := events.NewBroker(8)
	defer broker.Close()

	cfg := DefaultConfig()
	cfg.SegmentSize = len(content) + 10
	cfg.MaxParallel = 1
	cfg.RetryLimit = 5
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	u := New(cat, poster, broker, cfg)

	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	err = u.Run(context.Background(), folder, sessionKey)
	require.NoError(t, err)

	assert.Equal(t, 3, poster.attempts, "should succeed on the third attempt")
	segs, err := cat.IterSegments("file-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Posted())
	assert.Equal(t, 2, segs[0].RetryCount, "retry_count must track the two failed attempts")

	got, err := cat.GetFile("file-1")
	require.NoError(t, err)
	assert.NotEqual(t, types.FileStateFailed, got.State)
}

func TestUploaderMarksSegmentAndFileFailedAfterRetryCeiling(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello shardkeep, this segment never posts")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), content, 0o644))

	folder := &types.Folder{FolderUniqueID: "folder-1", LocalPath: dir}
	file := &types.File{FileID: "file-1", FolderID: "folder-1", RelativePath: "a.txt", SegmentCount: 1, State: types.FileStateUploading}

	cat := newFakeCatalog(file)
	poster := &alwaysFailPoster{}
	broker := events.NewBroker(8)
	defer broker.Close()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	cfg := DefaultConfig()
	cfg.SegmentSize = len(content) + 10
	cfg.MaxParallel = 1
	cfg.RetryLimit = 3
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	u := New(cat, poster, broker, cfg)

	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	err = u.Run(context.Background(), folder, sessionKey)
	require.NoError(t, err, "a retryable-but-exhausted segment must not abort the whole run")

	assert.Equal(t, 3, poster.attempts, "must stop retrying at RetryLimit")

	segs, err := cat.IterSegments("file-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, types.SegmentStateFailed, segs[0].State)
	assert.Equal(t, 3, segs[0].RetryCount)

	got, err := cat.GetFile("file-1")
	require.NoError(t, err)
	assert.Equal(t, types.FileStateFailed, got.State)

	var sawFileFailed bool
	deadline := time.After(time.Second)
	for !sawFileFailed {
		select {
		case ev := <-sub:
			if ev.Type == events.EventFileFailed {
				sawFileFailed = true
			}
		case <-deadline:
			t.Fatal("a file.failed event must be published once the retry ceiling is reached")
		}
	}
}

func TestUploaderRunPostsEveryPrimarySegment(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello shardkeep, this is segment content")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), content, 0o644))

	folder := &types.Folder{FolderUniqueID: "folder-1", LocalPath: dir}
	file := &types.File{FileID: "file-1", FolderID: "folder-1", RelativePath: "a.txt", SegmentCount: 1, State: types.FileStateUploading}

	cat := newFakeCatalog(file)
	poster := &fakePoster{}
	broker := events.NewBroker(8)
	defer broker.Close()

	cfg := DefaultConfig()
	cfg.SegmentSize = len(content) + 10
	cfg.MaxParallel = 2
	u := New(cat, poster, broker, cfg)

	sessionKey, err := crypto.NewSessionKey()
	require.NoError(t, err)

	err = u.Run(context.Background(), folder, sessionKey)
	require.NoError(t, err)

	assert.Len(t, poster.posts, 1)
	segs, err := cat.IterSegments("file-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Posted())
	assert.Equal(t, types.SegmentStatePosted, segs[0].State)
}
