package catalog

import (
	"context"
	"time"

	"github.com/shardkeep/shardkeep/pkg/types"
)

// Page is a stable, key-ordered pagination cursor: callers pass the
// previous result's Next back in as Start to continue, never an offset,
// so pagination stays stable under concurrent mutation.
type Page struct {
	Start string
	Limit int
}

// PageResult is the key-ordered result of a paginated iteration.
type PageResult[T any] struct {
	Items []T
	Next  string // empty when exhausted
}

// Catalog defines the durable store for folders, files, segments,
// shares, sessions and users.
type Catalog interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(userID string) (*types.User, error)

	// Folders
	CreateFolder(folder *types.Folder) error
	GetFolder(folderID string) (*types.Folder, error)
	ListFolders(ownerUserID string) ([]*types.Folder, error)
	UpdateFolder(folder *types.Folder) error

	// Files
	UpsertFile(file *types.File) error
	GetFile(fileID string) (*types.File, error)
	IterFiles(folderID string, page Page) (PageResult[*types.File], error)

	// Segments
	UpsertSegment(segment *types.Segment) error
	BatchUpsertSegments(segments []*types.Segment) error
	MarkSegmentPosted(segmentID, messageID string) error
	IterSegments(fileID string) ([]*types.Segment, error)
	FindRedundantSegment(fileID string, segmentIndex int, excludeMessageID string) (*types.Segment, error)
	CountByState() (*Stats, error)

	// Sessions
	OpenSession(session *types.Session) error
	AdvanceSession(sessionID string, doneFiles int, doneSize int64, state types.SessionState) error
	GetSession(sessionID string) (*types.Session, error)
	ReapSessions(olderThan time.Duration) (int, error)

	// Shares
	CreateShare(share *types.Share) error
	FindShare(shareID string) (*types.Share, error)
	FindShareByMessageID(indexMessageID string) (*types.Share, error)
	TouchShareAccess(shareID string) error

	// StartMaintenance runs the background session-reaping and
	// statistics-refresh loop until ctx is cancelled or Close is called.
	// The loop does not compact the database file.
	StartMaintenance(ctx context.Context, cfg MaintenanceConfig)

	Close() error
}

// Stats is the count-by-state view CountByState recomputes on each call.
type Stats struct {
	FoldersByState  map[types.FolderState]int
	FilesByState    map[types.FileState]int
	SegmentsByState map[types.SegmentState]int
	SessionsByState map[types.SessionState]int
	Shares          int
}
