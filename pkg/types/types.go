package types

import "time"

// User is a registered identity that owns folders and may be authorized
// against identity-gated shares.
type User struct {
	UserID            string    `json:"user_id"`
	DisplayName       string    `json:"display_name"`
	Email             string    `json:"email,omitempty"`
	PublicKey         []byte    `json:"public_key"`
	PrivateKeyWrapped []byte    `json:"private_key_wrapped"`
	CreatedAt         time.Time `json:"created_at"`
}

// ShareMode determines who may resolve a published share.
type ShareMode string

const (
	ShareModeOpen     ShareMode = "open"
	ShareModeIdentity ShareMode = "identity"
	ShareModePassword ShareMode = "password"
)

// FolderState is the lifecycle state of an indexed folder.
type FolderState string

const (
	FolderStateActive   FolderState = "active"
	FolderStateArchived FolderState = "archived"
	FolderStateDeleted  FolderState = "deleted"
)

// Folder is a locally indexed directory tree that can be published as a
// share. Its signing keypair is generated the first time it is indexed;
// the private half is wrapped under the owner's derived key before it is
// ever written to the Catalog.
type Folder struct {
	FolderUniqueID           string      `json:"folder_unique_id"`
	LocalPath                string      `json:"local_path"`
	DisplayName              string      `json:"display_name"`
	ShareMode                ShareMode   `json:"share_mode"`
	OwnerUserID              string      `json:"owner_user_id,omitempty"`
	Version                  int         `json:"version"`
	TotalFiles               int         `json:"total_files"`
	TotalSize                int64       `json:"total_size"`
	State                    FolderState `json:"state"`
	SigningPublicKey         []byte      `json:"signing_public_key"`
	SigningPrivateKeyWrapped []byte      `json:"signing_private_key_wrapped"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
}

// FileState is the lifecycle state of one file within a folder.
type FileState string

const (
	FileStateIndexed    FileState = "indexed"
	FileStateModified   FileState = "modified"
	FileStateSegmenting FileState = "segmenting"
	FileStateUploading  FileState = "uploading"
	FileStateUploaded   FileState = "uploaded"
	FileStateDeleted    FileState = "deleted"
	FileStateFailed     FileState = "failed"
)

// File identity is (FolderID, RelativePath). The pair (ContentHash, Size)
// defines content equivalence across re-indexing.
type File struct {
	FileID       string    `json:"file_id"`
	FolderID     string    `json:"folder_id"`
	RelativePath string    `json:"relative_path"`
	ContentHash  string    `json:"content_hash"`
	Size         int64     `json:"size"`
	ModifiedAt   time.Time `json:"modified_at"`
	Version      int       `json:"version"`
	SegmentCount int       `json:"segment_count"`
	State        FileState `json:"state"`
}

// SegmentState is the lifecycle state of one posted article.
type SegmentState string

const (
	SegmentStatePending SegmentState = "pending"
	SegmentStatePosting SegmentState = "posting"
	SegmentStatePosted  SegmentState = "posted"
	SegmentStateFailed  SegmentState = "failed"
)

// Segment is a fixed-size plaintext window of a file and the unit of
// hashing, encryption and posting. Segments sharing (FileID,
// SegmentIndex) but differing by RedundancyIndex are redundancy copies
// of the same plaintext; RedundancyIndex 0 is the primary copy.
type Segment struct {
	SegmentID       string       `json:"segment_id"`
	FileID          string       `json:"file_id"`
	SegmentIndex    int          `json:"segment_index"`
	PlaintextHash   string       `json:"plaintext_hash"`
	CiphertextHash  string       `json:"ciphertext_hash"`
	PlaintextSize   int          `json:"plaintext_size"`
	Compression     byte         `json:"compression"`
	Size            int64        `json:"size"`
	Newsgroup       string       `json:"newsgroup"`
	SubjectHash     string       `json:"subject_hash"`
	RedundancyIndex int          `json:"redundancy_index"`
	State           SegmentState `json:"state"`
	RetryCount      int          `json:"retry_count"`
	MessageID       string       `json:"message_id,omitempty"`
	PostedAt        *time.Time   `json:"posted_at,omitempty"`
}

// Posted reports whether the segment carries a non-empty message_id, the
// sole condition under which State may legally be SegmentStatePosted (I2).
func (s *Segment) Posted() bool {
	return s.MessageID != ""
}

// ShareState is the lifecycle state of a published share.
type ShareState string

const (
	ShareStateActive  ShareState = "active"
	ShareStateExpired ShareState = "expired"
	ShareStateRevoked ShareState = "revoked"
)

// Share is created when a publish succeeds; ShareID is globally unique
// across the catalog (I5).
type Share struct {
	ShareID        string     `json:"share_id"`
	FolderID       string     `json:"folder_id"`
	ShareMode      ShareMode  `json:"share_mode"`
	IndexMessageID string     `json:"index_message_id"`
	PublishedAt    time.Time  `json:"published_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PasswordHint   string     `json:"password_hint,omitempty"`
	State          ShareState `json:"state"`
	AccessCount    int        `json:"access_count"`
}

// SessionState is the lifecycle state of a download session.
type SessionState string

const (
	SessionStatePending   SessionState = "pending"
	SessionStateFetching  SessionState = "fetching"
	SessionStatePaused    SessionState = "paused"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
	SessionStateCancelled SessionState = "cancelled"
)

// Session is mutated only by the Downloader for its own session_id; it
// is the durable record a Downloader.Start resumes from.
type Session struct {
	SessionID        string       `json:"session_id"`
	AccessCredential string       `json:"access_credential"`
	DestinationPath  string       `json:"destination_path"`
	TotalFiles       int          `json:"total_files"`
	TotalSize        int64        `json:"total_size"`
	DoneFiles        int          `json:"done_files"`
	DoneSize         int64        `json:"done_size"`
	State            SessionState `json:"state"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Server describes one configured upstream transport endpoint.
type Server struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	TLS            bool   `json:"tls"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	MaxConnections int    `json:"max_connections"`
	Priority       int    `json:"priority"`
	DefaultGroup   string `json:"default_group"`
	Enabled        bool   `json:"enabled"`
}
