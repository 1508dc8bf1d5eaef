package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardkeep/shardkeep/pkg/metrics"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers           = []byte("users")
	bucketFolders         = []byte("folders")
	bucketFiles           = []byte("files")
	bucketFilesByFolder   = []byte("files_by_folder")
	bucketSegments        = []byte("segments")
	bucketSegmentsByID    = []byte("segments_by_id")
	bucketSessions        = []byte("sessions")
	bucketShares          = []byte("shares")
	bucketSharesByMessage = []byte("shares_by_message_id")
)

// BoltStore implements Catalog using a single embedded bbolt database,
// one bucket per entity family, JSON-encoded values.
type BoltStore struct {
	db     *bolt.DB
	stopCh chan struct{}
}

// NewBoltStore opens (creating if necessary) the catalog database under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shardkeep.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, xerrors.New("catalog.NewBoltStore", xerrors.Internal, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers, bucketFolders, bucketFiles, bucketFilesByFolder,
			bucketSegments, bucketSegmentsByID, bucketSessions,
			bucketShares, bucketSharesByMessage,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.New("catalog.NewBoltStore", xerrors.Internal, err)
	}

	return &BoltStore{db: db, stopCh: make(chan struct{})}, nil
}

// Close closes the database and stops any running maintenance loop.
func (s *BoltStore) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, value interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, out interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return xerrors.New("catalog.get", xerrors.NotFound, fmt.Errorf("%s/%s", bucket, key))
		}
		return json.Unmarshal(data, out)
	})
}

// --- Users ---

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.put(bucketUsers, user.UserID, user)
}

func (s *BoltStore) GetUser(userID string) (*types.User, error) {
	var user types.User
	if err := s.get(bucketUsers, userID, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// --- Folders ---

func (s *BoltStore) CreateFolder(folder *types.Folder) error {
	return s.put(bucketFolders, folder.FolderUniqueID, folder)
}

func (s *BoltStore) UpdateFolder(folder *types.Folder) error {
	return s.put(bucketFolders, folder.FolderUniqueID, folder)
}

func (s *BoltStore) GetFolder(folderID string) (*types.Folder, error) {
	var folder types.Folder
	if err := s.get(bucketFolders, folderID, &folder); err != nil {
		return nil, err
	}
	return &folder, nil
}

func (s *BoltStore) ListFolders(ownerUserID string) ([]*types.Folder, error) {
	var folders []*types.Folder
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		return b.ForEach(func(_, v []byte) error {
			var f types.Folder
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if ownerUserID == "" || f.OwnerUserID == ownerUserID {
				folders = append(folders, &f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.New("catalog.ListFolders", xerrors.Internal, err)
	}
	return folders, nil
}

// --- Files ---

func filesByFolderKey(folderID, relativePath string) []byte {
	return []byte(folderID + "/" + relativePath)
}

func (s *BoltStore) UpsertFile(file *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFiles).Put([]byte(file.FileID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketFilesByFolder).Put(filesByFolderKey(file.FolderID, file.RelativePath), []byte(file.FileID))
	})
}

func (s *BoltStore) GetFile(fileID string) (*types.File, error) {
	var file types.File
	if err := s.get(bucketFiles, fileID, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// IterFiles returns files of folderID in relative_path order, starting
// after page.Start (exclusive), stable under concurrent mutation because
// the cursor walks a real key ordering rather than an offset.
func (s *BoltStore) IterFiles(folderID string, page Page) (PageResult[*types.File], error) {
	var result PageResult[*types.File]
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketFilesByFolder)
		files := tx.Bucket(bucketFiles)
		c := idx.Cursor()

		prefix := []byte(folderID + "/")
		var k, v []byte
		if page.Start != "" {
			k, v = c.Seek(filesByFolderKey(folderID, page.Start))
			if k != nil && bytes.Equal(k, filesByFolderKey(folderID, page.Start)) {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(prefix)
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := files.Get(v)
			if data == nil {
				continue
			}
			var f types.File
			if err := json.Unmarshal(data, &f); err != nil {
				return err
			}
			result.Items = append(result.Items, &f)
			if len(result.Items) >= limit {
				result.Next = f.RelativePath
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return result, xerrors.New("catalog.IterFiles", xerrors.Internal, err)
	}
	return result, nil
}

// --- Segments ---

// segmentKey is dense-ordered: file_id, then big-endian segment_index,
// then big-endian redundancy_index, so a prefix scan on file_id yields
// segments in (segment_index, redundancy_index) order for free.
func segmentKey(fileID string, segmentIndex, redundancyIndex int) []byte {
	buf := make([]byte, 0, len(fileID)+1+8)
	buf = append(buf, []byte(fileID)...)
	buf = append(buf, '/')
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], uint32(segmentIndex))
	buf = append(buf, idxBuf[:]...)
	binary.BigEndian.PutUint32(idxBuf[:], uint32(redundancyIndex))
	buf = append(buf, idxBuf[:]...)
	return buf
}

func (s *BoltStore) UpsertSegment(segment *types.Segment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putSegmentTx(tx, segment)
	})
}

func putSegmentTx(tx *bolt.Tx, segment *types.Segment) error {
	data, err := json.Marshal(segment)
	if err != nil {
		return err
	}
	key := segmentKey(segment.FileID, segment.SegmentIndex, segment.RedundancyIndex)
	if err := tx.Bucket(bucketSegments).Put(key, data); err != nil {
		return err
	}
	return tx.Bucket(bucketSegmentsByID).Put([]byte(segment.SegmentID), key)
}

// BatchUpsertSegments uses bbolt's opportunistic batching (db.Batch) so
// many goroutines calling it concurrently are coalesced into a small
// number of fsynced transactions, meeting the Catalog's ≥10⁴
// segments/second bulk-insertion contract.
func (s *BoltStore) BatchUpsertSegments(segments []*types.Segment) error {
	return s.db.Batch(func(tx *bolt.Tx) error {
		for _, seg := range segments {
			if err := putSegmentTx(tx, seg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) MarkSegmentPosted(segmentID, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketSegmentsByID).Get([]byte(segmentID))
		if key == nil {
			return xerrors.New("catalog.MarkSegmentPosted", xerrors.NotFound, fmt.Errorf("segment %s", segmentID))
		}
		data := tx.Bucket(bucketSegments).Get(key)
		if data == nil {
			return xerrors.New("catalog.MarkSegmentPosted", xerrors.NotFound, fmt.Errorf("segment %s", segmentID))
		}
		var seg types.Segment
		if err := json.Unmarshal(data, &seg); err != nil {
			return err
		}
		now := time.Now()
		seg.MessageID = messageID
		seg.State = types.SegmentStatePosted
		seg.PostedAt = &now
		return putSegmentTx(tx, &seg)
	})
}

func (s *BoltStore) IterSegments(fileID string) ([]*types.Segment, error) {
	var segs []*types.Segment
	prefix := append([]byte(fileID), '/')
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSegments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var seg types.Segment
			if err := json.Unmarshal(v, &seg); err != nil {
				return err
			}
			segs = append(segs, &seg)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.New("catalog.IterSegments", xerrors.Internal, err)
	}
	return segs, nil
}

func (s *BoltStore) FindRedundantSegment(fileID string, segmentIndex int, excludeMessageID string) (*types.Segment, error) {
	segs, err := s.IterSegments(fileID)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seg.SegmentIndex == segmentIndex && seg.Posted() && seg.MessageID != excludeMessageID {
			return seg, nil
		}
	}
	return nil, xerrors.New("catalog.FindRedundantSegment", xerrors.NotFound, fmt.Errorf("no redundant copy for %s[%d]", fileID, segmentIndex))
}

func (s *BoltStore) CountByState() (*Stats, error) {
	stats := &Stats{
		FoldersByState:  map[types.FolderState]int{},
		FilesByState:    map[types.FileState]int{},
		SegmentsByState: map[types.SegmentState]int{},
		SessionsByState: map[types.SessionState]int{},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFolders).ForEach(func(_, v []byte) error {
			var f types.Folder
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			stats.FoldersByState[f.State]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			stats.FilesByState[f.State]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSegments).ForEach(func(_, v []byte) error {
			var seg types.Segment
			if err := json.Unmarshal(v, &seg); err != nil {
				return err
			}
			stats.SegmentsByState[seg.State]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			stats.SessionsByState[sess.State]++
			return nil
		}); err != nil {
			return err
		}
		stats.Shares = tx.Bucket(bucketShares).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, xerrors.New("catalog.CountByState", xerrors.Internal, err)
	}
	return stats, nil
}

// --- Sessions ---

func (s *BoltStore) OpenSession(session *types.Session) error {
	return s.put(bucketSessions, session.SessionID, session)
}

func (s *BoltStore) GetSession(sessionID string) (*types.Session, error) {
	var sess types.Session
	if err := s.get(bucketSessions, sessionID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) AdvanceSession(sessionID string, doneFiles int, doneSize int64, state types.SessionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(sessionID))
		if data == nil {
			return xerrors.New("catalog.AdvanceSession", xerrors.NotFound, fmt.Errorf("session %s", sessionID))
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		sess.DoneFiles = doneFiles
		sess.DoneSize = doneSize
		if state != "" {
			sess.State = state
			if state == types.SessionStateCompleted || state == types.SessionStateFailed || state == types.SessionStateCancelled {
				now := time.Now()
				sess.FinishedAt = &now
			}
		}
		out, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), out)
	})
}

// ReapSessions moves every session that is not yet Completed, Failed or
// Cancelled and whose StartedAt is older than olderThan into
// SessionStateFailed, so stale sessions don't linger indefinitely.
// Progress recorded after the start does not extend that window.
// Returns the number reaped.
func (s *BoltStore) ReapSessions(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	reaped := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.State == types.SessionStateCompleted || sess.State == types.SessionStateFailed || sess.State == types.SessionStateCancelled {
				continue
			}
			if sess.StartedAt.After(cutoff) {
				continue
			}
			sess.State = types.SessionStateFailed
			sess.Error = "session reaped: exceeded retention window"
			now := time.Now()
			sess.FinishedAt = &now
			out, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			if err := b.Put(k, out); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.New("catalog.ReapSessions", xerrors.Internal, err)
	}
	return reaped, nil
}

// --- Shares ---

func (s *BoltStore) CreateShare(share *types.Share) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(share)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketShares).Put([]byte(share.ShareID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketSharesByMessage).Put([]byte(share.IndexMessageID), []byte(share.ShareID))
	})
}

func (s *BoltStore) FindShare(shareID string) (*types.Share, error) {
	var share types.Share
	if err := s.get(bucketShares, shareID, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

func (s *BoltStore) FindShareByMessageID(indexMessageID string) (*types.Share, error) {
	var shareID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSharesByMessage).Get([]byte(indexMessageID))
		if v == nil {
			return xerrors.New("catalog.FindShareByMessageID", xerrors.NotFound, fmt.Errorf("index message %s", indexMessageID))
		}
		shareID = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindShare(shareID)
}

func (s *BoltStore) TouchShareAccess(shareID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		data := b.Get([]byte(shareID))
		if data == nil {
			return xerrors.New("catalog.TouchShareAccess", xerrors.NotFound, fmt.Errorf("share %s", shareID))
		}
		var share types.Share
		if err := json.Unmarshal(data, &share); err != nil {
			return err
		}
		share.AccessCount++
		out, err := json.Marshal(&share)
		if err != nil {
			return err
		}
		return b.Put([]byte(shareID), out)
	})
}

// --- maintenance ---

// MaintenanceConfig tunes the background session-reaping and
// statistics-refresh loop.
type MaintenanceConfig struct {
	Interval       time.Duration
	SessionMaxIdle time.Duration
}

// DefaultMaintenanceConfig mirrors the teacher reconciler's 10s cadence.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:       10 * time.Second,
		SessionMaxIdle: 24 * time.Hour,
	}
}

// StartMaintenance runs session reaping and statistics refresh on a
// ticker. Each cycle's work is its own short transaction, so no single
// maintenance pass ever holds a write lock for more than the time it
// takes to touch the rows it actually mutates.
func (s *BoltStore) StartMaintenance(ctx context.Context, cfg MaintenanceConfig) {
	if cfg.Interval <= 0 {
		cfg = DefaultMaintenanceConfig()
	}
	log := xlog.WithComponent("catalog")
	ticker := time.NewTicker(cfg.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.maintain(cfg, log)
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *BoltStore) maintain(cfg MaintenanceConfig, log zerolog.Logger) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CatalogMaintenanceDuration)
		metrics.CatalogMaintenanceCyclesTotal.Inc()
	}()

	reaped, err := s.ReapSessions(cfg.SessionMaxIdle)
	if err != nil {
		log.Error().Err(err).Msg("session reap failed")
	} else if reaped > 0 {
		log.Info().Int("reaped", reaped).Msg("reaped stale sessions")
	}

	stats, err := s.CountByState()
	if err != nil {
		log.Error().Err(err).Msg("stats refresh failed")
		return
	}
	for state, count := range stats.FoldersByState {
		metrics.FoldersTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	for state, count := range stats.FilesByState {
		metrics.FilesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	for state, count := range stats.SegmentsByState {
		metrics.SegmentsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	for state, count := range stats.SessionsByState {
		metrics.SessionsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	metrics.SharesTotal.Set(float64(stats.Shares))
}
