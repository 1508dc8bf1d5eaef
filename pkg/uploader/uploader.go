// Package uploader drives a folder through segmenting -> uploading ->
// uploaded: a bounded worker pool reads plaintext windows, hashes,
// optionally compresses, encrypts, frames, and posts each segment, then
// commits its message_id to the Catalog.
package uploader

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/metrics"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
)

var log = xlog.WithComponent("uploader")

// Poster is the subset of *transport.Registry the Uploader depends on.
// Accepting the interface rather than the concrete type lets tests drive
// the worker pool without a live server.
type Poster interface {
	Post(ctx context.Context, subject, group string, body []byte) (string, error)
}

// Config tunes parallelism, redundancy, and backpressure.
type Config struct {
	MaxParallel     int
	RedundancyCount int
	SegmentSize     int
	MemoryCeiling   int64
	RetryLimit      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	Newsgroup       string
}

// DefaultConfig matches the spec defaults: single primary copy, 768 KiB
// segments, a conservative retry ceiling.
func DefaultConfig() Config {
	return Config{
		MaxParallel:     8,
		RedundancyCount: 1,
		SegmentSize:     segmenter.DefaultTargetSize,
		MemoryCeiling:   256 << 20,
		RetryLimit:      5,
		BaseBackoff:     200 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		Newsgroup:       "alt.binaries.shardkeep",
	}
}

func (c Config) queueCapacity() int {
	if c.SegmentSize <= 0 {
		return c.MaxParallel
	}
	n := int(c.MemoryCeiling / int64(c.SegmentSize))
	if n < 1 {
		n = 1
	}
	return n
}

// workItem is one (file_id, segment_index) unit pulled off the queue.
type workItem struct {
	file         *types.File
	segmentIndex int
}

// Uploader posts every pending segment of a folder's indexed files.
type Uploader struct {
	cat      catalog.Catalog
	registry Poster
	broker   *events.Broker
	cfg      Config
}

// New builds an Uploader wired to the folder's Catalog, the shared
// Transport registry, and the process-wide event broker.
func New(cat catalog.Catalog, registry Poster, broker *events.Broker, cfg Config) *Uploader {
	return &Uploader{cat: cat, registry: registry, broker: broker, cfg: cfg}
}

// Run drains every file of folderID through segmenting->uploading->uploaded.
// sessionKey encrypts every segment. The Engine derives it from the
// folder's signing key (crypto.DeriveFolderSessionKey), so every run for
// a folder uses the same key.
func (u *Uploader) Run(ctx context.Context, folder *types.Folder, sessionKey []byte) error {
	queue := make(chan workItem, u.cfg.queueCapacity())
	var wg sync.WaitGroup

	go func() {
		defer close(queue)
		page := catalog.Page{Limit: 256}
		for {
			result, err := u.cat.IterFiles(folder.FolderUniqueID, page)
			if err != nil {
				log.Error().Err(err).Msg("iterating files for upload")
				return
			}
			for _, file := range result.Items {
				if file.State == types.FileStateUploaded || file.State == types.FileStateDeleted || file.State == types.FileStateFailed {
					continue
				}
				for i := 0; i < file.SegmentCount; i++ {
					select {
					case queue <- workItem{file: file, segmentIndex: i}:
					case <-ctx.Done():
						return
					}
				}
			}
			if result.Next == "" {
				return
			}
			page.Start = result.Next
		}
	}()

	workers := u.cfg.MaxParallel
	if workers <= 0 {
		workers = 1
	}
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := u.worker(ctx, folder, sessionKey, queue); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}

func (u *Uploader) worker(ctx context.Context, folder *types.Folder, sessionKey []byte, queue <-chan workItem) error {
	for item := range queue {
		select {
		case <-ctx.Done():
			return xerrors.New("uploader.worker", xerrors.Cancelled, ctx.Err())
		default:
		}
		if err := u.uploadSegment(ctx, folder, sessionKey, item); err != nil {
			u.broker.Publish(events.Newf(events.EventSegmentFailed, "segment %d of %s failed: %v", item.segmentIndex, item.file.RelativePath, err))
			if !xerrors.Is(err, xerrors.TransportRetryable) {
				return err
			}
			// Retryable failure that exhausted uploadSegment's own
			// backoff-and-requeue ceiling: this segment is marked
			// failed, so the file it belongs to can never reach
			// uploaded. Surface that now rather than let the caller
			// discover it only once every other segment is done.
			u.markFileFailed(item.file, err)
		}
	}
	return nil
}

// markFileFailed persists the file-level failure the spec requires once a
// segment's retry ceiling is reached, and notifies subscribers the same
// way every other lifecycle transition does.
func (u *Uploader) markFileFailed(file *types.File, cause error) {
	file.State = types.FileStateFailed
	if err := u.cat.UpsertFile(file); err != nil {
		log.Error().Err(err).Str("file_id", file.FileID).Msg("failed to persist file failure state")
	}
	u.broker.Publish(events.Newf(events.EventFileFailed, "file %s failed: segment retry ceiling reached: %v", file.RelativePath, cause))
}

// uploadSegment performs the strictly ordered
// read -> hash -> compress -> encrypt -> frame -> post -> commit sequence
// for one primary segment plus its configured redundancy copies.
func (u *Uploader) uploadSegment(ctx context.Context, folder *types.Folder, sessionKey []byte, item workItem) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SegmentUploadDuration)

	chunk, err := readSegmentWindow(folder.LocalPath, item.file.RelativePath, item.segmentIndex, u.cfg.SegmentSize)
	if err != nil {
		return err
	}

	redundancyCount := u.cfg.RedundancyCount
	if redundancyCount < 1 {
		redundancyCount = 1
	}
	for r := 0; r < redundancyCount; r++ {
		sealed, err := crypto.EncryptSegment(chunk.Payload, sessionKey, chunk.PlaintextHash, r)
		if err != nil {
			return err
		}
		subject := fmt.Sprintf("%s.%d.%d", item.file.FileID, item.segmentIndex, r)
		frame := []byte(segmenter.Encode(sealed.Ciphertext, subject, segmenter.DefaultLineWidth))
		ciphertextHash := sha256.Sum256(sealed.Ciphertext)

		seg := &types.Segment{
			SegmentID:       fmt.Sprintf("%s-%d-%d", item.file.FileID, item.segmentIndex, r),
			FileID:          item.file.FileID,
			SegmentIndex:    item.segmentIndex,
			PlaintextHash:   fmt.Sprintf("%x", chunk.PlaintextHash),
			CiphertextHash:  fmt.Sprintf("%x", ciphertextHash),
			PlaintextSize:   chunk.PlaintextSize,
			Compression:     byte(chunk.Compression),
			Size:            int64(len(sealed.Ciphertext)),
			Newsgroup:       u.cfg.Newsgroup,
			SubjectHash:     subject,
			RedundancyIndex: r,
			State:           types.SegmentStatePosting,
		}
		if err := u.cat.UpsertSegment(seg); err != nil {
			return err
		}

		messageID, err := u.postWithRetry(ctx, seg, subject, frame)
		if err != nil {
			seg.State = types.SegmentStateFailed
			_ = u.cat.UpsertSegment(seg)
			return err
		}

		if err := u.cat.MarkSegmentPosted(seg.SegmentID, messageID); err != nil {
			return err
		}

		metrics.SegmentsPostedTotal.Inc()
		u.broker.Publish(events.Newf(events.EventSegmentPosted, "posted segment %d (redundancy %d) of %s", item.segmentIndex, r, item.file.RelativePath))
	}
	return nil
}

// postWithRetry posts one article, and on a retryable transport failure
// backs off and requeues the same segment with retry_count++ up to
// cfg.RetryLimit, per spec §4.E. A terminal failure (authentication
// rejected, posting refused by policy) is surfaced immediately without
// consuming a retry.
func (u *Uploader) postWithRetry(ctx context.Context, seg *types.Segment, subject string, frame []byte) (string, error) {
	retryLimit := u.cfg.RetryLimit
	if retryLimit < 1 {
		retryLimit = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retryLimit; attempt++ {
		messageID, err := u.registry.Post(ctx, subject, u.cfg.Newsgroup, frame)
		if err == nil {
			return messageID, nil
		}
		if !xerrors.Retryable(err) {
			return "", err
		}
		lastErr = err
		seg.RetryCount++
		_ = u.cat.UpsertSegment(seg)
		log.Warn().Err(err).Str("segment_id", seg.SegmentID).Int("attempt", attempt).Int("retry_limit", retryLimit).Msg("segment post failed, backing off before requeue")
		if attempt == retryLimit {
			break
		}
		if waitErr := backoffSleep(ctx, u.cfg, attempt); waitErr != nil {
			return "", waitErr
		}
	}
	return "", lastErr
}

// backoffSleep waits an exponential, jittered delay before the next
// requeued attempt, honoring ctx cancellation, mirroring the Transport
// registry's own failover backoff.
func backoffSleep(ctx context.Context, cfg Config, attempt int) error {
	delay := cfg.BaseBackoff << uint(attempt-1)
	if delay > cfg.MaxBackoff || delay <= 0 {
		delay = cfg.MaxBackoff
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(delay)+1))
	if err == nil {
		delay = delay/2 + time.Duration(jitter.Int64())
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return xerrors.New("uploader.backoffSleep", xerrors.Cancelled, ctx.Err())
	}
}

// readSegmentWindow seeks to the segment's byte range within the file and
// runs it through the Segmenter's chunk/compress pipeline.
func readSegmentWindow(rootPath, relativePath string, segmentIndex, targetSize int) (*segmenter.Chunk, error) {
	if targetSize <= 0 {
		targetSize = segmenter.DefaultTargetSize
	}
	f, err := os.Open(filepath.Join(rootPath, relativePath))
	if err != nil {
		return nil, xerrors.New("uploader.readSegmentWindow", xerrors.Internal, err)
	}
	defer f.Close()

	offset := int64(segmentIndex) * int64(targetSize)
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, xerrors.New("uploader.readSegmentWindow", xerrors.Internal, err)
	}

	c := segmenter.NewChunker(f, targetSize)
	chunk, err := c.Next()
	if err != nil {
		return nil, xerrors.New("uploader.readSegmentWindow", xerrors.Internal, err)
	}
	return chunk, nil
}
