package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/crypto"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/metrics"
	"github.com/shardkeep/shardkeep/pkg/publisher"
	"github.com/shardkeep/shardkeep/pkg/resolver"
	"github.com/shardkeep/shardkeep/pkg/segmenter"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
)

var log = xlog.WithComponent("downloader")

// Fetcher is the subset of *transport.Registry the Downloader (and the
// Resolver it drives) depends on.
type Fetcher interface {
	Retrieve(ctx context.Context, messageID, group string) ([]byte, error)
}

// Config tunes parallelism and per-segment retry behavior.
type Config struct {
	MaxParallel int
	RetryLimit  int
}

// DefaultConfig matches the Uploader's conservative defaults.
func DefaultConfig() Config {
	return Config{MaxParallel: 8, RetryLimit: 5}
}

// Request parameterizes one Start call.
type Request struct {
	SessionID        string
	AccessCredential string
	HeadMessageID    string
	DestinationPath  string

	// Identity mode.
	UserID string
	// Password mode.
	Password string
}

// Downloader drives a session through fetching -> completed: resolve the
// share's manifest, fetch and reassemble every file under
// Request.DestinationPath, verifying each segment and each file's
// content hash before it is considered done.
type Downloader struct {
	cat     catalog.Catalog
	fetcher Fetcher
	broker  *events.Broker
	cfg     Config
}

// New builds a Downloader wired to the session Catalog, the shared
// Transport registry, and the process-wide event broker.
func New(cat catalog.Catalog, fetcher Fetcher, broker *events.Broker, cfg Config) *Downloader {
	return &Downloader{cat: cat, fetcher: fetcher, broker: broker, cfg: cfg}
}

// Start resolves req.AccessCredential, opens the named session (or
// resumes it when the session_id already exists, whatever its state,
// with its progress counters restarted from zero), and downloads every
// file in the resulting manifest to req.DestinationPath. In a resumed
// session or a new one, files whose destination already matches their
// content hash are skipped.
func (d *Downloader) Start(ctx context.Context, req Request) (*types.Session, error) {
	result, err := resolver.Resolve(ctx, d.fetcher, resolver.Request{
		AccessCredential: req.AccessCredential,
		HeadMessageID:    req.HeadMessageID,
		UserID:           req.UserID,
		Password:         req.Password,
	})
	if err != nil {
		return nil, err
	}

	session, err := d.openOrResumeSession(req, result.Manifest)
	if err != nil {
		return nil, err
	}

	if err := d.cat.AdvanceSession(session.SessionID, session.DoneFiles, session.DoneSize, types.SessionStateFetching); err != nil {
		return nil, err
	}
	session.State = types.SessionStateFetching

	if err := d.runFiles(ctx, req.DestinationPath, result.Manifest, result.SessionKey, session); err != nil {
		now := time.Now()
		session.State = types.SessionStateFailed
		session.Error = err.Error()
		session.FinishedAt = &now
		_ = d.cat.AdvanceSession(session.SessionID, session.DoneFiles, session.DoneSize, types.SessionStateFailed)
		d.broker.Publish(events.Newf(events.EventSessionFailed, "session %s failed: %v", session.SessionID, err))
		return session, err
	}

	now := time.Now()
	session.State = types.SessionStateCompleted
	session.FinishedAt = &now
	if err := d.cat.AdvanceSession(session.SessionID, session.DoneFiles, session.DoneSize, types.SessionStateCompleted); err != nil {
		return nil, err
	}
	d.broker.Publish(events.Newf(events.EventSessionCompleted, "session %s completed: %d files", session.SessionID, session.DoneFiles))
	log.Info().Str("session_id", session.SessionID).Int("files", session.DoneFiles).Msg("download session completed")
	return session, nil
}

func (d *Downloader) openOrResumeSession(req Request, manifest *publisher.Manifest) (*types.Session, error) {
	var totalSize int64
	for _, f := range manifest.Files {
		totalSize += f.Size
	}

	existing, err := d.cat.GetSession(req.SessionID)
	if err == nil {
		// runFiles recounts every manifest file, already-verified ones
		// included, so a resumed session restarts its counters from zero
		// rather than double-counting the files finished last time.
		existing.DoneFiles = 0
		existing.DoneSize = 0
		return existing, nil
	}
	if xerrors.KindOf(err) != xerrors.NotFound {
		return nil, err
	}

	session := &types.Session{
		SessionID:        req.SessionID,
		AccessCredential: req.AccessCredential,
		DestinationPath:  req.DestinationPath,
		TotalFiles:       len(manifest.Files),
		TotalSize:        totalSize,
		State:            types.SessionStatePending,
		StartedAt:        time.Now(),
	}
	if err := d.cat.OpenSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// runFiles downloads every file in manifest, updating session progress
// as each completes. A bounded worker pool processes files concurrently;
// each file's own segments are fetched and reassembled strictly in order.
func (d *Downloader) runFiles(ctx context.Context, destRoot string, manifest *publisher.Manifest, sessionKey []byte, session *types.Session) error {
	workers := d.cfg.MaxParallel
	if workers <= 0 {
		workers = 1
	}

	queue := make(chan publisher.FileEntry, len(manifest.Files))
	for _, f := range manifest.Files {
		queue <- f
	}
	close(queue)

	var mu sync.Mutex
	var failures []error
	var wg sync.WaitGroup
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range queue {
				select {
				case <-ctx.Done():
					select {
					case errCh <- xerrors.New("downloader.runFiles", xerrors.Cancelled, ctx.Err()):
					default:
					}
					return
				default:
				}

				skipped, err := d.downloadFile(ctx, destRoot, entry, sessionKey)
				if err != nil {
					if xerrors.KindOf(err) == xerrors.Cancelled {
						select {
						case errCh <- err:
						default:
						}
						return
					}
					// A failed file does not abort the session: the
					// remaining files keep downloading and the session's
					// final state reflects the worst outcome.
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
					d.broker.Publish(events.Newf(events.EventFileFailed, "file %s failed: %v", entry.Path, err))
					continue
				}

				mu.Lock()
				session.DoneFiles++
				session.DoneSize += entry.Size
				doneFiles, doneSize := session.DoneFiles, session.DoneSize
				mu.Unlock()

				if err := d.cat.AdvanceSession(session.SessionID, doneFiles, doneSize, types.SessionStateFetching); err != nil {
					select {
					case errCh <- err:
					default:
					}
					return
				}
				if !skipped {
					d.broker.Publish(events.Newf(events.EventFileDownloaded, "downloaded %s", entry.Path))
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	// Integrity failures outrank everything else in the session's final
	// error: they indicate corruption or tampering, never a transient.
	var first error
	for _, err := range failures {
		if xerrors.KindOf(err) == xerrors.IntegrityFailure {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// downloadFile fetches, decrypts and reassembles one file under a
// staging directory, verifies its content hash, then renames it into
// place. It reports skipped=true if the destination already held a
// verified copy (the resume path).
func (d *Downloader) downloadFile(ctx context.Context, destRoot string, entry publisher.FileEntry, sessionKey []byte) (skipped bool, err error) {
	finalPath := filepath.Join(destRoot, entry.Path)
	if verifyExisting(finalPath, entry.ContentHash) {
		return true, nil
	}

	plaintext, err := d.fetchFile(ctx, entry, sessionKey)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != entry.ContentHash {
		metrics.IntegrityFailuresTotal.Inc()
		d.broker.Publish(events.Newf(events.EventFileIntegrity, "content hash mismatch for %s", entry.Path))
		return false, xerrors.New("downloader.downloadFile", xerrors.IntegrityFailure, fmt.Errorf("file %s failed content verification", entry.Path))
	}

	stagingDir := filepath.Join(destRoot, ".shardkeep-tmp", sanitizeComponent(entry.Path))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return false, xerrors.New("downloader.downloadFile", xerrors.Internal, err)
	}
	stagingPath := filepath.Join(stagingDir, "content")
	if err := os.WriteFile(stagingPath, plaintext, 0o644); err != nil {
		return false, xerrors.New("downloader.downloadFile", xerrors.Internal, err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return false, xerrors.New("downloader.downloadFile", xerrors.Internal, err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return false, xerrors.New("downloader.downloadFile", xerrors.Internal, err)
	}
	_ = os.Remove(stagingDir)

	return false, nil
}

// fetchFile fetches and decrypts every segment of entry in order,
// falling back to redundancy copies after cfg.RetryLimit primary
// failures, and concatenates the decompressed plaintext windows.
func (d *Downloader) fetchFile(ctx context.Context, entry publisher.FileEntry, sessionKey []byte) ([]byte, error) {
	var out bytes.Buffer
	for _, seg := range entry.Segments {
		plaintext, err := d.fetchSegment(ctx, seg, sessionKey)
		if err != nil {
			return nil, err
		}
		out.Write(plaintext)
	}
	return out.Bytes(), nil
}

func (d *Downloader) fetchSegment(ctx context.Context, seg publisher.SegmentRef, sessionKey []byte) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SegmentDownloadDuration)

	segmentHash, err := hex.DecodeString(seg.PlaintextHash)
	if err != nil {
		return nil, xerrors.New("downloader.fetchSegment", xerrors.IntegrityFailure, err)
	}

	retryLimit := d.cfg.RetryLimit
	if retryLimit < 1 {
		retryLimit = 1
	}

	plaintext, err := d.fetchAndDecrypt(ctx, seg.MessageID, segmentHash, 0, seg.Compression, sessionKey, retryLimit)
	if err == nil {
		metrics.SegmentsFetchedTotal.Inc()
		return plaintext, nil
	}

	for _, alt := range seg.RedundantCopies {
		plaintext, altErr := d.fetchAndDecrypt(ctx, alt.MessageID, segmentHash, alt.RedundancyIndex, seg.Compression, sessionKey, retryLimit)
		if altErr == nil {
			metrics.SegmentsFetchedTotal.Inc()
			return plaintext, nil
		}
	}
	return nil, err
}

// fetchAndDecrypt retries the article fetch up to attempts times,
// retrying only retryable transport errors, then decrypts and
// decompresses the result.
func (d *Downloader) fetchAndDecrypt(ctx context.Context, messageID string, segmentHash []byte, redundancyIndex int, compression byte, sessionKey []byte, attempts int) ([]byte, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		frame, err := d.fetcher.Retrieve(ctx, messageID, "")
		if err != nil {
			lastErr = err
			if !xerrors.Retryable(err) {
				return nil, err
			}
			continue
		}
		ciphertext, err := segmenter.Decode(string(frame))
		if err != nil {
			return nil, err
		}
		sealed := &crypto.SealedSegment{
			Nonce:      crypto.SegmentNonce(segmentHash, redundancyIndex),
			Ciphertext: ciphertext,
		}
		payload, err := crypto.DecryptSegment(sealed, sessionKey)
		if err != nil {
			return nil, err
		}
		plaintext, err := segmenter.DecodePayload(segmenter.Compression(compression), payload)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return nil, lastErr
}

func verifyExisting(path, contentHash string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == contentHash
}

func sanitizeComponent(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}
