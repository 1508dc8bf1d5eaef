// Package segmenter splits files into fixed-size plaintext segments,
// optionally compresses each one, and frames ciphertext into the
// printable-safe article body the Transport posts. See pkg/segmenter/yenc.go
// for the article codec.
package segmenter

import (
	"crypto/sha256"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// DefaultTargetSize is the plaintext window size used when a caller
// doesn't override it, inside the spec's 512 KiB-1 MiB band.
const DefaultTargetSize = 768 * 1024

// Compression flags a chunk's on-wire transform. Compression is applied
// opportunistically: a chunk is only ever marked Compressed if doing so
// made it smaller.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
)

// Chunk is one plaintext window of a file, already hashed and with its
// storage transform decided. Payload holds the post-transform bytes:
// compressed if Compression is CompressionS2, raw plaintext otherwise.
type Chunk struct {
	Index         int
	Final         bool
	PlaintextHash []byte // sha256 over plaintext, always
	PlaintextSize int
	Compression   Compression
	Payload       []byte
}

// Chunker reads windows of TargetSize plaintext bytes from a source file
// and emits Chunks. The final chunk is short rather than padded.
type Chunker struct {
	r          io.Reader
	targetSize int
	index      int
	done       bool
}

// NewChunker wraps r, reading TargetSize-byte plaintext windows. A
// targetSize of 0 selects DefaultTargetSize.
func NewChunker(r io.Reader, targetSize int) *Chunker {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	return &Chunker{r: r, targetSize: targetSize}
}

// Next returns the next Chunk, or io.EOF once the source is exhausted.
func (c *Chunker) Next() (*Chunk, error) {
	if c.done {
		return nil, io.EOF
	}
	buf := make([]byte, c.targetSize)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		c.done = true
		if n == 0 {
			return nil, io.EOF
		}
	case err != nil:
		return nil, xerrors.New("segmenter.Chunker.Next", xerrors.Internal, err)
	}
	plaintext := buf[:n]

	hash := sha256.Sum256(plaintext)
	chunk := &Chunk{
		Index:         c.index,
		Final:         c.done,
		PlaintextHash: hash[:],
		PlaintextSize: n,
	}
	c.index++

	compressed := s2.Encode(make([]byte, s2.MaxEncodedLen(n)), plaintext)
	if len(compressed) < n {
		chunk.Compression = CompressionS2
		chunk.Payload = compressed
	} else {
		chunk.Compression = CompressionNone
		chunk.Payload = plaintext
	}
	return chunk, nil
}

// DecodePayload reverses the Compression transform, returning the
// original plaintext. Callers must still verify PlaintextHash against
// the result; DecodePayload does not do this itself.
func DecodePayload(compression Compression, payload []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return payload, nil
	case CompressionS2:
		size, err := s2.DecodedLen(payload)
		if err != nil {
			return nil, xerrors.New("segmenter.DecodePayload", xerrors.IntegrityFailure, err)
		}
		out := make([]byte, size)
		out, err = s2.Decode(out, payload)
		if err != nil {
			return nil, xerrors.New("segmenter.DecodePayload", xerrors.IntegrityFailure, err)
		}
		return out, nil
	default:
		return nil, xerrors.New("segmenter.DecodePayload", xerrors.InvalidInput, nil)
	}
}
