package segmenter

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// DefaultLineWidth is the body line length advertised in the header.
const DefaultLineWidth = 128

const (
	shiftAmount = 42
	escapeChar  = '='
)

func needsEscape(b byte) bool {
	switch b {
	case 0x00, '\n', '\r', escapeChar:
		return true
	default:
		return false
	}
}

// Encode frames payload into a printable-safe article body: a
// `=ybegin` header, escaped/shifted body lines of up to lineWidth
// encoded bytes each, and a `=yend` trailer carrying the size and
// CRC32 of the original (pre-shift) payload. A lineWidth of 0 selects
// DefaultLineWidth.
func Encode(payload []byte, name string, lineWidth int) string {
	if lineWidth <= 0 {
		lineWidth = DefaultLineWidth
	}
	var body bytes.Buffer
	col := 0
	for _, b := range payload {
		shifted := byte(int(b) + shiftAmount)
		if needsEscape(shifted) {
			body.WriteByte(escapeChar)
			body.WriteByte(byte((int(shifted) + 64) % 256))
			col += 2
		} else {
			body.WriteByte(shifted)
			col++
		}
		if col >= lineWidth {
			body.WriteByte('\n')
			col = 0
		}
	}
	if col != 0 {
		body.WriteByte('\n')
	}

	crc := crc32.ChecksumIEEE(payload)

	var out strings.Builder
	fmt.Fprintf(&out, "=ybegin line=%d size=%d name=%s\n", lineWidth, len(payload), name)
	out.Write(body.Bytes())
	fmt.Fprintf(&out, "=yend size=%d crc32=%08x\n", len(payload), crc)
	return out.String()
}

// Decode reverses Encode, tolerating ragged line lengths: it ignores
// the header's declared `line=` width when unshifting/unescaping and
// instead processes the body byte-by-byte up to the trailer. It
// verifies the decoded payload's size and CRC32 against the trailer
// and returns xerrors.IntegrityFailure on any mismatch.
func Decode(frame string) ([]byte, error) {
	lines := strings.Split(frame, "\n")
	if len(lines) < 2 {
		return nil, xerrors.New("segmenter.Decode", xerrors.InvalidInput, nil)
	}

	header := lines[0]
	if !strings.HasPrefix(header, "=ybegin ") {
		return nil, xerrors.New("segmenter.Decode", xerrors.InvalidInput, nil)
	}
	declaredSize, ok := parseKV(header, "size")
	if !ok {
		return nil, xerrors.New("segmenter.Decode", xerrors.InvalidInput, nil)
	}
	wantSize, err := strconv.Atoi(declaredSize)
	if err != nil {
		return nil, xerrors.New("segmenter.Decode", xerrors.InvalidInput, err)
	}

	trailerIdx := -1
	for i := len(lines) - 1; i >= 1; i-- {
		if strings.HasPrefix(lines[i], "=yend ") {
			trailerIdx = i
			break
		}
	}
	if trailerIdx < 0 {
		return nil, xerrors.New("segmenter.Decode", xerrors.InvalidInput, nil)
	}
	trailer := lines[trailerIdx]
	wantCRCHex, ok := parseKV(trailer, "crc32")
	if !ok {
		return nil, xerrors.New("segmenter.Decode", xerrors.InvalidInput, nil)
	}

	var out bytes.Buffer
	for _, line := range lines[1:trailerIdx] {
		if err := decodeLine(line, &out); err != nil {
			return nil, err
		}
	}

	payload := out.Bytes()
	if len(payload) != wantSize {
		return nil, xerrors.New("segmenter.Decode", xerrors.IntegrityFailure, nil)
	}
	gotCRC := fmt.Sprintf("%08x", crc32.ChecksumIEEE(payload))
	if !strings.EqualFold(gotCRC, wantCRCHex) {
		return nil, xerrors.New("segmenter.Decode", xerrors.IntegrityFailure, nil)
	}
	return payload, nil
}

func decodeLine(line string, out *bytes.Buffer) error {
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b == escapeChar {
			i++
			if i >= len(line) {
				return xerrors.New("segmenter.decodeLine", xerrors.InvalidInput, nil)
			}
			escaped := byte(int(line[i]) - 64)
			out.WriteByte(byte(int(escaped) - shiftAmount))
			continue
		}
		out.WriteByte(byte(int(b) - shiftAmount))
	}
	return nil
}

func parseKV(line, key string) (string, bool) {
	prefix := key + "="
	idx := strings.Index(line, prefix)
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(prefix):]
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		return rest, true
	}
	return rest[:end], true
}
