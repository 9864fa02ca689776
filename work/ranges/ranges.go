// Package ranges normalizes client byte-range requests against a known
// content length before they are replayed upstream.
package ranges

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotSatisfiable is returned when a parsed range falls entirely outside
// the known content length. Callers respond 416 with a bytes */<len>
// Content-Range header.
var ErrNotSatisfiable = errors.New("requested range not satisfiable")

// ByteRange is a normalized inclusive byte range.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Header renders the range in Range request header form.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ContentRange renders the range in Content-Range response form for a 206.
func (r ByteRange) ContentRange(total int64) string {
	if total <= 0 {
		return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// UnsatisfiableContentRange renders the 416 form for a known length.
func UnsatisfiableContentRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// Parse extracts a single bytes=<start>-<end> range from a Range header.
// Anything else (empty header, other units, multi-range, suffix ranges)
// is treated as no range requested and returns ok=false.
func Parse(header string) (ByteRange, bool) {
	header = strings.TrimSpace(header)
	rest, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(rest, ",") {
		return ByteRange{}, false
	}

	startStr, endStr, found := strings.Cut(rest, "-")
	if !found {
		return ByteRange{}, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, false
	}

	r := ByteRange{Start: start, End: -1}
	if endStr = strings.TrimSpace(endStr); endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return ByteRange{}, false
		}
		r.End = end
	}
	return r, true
}

// Normalize validates a parsed range against a known content length and
// clamps an open or overflowing end to the last byte.
func Normalize(r ByteRange, contentLength int64) (ByteRange, error) {
	if contentLength <= 0 {
		return r, fmt.Errorf("normalize range against unknown length %d", contentLength)
	}
	if r.Start >= contentLength {
		return ByteRange{}, ErrNotSatisfiable
	}
	if r.End < 0 || r.End >= contentLength {
		r.End = contentLength - 1
	}
	if r.Start > r.End {
		return ByteRange{}, ErrNotSatisfiable
	}
	return r, nil
}
