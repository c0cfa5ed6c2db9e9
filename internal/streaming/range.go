package streaming

import (
	"fmt"
	"strconv"
	"strings"

	"coursecast/internal/errdefs"
)

// ErrUnsatisfiableRange signals a syntactically valid Range header whose
// window lies entirely beyond the resource. Handlers translate it to 416.
var ErrUnsatisfiableRange = fmt.Errorf("requested range not satisfiable")

// ByteRange is a resolved half-open request window, inclusive on both ends
// per RFC 7233.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the window covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value for a 206 response.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange resolves a single-range Range header against a resource of the
// given size. A missing header yields a nil range (serve the whole resource).
// End positions past the resource are clamped to size-1. Multi-range requests
// are rejected; serving them buys little for media segments.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, errdefs.New(errdefs.KindValidation, "unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return nil, errdefs.New(errdefs.KindValidation, "multiple ranges are not supported")
	}
	startPart, endPart, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, errdefs.New(errdefs.KindValidation, "malformed range %q", header)
	}
	startPart = strings.TrimSpace(startPart)
	endPart = strings.TrimSpace(endPart)

	if startPart == "" {
		// Suffix form: the final N bytes.
		suffix, err := strconv.ParseInt(endPart, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, errdefs.New(errdefs.KindValidation, "malformed range %q", header)
		}
		if suffix > size {
			suffix = size
		}
		if size == 0 {
			return nil, ErrUnsatisfiableRange
		}
		return &ByteRange{Start: size - suffix, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start < 0 {
		return nil, errdefs.New(errdefs.KindValidation, "malformed range %q", header)
	}
	if start >= size {
		return nil, ErrUnsatisfiableRange
	}
	end := size - 1
	if endPart != "" {
		end, err = strconv.ParseInt(endPart, 10, 64)
		if err != nil || end < start {
			return nil, errdefs.New(errdefs.KindValidation, "malformed range %q", header)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}
