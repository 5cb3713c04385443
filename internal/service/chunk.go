package service

import (
	"alcyxob/course-portal/internal/domain"
	"strconv"
	"strings"
)

// ChunkHeaders is the typed form of the per-chunk request headers.
type ChunkHeaders struct {
	Offset int64  // Upload-Offset: first byte of this chunk
	Length int64  // Upload-Length: declared total length of the file
	Name   string // Upload-Name: optional, informational
}

// ParseChunkHeaders validates the raw header strings. Nothing touches storage
// until this succeeds.
func ParseChunkHeaders(offset, length, name string) (ChunkHeaders, error) {
	var h ChunkHeaders
	var err error

	if h.Offset, err = parseNonNegative("Upload-Offset", offset); err != nil {
		return h, err
	}
	if h.Length, err = parseNonNegative("Upload-Length", length); err != nil {
		return h, err
	}
	if h.Length == 0 {
		return h, validationError("Upload-Length must be positive")
	}
	if h.Offset >= h.Length {
		return h, validationError("Upload-Offset %d is not below Upload-Length %d", h.Offset, h.Length)
	}
	h.Name = strings.TrimSpace(name)
	return h, nil
}

func parseNonNegative(header, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, validationError("%s header is required", header)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, validationError("%s must be a non-negative integer", header)
	}
	return n, nil
}

// checkAgainst verifies the headers are consistent with the session they target.
func (h ChunkHeaders) checkAgainst(upload *domain.Upload) error {
	if h.Length != upload.DeclaredSize {
		return validationError("Upload-Length %d does not match declared size %d", h.Length, upload.DeclaredSize)
	}
	return nil
}

// ChunkResult reports the state of a session after a chunk write.
type ChunkResult struct {
	Upload   *domain.Upload
	Offset   int64 // bytes received contiguously from the start
	Complete bool
}
