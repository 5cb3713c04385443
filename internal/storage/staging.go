package storage

import (
	"alcyxob/course-portal/internal/domain"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// 10 random bytes, 20 hex characters
	tokenBytes = 10
	// Allocate gives up after this many name collisions
	maxAllocateAttempts = 5

	chunkSuffix = ".chunk"
	tempPattern = ".chunk-tmp-*"
)

// Error constants for the staging area
var (
	ErrAllocationExhausted = errors.New("could not allocate a unique staging name")
	ErrInvalidToken        = errors.New("invalid staging name")
	ErrEmptyChunk          = errors.New("chunk is empty")
	ErrChunkTooLarge       = errors.New("chunk extends past the declared length")
	ErrGap                 = errors.New("missing byte range")
)

// Chunk is one staged byte range, identified by (staging name, offset).
type Chunk struct {
	Offset int64
	Size   int64
	Path   string
}

// End returns the first byte past the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Size
}

// Staging owns the per-session staging directories under a single root.
// The existence of a directory is the reservation of its name.
type Staging struct {
	root     string
	newToken func() (string, error)
}

// NewStaging creates the staging root if needed.
func NewStaging(root string) (*Staging, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Staging{root: root, newToken: randomToken}, nil
}

// WithTokenSource replaces the token generator, used to force collisions in tests.
func (s *Staging) WithTokenSource(fn func() (string, error)) *Staging {
	s.newToken = fn
	return s
}

// Root returns the staging root directory.
func (s *Staging) Root() string {
	return s.root
}

// Dir returns the staging directory for a session.
func (s *Staging) Dir(name string) string {
	return filepath.Join(s.root, name)
}

// Allocate reserves a fresh staging name by creating its directory. Mkdir fails
// when the name is taken, which makes the reservation atomic.
func (s *Staging) Allocate() (string, error) {
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		name, err := s.newToken()
		if err != nil {
			return "", err
		}
		err = os.Mkdir(s.Dir(name), 0755)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", ErrAllocationExhausted
}

// ValidToken reports whether name has the shape Allocate produces. Anything
// else is rejected before it is joined into a filesystem path.
func ValidToken(name string) bool {
	if len(name) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil && strings.ToLower(name) == name
}

// WriteChunk stores the bytes read from r as the chunk starting at offset.
// At most limit bytes are accepted. The chunk becomes visible only once fully
// written and synced; a second write for the same offset replaces the first.
func (s *Staging) WriteChunk(name string, offset, limit int64, r io.Reader) (int64, error) {
	if !ValidToken(name) {
		return 0, ErrInvalidToken
	}
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	discard := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}

	// Read one byte past the limit to detect oversized chunks
	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err != nil {
		return discard(err)
	}
	if n == 0 {
		return discard(ErrEmptyChunk)
	}
	if n > limit {
		return discard(ErrChunkTooLarge)
	}
	if err := tmp.Sync(); err != nil {
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, chunkName(offset))); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

// Chunks lists the staged chunks of a session in ascending offset order.
// Directory order is not offset order, so the sort is what makes reassembly correct.
func (s *Staging) Chunks(name string) ([]Chunk, error) {
	if !ValidToken(name) {
		return nil, ErrInvalidToken
	}
	dir := s.Dir(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	chunks := make([]Chunk, 0, len(entries))
	for _, entry := range entries {
		offset, ok := parseChunkName(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{Offset: offset, Size: info.Size(), Path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })
	return chunks, nil
}

// Ranges returns the byte ranges currently staged for a session.
func (s *Staging) Ranges(name string) ([]domain.ByteRange, error) {
	chunks, err := s.Chunks(name)
	if err != nil {
		return nil, err
	}
	ranges := make([]domain.ByteRange, len(chunks))
	for i, c := range chunks {
		ranges[i] = domain.ByteRange{Offset: c.Offset, Length: c.Size}
	}
	return ranges, nil
}

// Assemble appends the staged chunks of a session to dest in offset order and
// deletes each chunk once it is fully appended. When resume is false dest is
// truncated first; otherwise writing continues at dest's current size.
//
// Overlapping bytes are resolved first-write-wins: the part of a chunk below
// the current end of dest is skipped. It returns the size of dest, which is
// also the resume point after a failure.
func (s *Staging) Assemble(name, dest string, total int64, resume bool) (written int64, err error) {
	chunks, err := s.Chunks(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !resume {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	written = info.Size()

	for _, c := range chunks {
		if c.Offset > written {
			return written, fmt.Errorf("%w: [%d, %d)", ErrGap, written, c.Offset)
		}
		if c.End() > written {
			n, err := appendChunk(out, c.Path, written-c.Offset)
			written += n
			if err != nil {
				return written, fmt.Errorf("append chunk at %d: %w", c.Offset, err)
			}
		}
		// A chunk that fails to delete is swept together with the directory
		os.Remove(c.Path)
	}

	if written < total {
		return written, fmt.Errorf("%w: [%d, %d)", ErrGap, written, total)
	}
	return written, out.Sync()
}

// Remove deletes an empty staging directory.
func (s *Staging) Remove(name string) error {
	if !ValidToken(name) {
		return ErrInvalidToken
	}
	err := os.Remove(s.Dir(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Purge deletes a staging directory and anything left in it.
func (s *Staging) Purge(name string) error {
	if !ValidToken(name) {
		return ErrInvalidToken
	}
	return os.RemoveAll(s.Dir(name))
}

func appendChunk(out io.Writer, path string, skip int64) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if skip > 0 {
		if _, err := in.Seek(skip, io.SeekStart); err != nil {
			return 0, err
		}
	}
	return io.Copy(out, in)
}

func chunkName(offset int64) string {
	return fmt.Sprintf("%020d%s", offset, chunkSuffix)
}

func parseChunkName(name string) (int64, bool) {
	digits, ok := strings.CutSuffix(name, chunkSuffix)
	if !ok || strings.HasPrefix(name, ".") {
		return 0, false
	}
	offset, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
