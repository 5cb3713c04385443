package service

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/repository"
	"alcyxob/course-portal/internal/repository/boltdb"
	"alcyxob/course-portal/internal/storage"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fixture struct {
	svc      UploadService
	repo     repository.UploadRepository
	staging  *storage.Staging
	finalDir string
	opts     UploadOptions
}

func newFixture(t *testing.T, mutate ...func(*UploadOptions)) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := boltdb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	staging, err := storage.NewStaging(filepath.Join(dir, "staging"))
	require.NoError(t, err)

	opts := UploadOptions{
		FinalDir:         filepath.Join(dir, "files"),
		MaxSize:          20_000_000,
		AllowedMimeTypes: []string{"application/pdf", "video/mp4", "text/plain"},
		PublicBaseURL:    "http://portal.test/",
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	repo := boltdb.NewBoltUploadRepository(store)
	return &fixture{
		svc:      NewUploadService(repo, staging, storage.NewLocalStorage(), opts),
		repo:     repo,
		staging:  staging,
		finalDir: opts.FinalDir,
		opts:     opts,
	}
}

// changeAfterLookup lets change rewrite the stored record right after the
// first lookup, as a concurrent request would between the state check and the
// chunk write.
type changeAfterLookup struct {
	repository.UploadRepository
	once   sync.Once
	change func(*domain.Upload)
}

func (r *changeAfterLookup) GetByStagingName(ctx context.Context, stagingName string) (*domain.Upload, error) {
	upload, err := r.UploadRepository.GetByStagingName(ctx, stagingName)
	if err == nil {
		r.once.Do(func() { r.change(upload) })
	}
	return upload, err
}

func (f *fixture) initiate(t *testing.T, size int64) *domain.Upload {
	t.Helper()
	upload, err := f.svc.Initiate(context.Background(), primitive.NewObjectID(), InitiateRequest{
		FileName:  "lecture-01",
		Extension: "mp4",
		Size:      size,
		MimeType:  "video/mp4",
	})
	require.NoError(t, err)
	return upload
}

func (f *fixture) send(t *testing.T, upload *domain.Upload, offset int64, data []byte) *ChunkResult {
	t.Helper()
	result, err := f.svc.WriteChunk(context.Background(), upload.StagingName,
		ChunkHeaders{Offset: offset, Length: upload.DeclaredSize}, bytes.NewReader(data))
	require.NoError(t, err)
	return result
}

// pattern returns n deterministic bytes; different seeds give different content.
func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i%251) ^ seed
	}
	return buf
}

func stagingEntries(t *testing.T, s *storage.Staging) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	return entries
}

////////////////////////////////////////////////////////////////////////////////
// INITIATE

func Test_Initiate(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	upload := f.initiate(t, 1000)
	assert.True(storage.ValidToken(upload.StagingName))
	assert.DirExists(f.staging.Dir(upload.StagingName))
	assert.Equal(domain.UploadInitiated, upload.State)
	assert.Equal(domain.DiskLocal, upload.DiskKind)
	assert.NotEmpty(upload.FilePrefix)
	assert.NotEqual(upload.StagingName, upload.FilePrefix)

	stored, err := f.svc.Get(context.Background(), upload.StagingName)
	require.NoError(t, err)
	assert.Equal(int64(1000), stored.DeclaredSize)
	assert.Equal("video/mp4", stored.MimeType)
}

func Test_Initiate_RejectsInvalidMetadata(t *testing.T) {
	f := newFixture(t)

	cases := map[string]InitiateRequest{
		"zero size":      {FileName: "a", Extension: "pdf", Size: 0, MimeType: "application/pdf"},
		"negative size":  {FileName: "a", Extension: "pdf", Size: -5, MimeType: "application/pdf"},
		"too large":      {FileName: "a", Extension: "pdf", Size: 20_000_001, MimeType: "application/pdf"},
		"no name":        {FileName: "  ", Extension: "pdf", Size: 10, MimeType: "application/pdf"},
		"path in name":   {FileName: "../etc/passwd", Extension: "pdf", Size: 10, MimeType: "application/pdf"},
		"bad extension":  {FileName: "a", Extension: "p/df", Size: 10, MimeType: "application/pdf"},
		"no extension":   {FileName: "a", Extension: "", Size: 10, MimeType: "application/pdf"},
		"malformed mime": {FileName: "a", Extension: "pdf", Size: 10, MimeType: "pdf"},
		"disallowed":     {FileName: "a", Extension: "exe", Size: 10, MimeType: "application/x-msdownload"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Initiate(context.Background(), primitive.NewObjectID(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Nothing was reserved for any rejected request
	assert.Empty(t, stagingEntries(t, f.staging))
}

func Test_Initiate_NormalisesMimeAndExtension(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	upload, err := f.svc.Initiate(context.Background(), primitive.NilObjectID, InitiateRequest{
		FileName:  "notes",
		Extension: ".txt",
		Size:      3,
		MimeType:  "text/plain; charset=utf-8",
	})
	require.NoError(t, err)
	assert.Equal("txt", upload.Extension)
	assert.Equal("text/plain", upload.MimeType)
	assert.Equal("notes.txt", upload.FileName())
}

////////////////////////////////////////////////////////////////////////////////
// CHUNKS AND REASSEMBLY

func Test_Upload_ReverseOrder(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	const total, chunk = 10_000_000, 1_000_000
	content := pattern(total, 0)
	upload := f.initiate(t, total)

	for offset := total - chunk; offset > 0; offset -= chunk {
		result := f.send(t, upload, int64(offset), content[offset:offset+chunk])
		assert.False(result.Complete, "offset %d", offset)
		assert.Equal(int64(0), result.Offset)
	}

	result := f.send(t, upload, 0, content[:chunk])
	require.True(t, result.Complete)
	assert.Equal(int64(total), result.Offset)
	assert.Equal(domain.UploadComplete, result.Upload.State)
	assert.Equal("http://portal.test/api/v1/uploads/"+upload.StagingName+"/download", result.Upload.FinalURL)

	data, err := os.ReadFile(result.Upload.FinalPath)
	require.NoError(t, err)
	assert.Equal(len(content), len(data))
	assert.True(bytes.Equal(content, data))
	assert.Equal(filepath.Join(f.finalDir, upload.FilePrefix+".mp4"), result.Upload.FinalPath)

	// Chunks and staging directory are gone
	assert.NoDirExists(f.staging.Dir(upload.StagingName))
}

func Test_Upload_InOrderReportsOffset(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	content := pattern(300, 7)
	upload := f.initiate(t, 300)

	result := f.send(t, upload, 0, content[:100])
	assert.False(result.Complete)
	assert.Equal(int64(100), result.Offset)

	offset, err := f.svc.Offset(context.Background(), upload.StagingName)
	require.NoError(t, err)
	assert.Equal(int64(100), offset)

	stored, err := f.svc.Get(context.Background(), upload.StagingName)
	require.NoError(t, err)
	assert.Equal(domain.UploadReceiving, stored.State)

	result = f.send(t, upload, 100, content[100:200])
	assert.Equal(int64(200), result.Offset)
	result = f.send(t, upload, 200, content[200:])
	assert.True(result.Complete)

	offset, err = f.svc.Offset(context.Background(), upload.StagingName)
	require.NoError(t, err)
	assert.Equal(int64(300), offset)
}

func Test_Upload_DuplicateChunk(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	content := pattern(200, 3)
	upload := f.initiate(t, 200)

	f.send(t, upload, 0, content[:100])
	f.send(t, upload, 0, content[:100])
	result := f.send(t, upload, 100, content[100:])
	require.True(t, result.Complete)

	data, err := os.ReadFile(result.Upload.FinalPath)
	require.NoError(t, err)
	assert.Equal(content, data)
}

func Test_Upload_OverlapFirstWriteWins(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	first := pattern(500_000, 0x11)
	second := pattern(500_000, 0x22)
	upload := f.initiate(t, 900_000)

	result := f.send(t, upload, 0, first)
	assert.False(result.Complete)
	result = f.send(t, upload, 400_000, second)
	require.True(t, result.Complete)

	data, err := os.ReadFile(result.Upload.FinalPath)
	require.NoError(t, err)
	require.Len(t, data, 900_000)
	assert.Equal(first, data[:500_000])
	assert.Equal(second[100_000:], data[500_000:])
}

func Test_WriteChunk_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	upload := f.initiate(t, 100)

	_, err := f.svc.WriteChunk(ctx, "00000000000000000000", ChunkHeaders{Offset: 0, Length: 100}, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.WriteChunk(ctx, "../../etc", ChunkHeaders{Offset: 0, Length: 100}, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: 99}, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: 100}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyChunk)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 50, Length: 100}, bytes.NewReader(pattern(51, 0)))
	assert.ErrorIs(t, err, ErrValidation)

	ranges, err := f.staging.Ranges(upload.StagingName)
	require.NoError(t, err)
	assert.Empty(t, ranges)
}

func Test_WriteChunk_AfterComplete(t *testing.T) {
	f := newFixture(t)
	upload := f.initiate(t, 10)
	f.send(t, upload, 0, pattern(10, 0))

	_, err := f.svc.WriteChunk(context.Background(), upload.StagingName,
		ChunkHeaders{Offset: 0, Length: 10}, bytes.NewReader(pattern(10, 1)))
	assert.ErrorIs(t, err, ErrSessionComplete)
}

func Test_WriteChunk_DuringReassembly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	upload := f.initiate(t, 10)

	_, err := f.repo.TransitionState(ctx, upload.ID, domain.LeaseableStates, domain.UploadReassembling)
	require.NoError(t, err)

	_, err = f.svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: 10}, bytes.NewReader(pattern(10, 0)))
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = f.svc.Reassemble(ctx, upload.StagingName)
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func Test_Reassemble_Concurrent(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	content := pattern(4096, 5)
	upload := f.initiate(t, int64(len(content)))
	for offset := 0; offset < len(content); offset += 1024 {
		_, err := f.staging.WriteChunk(upload.StagingName, int64(offset), int64(len(content)-offset), bytes.NewReader(content[offset:offset+1024]))
		require.NoError(t, err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Reassemble(ctx, upload.StagingName)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(err, ErrSessionBusy)
	}
	assert.GreaterOrEqual(succeeded, 1)

	stored, err := f.svc.Get(ctx, upload.StagingName)
	require.NoError(t, err)
	assert.Equal(domain.UploadComplete, stored.State)
	data, err := os.ReadFile(stored.FinalPath)
	require.NoError(t, err)
	assert.Equal(content, data)
}

func Test_Reassemble_FailureThenResume(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	content := pattern(300, 9)
	upload := f.initiate(t, 300)
	_, err := f.staging.WriteChunk(upload.StagingName, 0, 300, bytes.NewReader(content[:100]))
	require.NoError(t, err)
	_, err = f.staging.WriteChunk(upload.StagingName, 200, 100, bytes.NewReader(content[200:]))
	require.NoError(t, err)

	_, err = f.svc.Reassemble(ctx, upload.StagingName)
	require.ErrorIs(t, err, ErrReassembly)

	stored, err := f.svc.Get(ctx, upload.StagingName)
	require.NoError(t, err)
	assert.Equal(domain.UploadFailed, stored.State)
	assert.Equal(int64(100), stored.AssembledBytes)

	// The consumed chunk is gone but still counts towards the offset
	offset, err := f.svc.Offset(ctx, upload.StagingName)
	require.NoError(t, err)
	assert.Equal(int64(100), offset)

	result := f.send(t, upload, 100, content[100:200])
	require.True(t, result.Complete)

	data, err := os.ReadFile(result.Upload.FinalPath)
	require.NoError(t, err)
	assert.Equal(content, data)
}

func Test_WriteChunk_LeaseTakenDuringWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	upload := f.initiate(t, 10)

	racing := &changeAfterLookup{UploadRepository: f.repo, change: func(u *domain.Upload) {
		_, err := f.repo.TransitionState(ctx, u.ID, domain.LeaseableStates, domain.UploadReassembling)
		require.NoError(t, err)
	}}
	svc := NewUploadService(racing, f.staging, storage.NewLocalStorage(), f.opts)

	_, err := svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: 10}, bytes.NewReader(pattern(5, 0)))
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func Test_WriteChunk_LateChunkAfterCompletion(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()
	upload := f.initiate(t, 10)

	racing := &changeAfterLookup{UploadRepository: f.repo, change: func(u *domain.Upload) {
		_, err := f.repo.TransitionState(ctx, u.ID, domain.LeaseableStates, domain.UploadReassembling)
		require.NoError(t, err)
		require.NoError(t, f.repo.Update(ctx, &domain.Upload{ID: u.ID, State: domain.UploadComplete, FinalPath: "/assembled"}))
	}}
	svc := NewUploadService(racing, f.staging, storage.NewLocalStorage(), f.opts)

	_, err := svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: 10}, bytes.NewReader(pattern(5, 0)))
	assert.ErrorIs(err, ErrSessionComplete)

	// The straggler does not keep the staging directory alive
	assert.NoDirExists(f.staging.Dir(upload.StagingName))
}

////////////////////////////////////////////////////////////////////////////////
// SNIFFING

func Test_WriteChunk_SniffContent(t *testing.T) {
	f := newFixture(t, func(o *UploadOptions) {
		o.SniffContent = true
		o.AllowedMimeTypes = []string{"application/pdf"}
	})
	ctx := context.Background()

	pdf := append([]byte("%PDF-1.4\n"), pattern(200, 0)...)
	upload, err := f.svc.Initiate(ctx, primitive.NilObjectID, InitiateRequest{FileName: "doc", Extension: "pdf", Size: int64(len(pdf)), MimeType: "application/pdf"})
	require.NoError(t, err)

	result, err := f.svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: int64(len(pdf))}, bytes.NewReader(pdf))
	require.NoError(t, err)
	require.True(t, result.Complete)
	data, err := os.ReadFile(result.Upload.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, pdf, data)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	upload, err = f.svc.Initiate(ctx, primitive.NilObjectID, InitiateRequest{FileName: "disguised", Extension: "pdf", Size: int64(len(png)), MimeType: "application/pdf"})
	require.NoError(t, err)
	_, err = f.svc.WriteChunk(ctx, upload.StagingName, ChunkHeaders{Offset: 0, Length: int64(len(png))}, bytes.NewReader(png))
	assert.ErrorIs(t, err, ErrValidation)
}

////////////////////////////////////////////////////////////////////////////////
// RECORDS

func Test_Open(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	upload := f.initiate(t, 64)
	_, err := f.svc.Open(ctx, upload.StagingName)
	assert.ErrorIs(err, ErrUploadIncomplete)

	content := pattern(64, 1)
	f.send(t, upload, 0, content)

	download, err := f.svc.Open(ctx, upload.StagingName)
	require.NoError(t, err)
	defer download.Body.Close()
	assert.Empty(download.RedirectURL)
	assert.Equal(int64(64), download.Size)
	data, err := io.ReadAll(download.Body)
	require.NoError(t, err)
	assert.Equal(content, data)
}

func Test_Delete(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	upload := f.initiate(t, 64)
	result := f.send(t, upload, 0, pattern(64, 2))
	require.True(t, result.Complete)

	require.NoError(t, f.svc.Delete(ctx, upload.StagingName))
	assert.NoFileExists(result.Upload.FinalPath)
	_, err := f.svc.Get(ctx, upload.StagingName)
	assert.ErrorIs(err, ErrSessionNotFound)

	assert.ErrorIs(f.svc.Delete(ctx, upload.StagingName), ErrSessionNotFound)
}

func Test_PurgeStale(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	abandoned := f.initiate(t, 100)
	f.send(t, abandoned, 0, pattern(50, 0))

	finished := f.initiate(t, 10)
	f.send(t, finished, 0, pattern(10, 0))

	purged, err := f.svc.PurgeStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(1, purged)

	assert.NoDirExists(f.staging.Dir(abandoned.StagingName))
	_, err = f.svc.Get(ctx, abandoned.StagingName)
	assert.ErrorIs(err, ErrSessionNotFound)

	_, err = f.svc.Get(ctx, finished.StagingName)
	assert.NoError(err)

	purged, err = f.svc.PurgeStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(purged)
}

func Test_PurgeStale_KeepsActiveSessions(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	upload := f.initiate(t, 300)
	f.send(t, upload, 0, pattern(100, 0))

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)

	result := f.send(t, upload, 100, pattern(100, 1))
	require.False(t, result.Complete)

	purged, err := f.svc.PurgeStale(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(purged)

	assert.DirExists(f.staging.Dir(upload.StagingName))
	stored, err := f.svc.Get(ctx, upload.StagingName)
	require.NoError(t, err)
	assert.Equal(domain.UploadReceiving, stored.State)
	assert.True(stored.UpdatedAt.After(cutoff))
}

func Test_ErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrSessionBusy, ErrSessionComplete))
	assert.False(t, errors.Is(ErrEmptyChunk, ErrStorage))
	assert.True(t, errors.Is(validationError("x"), ErrValidation))
	assert.True(t, errors.Is(storageError("op", io.EOF), ErrStorage))
}
