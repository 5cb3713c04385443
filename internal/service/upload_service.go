package service

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/repository"
	"alcyxob/course-portal/internal/storage"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "alcyxob/course-portal/service"

// sniffBytes is how much of the first chunk is inspected for its content type.
const sniffBytes = 3072

var extensionPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)

// InitiateRequest is the client-declared description of an upload.
type InitiateRequest struct {
	FileName  string
	Extension string
	Size      int64
	MimeType  string
}

// Download is what the transport needs to serve a finished upload: either a
// redirect to the disk, or a stream.
type Download struct {
	Upload      *domain.Upload
	RedirectURL string
	Body        io.ReadCloser
	Size        int64
}

// UploadService runs the chunked upload pipeline.
type UploadService interface {
	Initiate(ctx context.Context, ownerID primitive.ObjectID, req InitiateRequest) (*domain.Upload, error)
	WriteChunk(ctx context.Context, stagingName string, headers ChunkHeaders, body io.Reader) (*ChunkResult, error)
	Offset(ctx context.Context, stagingName string) (int64, error)
	Reassemble(ctx context.Context, stagingName string) (*domain.Upload, error)
	Get(ctx context.Context, stagingName string) (*domain.Upload, error)
	Open(ctx context.Context, stagingName string) (*Download, error)
	Delete(ctx context.Context, stagingName string) error
	PurgeStale(ctx context.Context, before time.Time) (int, error)
}

// UploadOptions configures an UploadService.
type UploadOptions struct {
	FinalDir         string
	MaxSize          int64
	AllowedMimeTypes []string
	PublicBaseURL    string
	SniffContent     bool
	PresignExpiry    time.Duration
	Logger           *slog.Logger
}

// uploadService implements the UploadService interface.
type uploadService struct {
	uploadRepo repository.UploadRepository
	staging    *storage.Staging
	disk       storage.FileStorage
	disks      map[string]storage.FileStorage
	opts       UploadOptions
	allowed    map[string]bool
	logger     *slog.Logger

	tracer       trace.Tracer
	chunkBytes   metric.Int64Counter
	reassembled  metric.Int64Counter
	reassemblyKO metric.Int64Counter
}

// NewUploadService creates a new instance of uploadService. Finished uploads are
// published to disk; records written under another disk kind stay readable
// as long as that kind is "local".
func NewUploadService(uploadRepo repository.UploadRepository, staging *storage.Staging, disk storage.FileStorage, opts UploadOptions) UploadService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(opts.AllowedMimeTypes))
	for _, m := range opts.AllowedMimeTypes {
		allowed[strings.ToLower(strings.TrimSpace(m))] = true
	}

	local := storage.NewLocalStorage()
	s := &uploadService{
		uploadRepo: uploadRepo,
		staging:    staging,
		disk:       disk,
		disks:      map[string]storage.FileStorage{local.Kind(): local, disk.Kind(): disk},
		opts:       opts,
		allowed:    allowed,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	s.initMetrics(otel.Meter(instrumentationName))
	return s
}

func (s *uploadService) initMetrics(meter metric.Meter) {
	var err error
	if s.chunkBytes, err = meter.Int64Counter("uploads.chunk.bytes", metric.WithUnit("By")); err != nil {
		s.logger.Warn("metric unavailable", "name", "uploads.chunk.bytes", "error", err)
		s.chunkBytes = noop.Int64Counter{}
	}
	if s.reassembled, err = meter.Int64Counter("uploads.reassembled"); err != nil {
		s.logger.Warn("metric unavailable", "name", "uploads.reassembled", "error", err)
		s.reassembled = noop.Int64Counter{}
	}
	if s.reassemblyKO, err = meter.Int64Counter("uploads.reassembly.failures"); err != nil {
		s.logger.Warn("metric unavailable", "name", "uploads.reassembly.failures", "error", err)
		s.reassemblyKO = noop.Int64Counter{}
	}
}

// === Initiate ===

// Initiate validates the declared metadata, reserves a staging name and
// creates the record. Invalid requests never create a staging directory.
func (s *uploadService) Initiate(ctx context.Context, ownerID primitive.ObjectID, req InitiateRequest) (*domain.Upload, error) {
	mimeType, err := s.validateInitiate(&req)
	if err != nil {
		return nil, err
	}

	stagingName, err := s.staging.Allocate()
	if err != nil {
		if errors.Is(err, storage.ErrAllocationExhausted) {
			s.logger.Error("staging name allocation exhausted", "error", err)
			return nil, ErrAllocationExhausted
		}
		return nil, storageError("allocate staging directory", err)
	}

	upload := &domain.Upload{
		StagingName:  stagingName,
		FilePrefix:   uuid.NewString(),
		OriginalName: req.FileName,
		Extension:    req.Extension,
		MimeType:     mimeType,
		DeclaredSize: req.Size,
		DiskKind:     s.disk.Kind(),
		State:        domain.UploadInitiated,
		OwnerID:      ownerID,
	}

	id, err := s.uploadRepo.Create(ctx, upload)
	if err != nil {
		// Release the reservation; the name was never handed out
		if purgeErr := s.staging.Purge(stagingName); purgeErr != nil {
			s.logger.Warn("failed to release staging directory", "staging_name", stagingName, "error", purgeErr)
		}
		return nil, storageError("create upload record", err)
	}
	upload.ID = id

	s.logger.Info("upload initiated", "staging_name", stagingName, "file_name", upload.FileName(), "size", req.Size, "mime_type", mimeType)
	return upload, nil
}

func (s *uploadService) validateInitiate(req *InitiateRequest) (string, error) {
	req.FileName = strings.TrimSpace(req.FileName)
	req.Extension = strings.TrimPrefix(strings.TrimSpace(req.Extension), ".")

	if req.FileName == "" || len(req.FileName) > 255 {
		return "", validationError("file_name must be 1 to 255 characters")
	}
	if strings.ContainsAny(req.FileName, `/\`) || strings.ContainsRune(req.FileName, 0) {
		return "", validationError("file_name must not contain path separators")
	}
	if !extensionPattern.MatchString(req.Extension) {
		return "", validationError("file_extension must be 1 to 16 letters or digits")
	}
	if req.Size <= 0 {
		return "", validationError("file_size must be positive")
	}
	if req.Size > s.opts.MaxSize {
		return "", validationError("file_size %d exceeds the maximum of %d bytes", req.Size, s.opts.MaxSize)
	}

	mediaType, _, err := mime.ParseMediaType(req.MimeType)
	if err != nil {
		return "", validationError("file_mime_type %q is malformed", req.MimeType)
	}
	if !s.allowed[mediaType] {
		return "", validationError("file_mime_type %q is not allowed", mediaType)
	}
	return mediaType, nil
}

// === Chunks ===

// WriteChunk stores one chunk and, when the staged ranges cover the declared
// length, reassembles the file within the same call.
func (s *uploadService) WriteChunk(ctx context.Context, stagingName string, headers ChunkHeaders, body io.Reader) (result *ChunkResult, err error) {
	ctx, span := s.tracer.Start(ctx, "UploadService.WriteChunk", trace.WithAttributes(
		attribute.String("upload.staging_name", stagingName),
		attribute.Int64("upload.offset", headers.Offset),
		attribute.String("upload.client_name", headers.Name),
	))
	defer func() { endSpan(span, err) }()

	upload, err := s.lookup(ctx, stagingName)
	if err != nil {
		return nil, err
	}
	if err := headers.checkAgainst(upload); err != nil {
		return nil, err
	}
	switch {
	case upload.State == domain.UploadComplete:
		return nil, ErrSessionComplete
	case !upload.AcceptsChunks():
		return nil, ErrSessionBusy
	}

	if s.opts.SniffContent && headers.Offset == 0 {
		if body, err = s.sniff(body); err != nil {
			return nil, err
		}
	}

	n, err := s.staging.WriteChunk(stagingName, headers.Offset, upload.DeclaredSize-headers.Offset, body)
	switch {
	case errors.Is(err, storage.ErrEmptyChunk):
		return nil, ErrEmptyChunk
	case errors.Is(err, storage.ErrChunkTooLarge):
		return nil, validationError("chunk at offset %d extends past the declared size %d", headers.Offset, upload.DeclaredSize)
	case err != nil:
		s.logger.Error("failed to write chunk", "staging_name", stagingName, "offset", headers.Offset, "error", err)
		return nil, storageError("write chunk", err)
	}
	s.chunkBytes.Add(ctx, n)

	// Refresh the activity time for the sweeper and re-read the state: a lease
	// taken after the check above may not have seen this chunk.
	upload, err = s.uploadRepo.Touch(ctx, upload.ID)
	if errors.Is(err, repository.ErrNotFound) {
		// Deleted meanwhile; the write may have recreated the directory
		if purgeErr := s.staging.Purge(stagingName); purgeErr != nil {
			s.logger.Warn("failed to remove staging directory", "staging_name", stagingName, "error", purgeErr)
		}
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storageError("touch upload record", err)
	}
	switch upload.State {
	case domain.UploadComplete:
		s.discardLateChunks(stagingName)
		return nil, ErrSessionComplete
	case domain.UploadReassembling:
		return nil, ErrSessionBusy
	case domain.UploadInitiated:
		// Losing this race to another chunk or to a lease is fine
		if _, err := s.uploadRepo.TransitionState(ctx, upload.ID, []domain.UploadState{domain.UploadInitiated}, domain.UploadReceiving); err != nil && !errors.Is(err, repository.ErrStateConflict) {
			return nil, storageError("mark upload receiving", err)
		}
	}

	ranges, err := s.staging.Ranges(stagingName)
	if err != nil {
		return nil, storageError("list chunks", err)
	}
	offset := domain.Contiguous(ranges, upload.AssembledBytes)
	result = &ChunkResult{Upload: upload, Offset: offset}

	if offset < upload.DeclaredSize {
		if domain.Reached(headers.Offset, n, upload.DeclaredSize) {
			s.logger.Debug("tail chunk received ahead of earlier ranges", "staging_name", stagingName, "contiguous", offset)
		}
		return result, nil
	}

	final, err := s.Reassemble(ctx, stagingName)
	if errors.Is(err, ErrSessionBusy) {
		// Another request holds the lease and will complete the upload
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return &ChunkResult{Upload: final, Offset: final.DeclaredSize, Complete: true}, nil
}

// sniff checks the content type of the first bytes against the allow-list and
// returns a reader that still yields the whole body.
func (s *uploadService) sniff(body io.Reader) (io.Reader, error) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, storageError("read chunk", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, ErrEmptyChunk
	}

	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		for allowed := range s.allowed {
			if m.Is(allowed) {
				return io.MultiReader(bytes.NewReader(head), body), nil
			}
		}
	}
	return nil, validationError("content type %q is not allowed", detected.String())
}

// Offset returns how many bytes from the start of the file the server holds.
func (s *uploadService) Offset(ctx context.Context, stagingName string) (int64, error) {
	upload, err := s.lookup(ctx, stagingName)
	if err != nil {
		return 0, err
	}
	if upload.State == domain.UploadComplete {
		return upload.DeclaredSize, nil
	}
	ranges, err := s.staging.Ranges(stagingName)
	if err != nil {
		return 0, storageError("list chunks", err)
	}
	return domain.Contiguous(ranges, upload.AssembledBytes), nil
}

// === Reassembly ===

// Reassemble claims the session and concatenates its chunks into the final
// file. Only one caller can hold the claim; the others get ErrSessionBusy.
func (s *uploadService) Reassemble(ctx context.Context, stagingName string) (upload *domain.Upload, err error) {
	ctx, span := s.tracer.Start(ctx, "UploadService.Reassemble", trace.WithAttributes(
		attribute.String("upload.staging_name", stagingName),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.lookup(ctx, stagingName)
	if err != nil {
		return nil, err
	}
	if current.State == domain.UploadComplete {
		return current, nil
	}

	upload, err = s.uploadRepo.TransitionState(ctx, current.ID, domain.LeaseableStates, domain.UploadReassembling)
	if errors.Is(err, repository.ErrStateConflict) {
		return nil, ErrSessionBusy
	}
	if err != nil {
		return nil, storageError("acquire reassembly lease", err)
	}

	// A previous failed attempt left AssembledBytes in the destination and
	// deleted the chunks it consumed, so it has to be continued, not redone.
	resume := upload.AssembledBytes > 0
	dest := s.assembledPath(upload)
	started := time.Now()

	written, err := s.staging.Assemble(stagingName, dest, upload.DeclaredSize, resume)
	if err != nil {
		s.fail(ctx, upload, written, err)
		return nil, fmt.Errorf("%w: %v", ErrReassembly, err)
	}

	location, err := s.disk.Publish(ctx, upload.StoredName(), dest, upload.MimeType)
	if err != nil {
		s.fail(ctx, upload, written, err)
		return nil, fmt.Errorf("%w: publish: %v", ErrReassembly, err)
	}

	now := time.Now().UTC()
	upload.FinalPath = location
	upload.FinalURL = s.finalURL(upload)
	upload.DiskKind = s.disk.Kind()
	upload.State = domain.UploadComplete
	upload.AssembledBytes = written
	upload.CompletedAt = &now
	if err := s.uploadRepo.Update(ctx, upload); err != nil {
		s.logger.Error("failed to record completed upload", "staging_name", stagingName, "error", err)
		return nil, storageError("update upload record", err)
	}

	if err := s.staging.Remove(stagingName); err != nil {
		s.discardLateChunks(stagingName)
	}

	s.reassembled.Add(ctx, 1)
	s.logger.Info("upload reassembled", "staging_name", stagingName, "bytes", written, "disk", upload.DiskKind, "duration", time.Since(started))
	return upload, nil
}

// discardLateChunks drops the staging directory of a completed upload together
// with chunks that arrived after reassembly listed them.
func (s *uploadService) discardLateChunks(stagingName string) {
	if err := s.staging.Purge(stagingName); err != nil {
		s.logger.Warn("failed to remove staging directory", "staging_name", stagingName, "error", err)
		return
	}
	s.logger.Info("discarded chunks received after completion", "staging_name", stagingName)
}

// fail parks the session in the failed state with the resume point recorded.
func (s *uploadService) fail(ctx context.Context, upload *domain.Upload, written int64, cause error) {
	s.reassemblyKO.Add(ctx, 1)
	s.logger.Error("reassembly failed", "staging_name", upload.StagingName, "assembled_bytes", written, "error", cause)

	upload.State = domain.UploadFailed
	upload.AssembledBytes = written
	if err := s.uploadRepo.Update(ctx, upload); err != nil {
		s.logger.Error("failed to record reassembly failure", "staging_name", upload.StagingName, "error", err)
	}
}

func (s *uploadService) assembledPath(upload *domain.Upload) string {
	return filepath.Join(s.opts.FinalDir, upload.StoredName())
}

func (s *uploadService) finalURL(upload *domain.Upload) string {
	return strings.TrimSuffix(s.opts.PublicBaseURL, "/") + "/api/v1/uploads/" + upload.StagingName + "/download"
}

// === Records ===

func (s *uploadService) Get(ctx context.Context, stagingName string) (*domain.Upload, error) {
	return s.lookup(ctx, stagingName)
}

// Open resolves a finished upload to a presigned URL when the disk offers one,
// or to a stream otherwise.
func (s *uploadService) Open(ctx context.Context, stagingName string) (*Download, error) {
	upload, err := s.lookup(ctx, stagingName)
	if err != nil {
		return nil, err
	}
	if !upload.IsComplete() {
		return nil, ErrUploadIncomplete
	}

	disk, err := s.diskFor(upload)
	if err != nil {
		return nil, err
	}

	url, err := disk.GeneratePresignedDownloadURL(ctx, upload.FinalPath, s.opts.PresignExpiry)
	if err == nil {
		return &Download{Upload: upload, RedirectURL: url}, nil
	}
	if !errors.Is(err, storage.ErrPresignUnsupported) {
		return nil, storageError("presign download", err)
	}

	body, size, err := disk.Open(ctx, upload.FinalPath)
	if err != nil {
		return nil, storageError("open final file", err)
	}
	return &Download{Upload: upload, Body: body, Size: size}, nil
}

// Delete removes the record, the final file and any staged chunks.
func (s *uploadService) Delete(ctx context.Context, stagingName string) error {
	upload, err := s.lookup(ctx, stagingName)
	if err != nil {
		return err
	}
	if upload.State == domain.UploadReassembling {
		return ErrSessionBusy
	}
	if err := s.discard(ctx, upload); err != nil {
		return err
	}
	s.logger.Info("upload deleted", "staging_name", stagingName)
	return nil
}

// PurgeStale deletes sessions that never completed and have been idle since before.
func (s *uploadService) PurgeStale(ctx context.Context, before time.Time) (int, error) {
	stale, err := s.uploadRepo.ListStale(ctx, before)
	if err != nil {
		return 0, storageError("list stale uploads", err)
	}

	purged := 0
	var errs []error
	for i := range stale {
		if err := s.discard(ctx, &stale[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", stale[i].StagingName, err))
			continue
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("purged stale uploads", "count", purged, "before", before)
	}
	return purged, errors.Join(errs...)
}

func (s *uploadService) discard(ctx context.Context, upload *domain.Upload) error {
	if upload.FinalPath != "" {
		disk, err := s.diskFor(upload)
		if err != nil {
			return err
		}
		if err := disk.DeleteObject(ctx, upload.FinalPath); err != nil {
			return storageError("delete final file", err)
		}
	} else if upload.FilePrefix != "" {
		// A partial destination may exist from a failed reassembly
		if err := os.Remove(s.assembledPath(upload)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return storageError("delete partial file", err)
		}
	}
	if err := s.staging.Purge(upload.StagingName); err != nil {
		return storageError("delete staging directory", err)
	}
	if err := s.uploadRepo.Delete(ctx, upload.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return storageError("delete upload record", err)
	}
	return nil
}

func (s *uploadService) diskFor(upload *domain.Upload) (storage.FileStorage, error) {
	disk, ok := s.disks[upload.DiskKind]
	if !ok {
		return nil, storageError("resolve disk", fmt.Errorf("disk %q is not configured", upload.DiskKind))
	}
	return disk, nil
}

// lookup resolves a public staging token to its record.
func (s *uploadService) lookup(ctx context.Context, stagingName string) (*domain.Upload, error) {
	if !storage.ValidToken(stagingName) {
		return nil, ErrSessionNotFound
	}
	upload, err := s.uploadRepo.GetByStagingName(ctx, stagingName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storageError("find upload", err)
	}
	return upload, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
