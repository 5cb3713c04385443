package boltdb

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/repository"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newUpload(stagingName string) *domain.Upload {
	return &domain.Upload{
		StagingName:  stagingName,
		FilePrefix:   "prefix-" + stagingName,
		OriginalName: "syllabus",
		Extension:    "pdf",
		MimeType:     "application/pdf",
		DeclaredSize: 1024,
		DiskKind:     domain.DiskLocal,
	}
}

////////////////////////////////////////////////////////////////////////////////
// UPLOADS

func Test_BoltUpload_CreateAndGet(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	id, err := repo.Create(ctx, newUpload("aaaa"))
	require.NoError(t, err)
	assert.False(id.IsZero())

	byID, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal("aaaa", byID.StagingName)
	assert.Equal("prefix-aaaa", byID.FilePrefix)
	assert.Equal(domain.UploadInitiated, byID.State)
	assert.Equal(int64(1024), byID.DeclaredSize)

	byName, err := repo.GetByStagingName(ctx, "aaaa")
	require.NoError(t, err)
	assert.Equal(id, byName.ID)

	_, err = repo.GetByStagingName(ctx, "missing")
	assert.ErrorIs(err, repository.ErrNotFound)
	_, err = repo.GetByID(ctx, primitive.NewObjectID())
	assert.ErrorIs(err, repository.ErrNotFound)
}

func Test_BoltUpload_DuplicateStagingName(t *testing.T) {
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	_, err := repo.Create(ctx, newUpload("dup"))
	require.NoError(t, err)
	_, err = repo.Create(ctx, newUpload("dup"))
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func Test_BoltUpload_UpdateKeepsImmutableFields(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	id, err := repo.Create(ctx, newUpload("bbbb"))
	require.NoError(t, err)

	now := time.Now().UTC()
	err = repo.Update(ctx, &domain.Upload{
		ID:           id,
		StagingName:  "changed",
		DeclaredSize: 1,
		FinalPath:    "/final/x.pdf",
		FinalURL:     "http://localhost/x",
		DiskKind:     domain.DiskLocal,
		State:        domain.UploadComplete,
		CompletedAt:  &now,
	})
	require.NoError(t, err)

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal("bbbb", stored.StagingName)
	assert.Equal(int64(1024), stored.DeclaredSize)
	assert.Equal("/final/x.pdf", stored.FinalPath)
	assert.True(stored.IsComplete())
	assert.NotNil(stored.CompletedAt)

	assert.ErrorIs(repo.Update(ctx, &domain.Upload{ID: primitive.NewObjectID()}), repository.ErrNotFound)
}

func Test_BoltUpload_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	id, err := repo.Create(ctx, newUpload("cccc"))
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, id))

	_, err = repo.GetByStagingName(ctx, "cccc")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, id), repository.ErrNotFound)

	// the staging name is free again once the record is gone
	_, err = repo.Create(ctx, newUpload("cccc"))
	assert.NoError(t, err)
}

func Test_BoltUpload_TransitionState(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	id, err := repo.Create(ctx, newUpload("dddd"))
	require.NoError(t, err)

	upload, err := repo.TransitionState(ctx, id, domain.LeaseableStates, domain.UploadReassembling)
	require.NoError(t, err)
	assert.Equal(domain.UploadReassembling, upload.State)

	_, err = repo.TransitionState(ctx, id, domain.LeaseableStates, domain.UploadReassembling)
	assert.ErrorIs(err, repository.ErrStateConflict)

	_, err = repo.TransitionState(ctx, primitive.NewObjectID(), domain.LeaseableStates, domain.UploadReassembling)
	assert.ErrorIs(err, repository.ErrNotFound)
}

func Test_BoltUpload_TransitionStateSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	id, err := repo.Create(ctx, newUpload("eeee"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.TransitionState(ctx, id, domain.LeaseableStates, domain.UploadReassembling); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func Test_BoltUpload_ListStale(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	pendingID, err := repo.Create(ctx, newUpload("pending"))
	require.NoError(t, err)
	doneID, err := repo.Create(ctx, newUpload("done"))
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, &domain.Upload{ID: doneID, State: domain.UploadComplete, FinalPath: "/x"}))

	stale, err := repo.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(pendingID, stale[0].ID)

	stale, err = repo.ListStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(stale)
}

func Test_BoltUpload_Touch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	repo := NewBoltUploadRepository(openStore(t))

	id, err := repo.Create(ctx, newUpload("active"))
	require.NoError(t, err)
	_, err = repo.TransitionState(ctx, id, []domain.UploadState{domain.UploadInitiated}, domain.UploadReceiving)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)

	stale, err := repo.ListStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	touched, err := repo.Touch(ctx, id)
	require.NoError(t, err)
	assert.Equal(domain.UploadReceiving, touched.State)
	assert.True(touched.UpdatedAt.After(cutoff))

	stale, err = repo.ListStale(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(stale)

	_, err = repo.Touch(ctx, primitive.NewObjectID())
	assert.ErrorIs(err, repository.ErrNotFound)
}

////////////////////////////////////////////////////////////////////////////////
// USERS

func Test_BoltUser_CreateAndGet(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	repo := NewBoltUserRepository(openStore(t))

	id, err := repo.Create(ctx, &domain.User{Name: "Ada", Email: "ada@example.com", PasswordHash: "x", Role: domain.RoleAdmin})
	require.NoError(t, err)

	user, err := repo.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(id, user.ID)
	assert.True(user.IsAdmin())

	_, err = repo.GetByID(ctx, id)
	assert.NoError(err)

	_, err = repo.Create(ctx, &domain.User{Email: "ada@example.com", PasswordHash: "y", Role: domain.RoleInstructor})
	assert.ErrorIs(err, repository.ErrDuplicate)

	_, err = repo.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(err, repository.ErrNotFound)
}
