package repository

import (
	"alcyxob/course-portal/internal/domain"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Error constants for repository layer
var (
	ErrNotFound      = RepositoryError("not found")
	ErrDuplicate     = RepositoryError("duplicate key")
	ErrStateConflict = RepositoryError("state conflict")
	ErrUpdateFailed  = RepositoryError("update failed")
)

// RepositoryError helps distinguish repository errors
type RepositoryError string

func (e RepositoryError) Error() string {
	return string(e)
}

// UserRepository defines the interface for interacting with staff accounts.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) (primitive.ObjectID, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*domain.User, error)
}

// UploadRepository is the metadata gateway for upload records. Every call is a
// single-document operation; nothing here is transactional with the filesystem.
type UploadRepository interface {
	Create(ctx context.Context, upload *domain.Upload) (primitive.ObjectID, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Upload, error)
	GetByStagingName(ctx context.Context, stagingName string) (*domain.Upload, error)
	Update(ctx context.Context, upload *domain.Upload) error
	Delete(ctx context.Context, id primitive.ObjectID) error

	// TransitionState moves the record to `to` only if its current state is one
	// of `from`. It returns the updated record, or ErrStateConflict when the
	// record exists but is in another state.
	TransitionState(ctx context.Context, id primitive.ObjectID, from []domain.UploadState, to domain.UploadState) (*domain.Upload, error)

	// Touch marks the record as active now without changing anything else, and
	// returns the record as stored after the update.
	Touch(ctx context.Context, id primitive.ObjectID) (*domain.Upload, error)

	// ListStale returns non-complete uploads last updated before the cutoff.
	ListStale(ctx context.Context, before time.Time) ([]domain.Upload, error)
}
