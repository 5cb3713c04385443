package boltdb

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/repository"
	"context"
	"errors"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// boltUploadRepository implements repository.UploadRepository
type boltUploadRepository struct {
	store *Store
}

// NewBoltUploadRepository creates an Upload repository backed by the bbolt store.
func NewBoltUploadRepository(store *Store) repository.UploadRepository {
	return &boltUploadRepository{store: store}
}

func (r *boltUploadRepository) Create(ctx context.Context, upload *domain.Upload) (primitive.ObjectID, error) {
	if upload.StagingName == "" || upload.DeclaredSize <= 0 {
		return primitive.NilObjectID, errors.New("upload requires stagingName and a positive declaredSize")
	}

	upload.ID = primitive.NewObjectID()
	now := time.Now().UTC()
	upload.CreatedAt = now
	upload.UpdatedAt = now
	if upload.State == "" {
		upload.State = domain.UploadInitiated
	}

	err := r.store.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(uploadsByStagingName)
		if index.Get([]byte(upload.StagingName)) != nil {
			return repository.ErrDuplicate
		}
		if err := put(tx, upload); err != nil {
			return err
		}
		return index.Put([]byte(upload.StagingName), []byte(upload.ID.Hex()))
	})
	if err != nil {
		return primitive.NilObjectID, err
	}
	return upload.ID, nil
}

func (r *boltUploadRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Upload, error) {
	var upload *domain.Upload
	err := r.store.db.View(func(tx *bolt.Tx) (err error) {
		upload, err = get(tx, id.Hex())
		return err
	})
	return upload, err
}

func (r *boltUploadRepository) GetByStagingName(ctx context.Context, stagingName string) (*domain.Upload, error) {
	var upload *domain.Upload
	err := r.store.db.View(func(tx *bolt.Tx) (err error) {
		id := tx.Bucket(uploadsByStagingName).Get([]byte(stagingName))
		if id == nil {
			return repository.ErrNotFound
		}
		upload, err = get(tx, string(id))
		return err
	})
	return upload, err
}

// Update rewrites the mutable fields, keeping the immutable ones from the stored copy.
func (r *boltUploadRepository) Update(ctx context.Context, upload *domain.Upload) error {
	upload.UpdatedAt = time.Now().UTC()
	return r.store.db.Update(func(tx *bolt.Tx) error {
		stored, err := get(tx, upload.ID.Hex())
		if err != nil {
			return err
		}
		stored.FinalPath = upload.FinalPath
		stored.FinalURL = upload.FinalURL
		stored.DiskKind = upload.DiskKind
		stored.State = upload.State
		stored.AssembledBytes = upload.AssembledBytes
		stored.CompletedAt = upload.CompletedAt
		stored.UpdatedAt = upload.UpdatedAt
		return put(tx, stored)
	})
}

func (r *boltUploadRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	return r.store.db.Update(func(tx *bolt.Tx) error {
		stored, err := get(tx, id.Hex())
		if err != nil {
			return err
		}
		if err := tx.Bucket(uploadsByStagingName).Delete([]byte(stored.StagingName)); err != nil {
			return err
		}
		return tx.Bucket(uploadsBucket).Delete([]byte(id.Hex()))
	})
}

// TransitionState runs check-and-set inside one read-write transaction; bbolt
// serialises writers, so only one caller observes the old state.
func (r *boltUploadRepository) TransitionState(ctx context.Context, id primitive.ObjectID, from []domain.UploadState, to domain.UploadState) (*domain.Upload, error) {
	var upload *domain.Upload
	err := r.store.db.Update(func(tx *bolt.Tx) error {
		stored, err := get(tx, id.Hex())
		if err != nil {
			return err
		}
		if !slices.Contains(from, stored.State) {
			return repository.ErrStateConflict
		}
		stored.State = to
		stored.UpdatedAt = time.Now().UTC()
		upload = stored
		return put(tx, stored)
	})
	if err != nil {
		return nil, err
	}
	return upload, nil
}

func (r *boltUploadRepository) Touch(ctx context.Context, id primitive.ObjectID) (*domain.Upload, error) {
	var upload *domain.Upload
	err := r.store.db.Update(func(tx *bolt.Tx) error {
		stored, err := get(tx, id.Hex())
		if err != nil {
			return err
		}
		stored.UpdatedAt = time.Now().UTC()
		upload = stored
		return put(tx, stored)
	})
	if err != nil {
		return nil, err
	}
	return upload, nil
}

func (r *boltUploadRepository) ListStale(ctx context.Context, before time.Time) ([]domain.Upload, error) {
	var uploads []domain.Upload
	err := r.store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).ForEach(func(_, data []byte) error {
			var upload domain.Upload
			if err := decode(data, &upload); err != nil {
				return err
			}
			if upload.State != domain.UploadComplete && upload.UpdatedAt.Before(before) {
				uploads = append(uploads, upload)
			}
			return nil
		})
	})
	return uploads, err
}

func get(tx *bolt.Tx, id string) (*domain.Upload, error) {
	data := tx.Bucket(uploadsBucket).Get([]byte(id))
	if data == nil {
		return nil, repository.ErrNotFound
	}
	var upload domain.Upload
	if err := decode(data, &upload); err != nil {
		return nil, err
	}
	return &upload, nil
}

func put(tx *bolt.Tx, upload *domain.Upload) error {
	data, err := encode(upload)
	if err != nil {
		return err
	}
	return tx.Bucket(uploadsBucket).Put([]byte(upload.ID.Hex()), data)
}
