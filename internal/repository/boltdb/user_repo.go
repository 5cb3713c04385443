package boltdb

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/repository"
	"context"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// boltUserRepository implements repository.UserRepository
type boltUserRepository struct {
	store *Store
}

// NewBoltUserRepository creates a User repository backed by the bbolt store.
func NewBoltUserRepository(store *Store) repository.UserRepository {
	return &boltUserRepository{store: store}
}

func (r *boltUserRepository) Create(ctx context.Context, user *domain.User) (primitive.ObjectID, error) {
	if user.Email == "" || user.PasswordHash == "" || user.Role == "" {
		return primitive.NilObjectID, errors.New("user email, password hash, and role are required")
	}

	user.ID = primitive.NewObjectID()
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := r.store.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(usersByEmail)
		if index.Get([]byte(user.Email)) != nil {
			return repository.ErrDuplicate
		}
		data, err := encode(user)
		if err != nil {
			return err
		}
		if err := tx.Bucket(usersBucket).Put([]byte(user.ID.Hex()), data); err != nil {
			return err
		}
		return index.Put([]byte(user.Email), []byte(user.ID.Hex()))
	})
	if err != nil {
		return primitive.NilObjectID, err
	}
	return user.ID, nil
}

func (r *boltUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user *domain.User
	err := r.store.db.View(func(tx *bolt.Tx) (err error) {
		id := tx.Bucket(usersByEmail).Get([]byte(email))
		if id == nil {
			return repository.ErrNotFound
		}
		user, err = getUser(tx, string(id))
		return err
	})
	return user, err
}

func (r *boltUserRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.User, error) {
	var user *domain.User
	err := r.store.db.View(func(tx *bolt.Tx) (err error) {
		user, err = getUser(tx, id.Hex())
		return err
	})
	return user, err
}

func getUser(tx *bolt.Tx, id string) (*domain.User, error) {
	data := tx.Bucket(usersBucket).Get([]byte(id))
	if data == nil {
		return nil, repository.ErrNotFound
	}
	var user domain.User
	if err := decode(data, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
