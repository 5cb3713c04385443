// Package boltdb implements the repositories on an embedded bbolt file, for
// single-node deployments and tests that should not need a MongoDB server.
package boltdb

import (
	"time"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	uploadsBucket        = []byte("uploads")
	uploadsByStagingName = []byte("uploads_by_staging_name")
	usersBucket          = []byte("users")
	usersByEmail         = []byte("users_by_email")
)

// Store wraps the bbolt database shared by the repositories.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt file at path and its buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{uploadsBucket, uploadsByStagingName, usersBucket, usersByEmail} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Records are stored as BSON so the same struct tags drive both backends.
func encode(v any) ([]byte, error) {
	return bson.Marshal(v)
}

func decode(data []byte, v any) error {
	return bson.Unmarshal(data, v)
}
