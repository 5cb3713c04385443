package mongo

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/repository"
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const uploadCollectionName = "uploads"

// mongoUploadRepository implements repository.UploadRepository
type mongoUploadRepository struct {
	collection *mongo.Collection
}

// NewMongoUploadRepository creates a new Upload repository backed by MongoDB.
func NewMongoUploadRepository(db *mongo.Database) repository.UploadRepository {
	return &mongoUploadRepository{
		collection: db.Collection(uploadCollectionName),
	}
}

// Create inserts a new upload record in the "initiated" state.
func (r *mongoUploadRepository) Create(ctx context.Context, upload *domain.Upload) (primitive.ObjectID, error) {
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

	result, err := r.collection.InsertOne(ctx, upload)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, repository.ErrDuplicate
		}
		return primitive.NilObjectID, err
	}

	insertedID, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, errors.New("failed to convert inserted ID")
	}
	return insertedID, nil
}

// GetByID retrieves an upload record by its ID.
func (r *mongoUploadRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Upload, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// GetByStagingName retrieves an upload record by its public staging token.
func (r *mongoUploadRepository) GetByStagingName(ctx context.Context, stagingName string) (*domain.Upload, error) {
	return r.findOne(ctx, bson.M{"stagingName": stagingName})
}

func (r *mongoUploadRepository) findOne(ctx context.Context, filter bson.M) (*domain.Upload, error) {
	var upload domain.Upload
	err := r.collection.FindOne(ctx, filter).Decode(&upload)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &upload, nil
}

// Update replaces the mutable fields of an upload record.
// stagingName, declaredSize and createdAt are never rewritten.
func (r *mongoUploadRepository) Update(ctx context.Context, upload *domain.Upload) error {
	upload.UpdatedAt = time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"finalPath":      upload.FinalPath,
			"finalUrl":       upload.FinalURL,
			"diskKind":       upload.DiskKind,
			"state":          upload.State,
			"assembledBytes": upload.AssembledBytes,
			"completedAt":    upload.CompletedAt,
			"updatedAt":      upload.UpdatedAt,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": upload.ID}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes an upload record.
func (r *mongoUploadRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TransitionState is a conditional single-document update: the filter pins the
// current state, so of two concurrent callers only one matches.
func (r *mongoUploadRepository) TransitionState(ctx context.Context, id primitive.ObjectID, from []domain.UploadState, to domain.UploadState) (*domain.Upload, error) {
	filter := bson.M{"_id": id, "state": bson.M{"$in": from}}
	update := bson.M{"$set": bson.M{"state": to, "updatedAt": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var upload domain.Upload
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&upload)
	if err == nil {
		return &upload, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	// Distinguish "no such record" from "record in another state"
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrStateConflict
}

// Touch bumps updatedAt so the sweeper sees the session as active.
func (r *mongoUploadRepository) Touch(ctx context.Context, id primitive.ObjectID) (*domain.Upload, error) {
	update := bson.M{"$set": bson.M{"updatedAt": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var upload domain.Upload
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&upload)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &upload, nil
}

// ListStale returns uploads that never completed and have not been touched since before.
func (r *mongoUploadRepository) ListStale(ctx context.Context, before time.Time) ([]domain.Upload, error) {
	filter := bson.M{
		"state":     bson.M{"$ne": domain.UploadComplete},
		"updatedAt": bson.M{"$lt": before},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var uploads []domain.Upload
	if err = cursor.All(ctx, &uploads); err != nil {
		return nil, err
	}
	return uploads, nil
}

// EnsureUploadIndexes creates necessary indexes for the uploads collection.
func EnsureUploadIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexes := []mongo.IndexModel{
		{
			// The staging token is the public handle; lookups and uniqueness both depend on it
			Keys:    bson.D{{Key: "stagingName", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Sweeper query
			Keys:    bson.D{{Key: "state", Value: 1}, {Key: "updatedAt", Value: 1}},
			Options: options.Index(),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}
