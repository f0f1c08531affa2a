package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/fedlogin/domain"
)

// FederatedIdentityRepositoryMongo implements
// domain.FederatedIdentityRepository. The unique indexes here are what
// make first-login account creation race-free: a concurrent duplicate
// insert fails with domain.ErrAlreadyExists instead of producing a
// second mapping.
type FederatedIdentityRepositoryMongo struct {
	collection *mongo.Collection
}

func NewFederatedIdentityRepository(ctx context.Context, db *mongo.Database) (domain.FederatedIdentityRepository, error) {
	repo := &FederatedIdentityRepositoryMongo{
		collection: db.Collection(FederatedIdentitiesCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			// A given external subject maps to at most one local user.
			Keys:    bson.D{{Key: "subject", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// A local user carries at most one active mapping.
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("failed to create %s indexes: %w", FederatedIdentitiesCollection, err)
	}
	return repo, nil
}

func (r *FederatedIdentityRepositoryMongo) Create(ctx context.Context, identity *domain.FederatedIdentity) error {
	if identity.Subject == "" {
		return errors.New("subject is required for a federated identity")
	}
	if identity.ID == "" {
		identity.ID = bson.NewObjectID().Hex()
	}
	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, identity)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *FederatedIdentityRepositoryMongo) GetBySubject(ctx context.Context, subject string) (*domain.FederatedIdentity, error) {
	var identity domain.FederatedIdentity
	err := r.collection.FindOne(ctx, bson.M{"subject": subject}).Decode(&identity)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (r *FederatedIdentityRepositoryMongo) GetByUserID(ctx context.Context, userID string) (*domain.FederatedIdentity, error) {
	var identity domain.FederatedIdentity
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&identity)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// UpdateProfile syncs the last-seen provider profile onto an existing
// mapping. It never creates a mapping.
func (r *FederatedIdentityRepositoryMongo) UpdateProfile(ctx context.Context, subject string, profile map[string]any) error {
	update := bson.M{"$set": bson.M{
		"profile":    profile,
		"updated_at": time.Now().UTC(),
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"subject": subject}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *FederatedIdentityRepositoryMongo) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.FederatedIdentityRepository = (*FederatedIdentityRepositoryMongo)(nil)
