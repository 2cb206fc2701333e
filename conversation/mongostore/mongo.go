package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoCollection adapts a *mongo.Collection to the Collection interface,
// the production binding for Store (features/session/mongo/clients/mongo).
type MongoCollection struct {
	coll *mongo.Collection
}

// NewMongoCollection wraps coll, ensuring the client-id index used by
// FindByClient exists.
func NewMongoCollection(ctx context.Context, coll *mongo.Collection) (*MongoCollection, error) {
	idx := mongo.IndexModel{
		Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "updated_at", Value: -1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("mongostore: create index: %w", err)
	}
	return &MongoCollection{coll: coll}, nil
}

// FindOne implements Collection.
func (m *MongoCollection) FindOne(ctx context.Context, id string) (Document, bool, error) {
	var doc Document
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// FindByClient implements Collection.
func (m *MongoCollection) FindByClient(ctx context.Context, clientID string) ([]Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := m.coll.Find(ctx, bson.D{{Key: "client_id", Value: clientID}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Upsert implements Collection.
func (m *MongoCollection) Upsert(ctx context.Context, doc Document) error {
	filter := bson.D{{Key: "_id", Value: doc.ID}}
	update := bson.D{{Key: "$set", Value: doc}}
	_, err := m.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Delete implements Collection.
func (m *MongoCollection) Delete(ctx context.Context, id string) (bool, error) {
	res, err := m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}
