package mongo

import (
	"context"
	"errors"

	"e2ee_messenger/internal/repository/kv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	Store struct {
		collection *mongo.Collection
	}

	entry struct {
		Key   string `bson:"_id"`
		Value string `bson:"value"`
	}
)

func NewStore(db *mongo.Database) *Store {
	return &Store{
		collection: db.Collection("client_kv"),
	}
}

func (r *Store) Get(ctx context.Context, key string) (string, error) {
	var e entry
	err := r.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

func (r *Store) Set(ctx context.Context, key, value string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *Store) Remove(ctx context.Context, key string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// Connect dials uri and pings it before returning the database handle.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return client.Database(database), client.Disconnect, nil
}
