package remote

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores each shard document as one Mongo document of the form
// {_id: document, fields: {field: value}}.
type Mongo struct {
	db *mongo.Database
}

// NewMongo returns a document store on db.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{db: db}
}

// Field names become part of a dotted update path, so path separators and
// operator prefixes are escaped.
var fieldEscaper = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")

func fieldPath(field string) string { return "fields." + fieldEscaper.Replace(field) }

func (m *Mongo) GetField(ctx context.Context, collection, document, field string) ([]byte, bool, error) {
	var raw bson.Raw
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": document},
		options.FindOne().SetProjection(bson.M{fieldPath(field): 1})).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rv, err := raw.LookupErr("fields", fieldEscaper.Replace(field))
	if err != nil {
		return nil, false, nil
	}
	s, ok := rv.StringValueOK()
	if !ok {
		return nil, false, nil
	}
	return []byte(s), true, nil
}

func (m *Mongo) AddOrUpdateField(ctx context.Context, collection, document, field string, value []byte) error {
	_, err := m.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": document},
		bson.M{"$set": bson.M{fieldPath(field): string(value)}},
		options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) RemoveField(ctx context.Context, collection, document, field string) error {
	_, err := m.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": document},
		bson.M{"$unset": bson.M{fieldPath(field): ""}})
	return err
}
