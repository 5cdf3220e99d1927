package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the document operation surface the tool handlers call. Filters,
// documents and pipelines are plain decoded JSON values; the store passes
// them to the driver unchanged, so the full query operator language is
// available to callers.
type Store interface {
	Collections(ctx context.Context) ([]string, error)
	Find(ctx context.Context, collection string, filter map[string]any, limit int64) ([]map[string]any, error)
	FindOne(ctx context.Context, collection string, filter map[string]any) (map[string]any, error)
	Insert(ctx context.Context, collection string, document map[string]any) (string, error)
	Update(ctx context.Context, collection string, filter, update map[string]any) (matched, modified int64, err error)
	Delete(ctx context.Context, collection string, filter map[string]any) (int64, error)
	Count(ctx context.Context, collection string, filter map[string]any) (int64, error)
	Aggregate(ctx context.Context, collection string, pipeline []any) ([]map[string]any, error)
}

// OpError is a store operation failure that is neither a timeout nor a
// transport fault — a malformed pipeline, a rejected operator, a duplicate
// key, and so on.
type OpError struct {
	Op         string
	Collection string
	Err        error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

type mongoStore struct {
	manager  *Manager
	database string
}

// NewStore returns a Store issuing operations through the manager's shared
// handle against the configured database.
func NewStore(m *Manager) Store {
	return &mongoStore{manager: m, database: m.cfg.Database}
}

func (s *mongoStore) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	client, err := s.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(s.database).Collection(name), nil
}

// classify maps a driver error into the taxonomy the dispatcher understands
// and marks the handle broken on transport faults.
func (s *mongoStore) classify(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", op, collection, ErrNotFound)
	}
	if IsDeadline(err) {
		return fmt.Errorf("%s %s: %w", op, collection, context.DeadlineExceeded)
	}
	s.manager.MarkBroken(err)
	if IsTransportFault(err) {
		return fmt.Errorf("%s %s: %w: %v", op, collection, ErrUnavailable, err)
	}
	return &OpError{Op: op, Collection: collection, Err: err}
}

func (s *mongoStore) Collections(ctx context.Context) ([]string, error) {
	client, err := s.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	names, err := client.Database(s.database).ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, s.classify("list collections", s.database, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *mongoStore) Find(ctx context.Context, collection string, filter map[string]any, limit int64) ([]map[string]any, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := coll.Find(ctx, normalizeFilter(filter), opts)
	if err != nil {
		return nil, s.classify("find", collection, err)
	}
	var docs []map[string]any
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.classify("find", collection, err)
	}
	for _, doc := range docs {
		stringifyID(doc)
	}
	return docs, nil
}

func (s *mongoStore) FindOne(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := coll.FindOne(ctx, normalizeFilter(filter)).Decode(&doc); err != nil {
		return nil, s.classify("find one", collection, err)
	}
	stringifyID(doc)
	return doc, nil
}

func (s *mongoStore) Insert(ctx context.Context, collection string, document map[string]any) (string, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return "", err
	}
	res, err := coll.InsertOne(ctx, document)
	if err != nil {
		return "", s.classify("insert", collection, err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprintf("%v", res.InsertedID), nil
}

func (s *mongoStore) Update(ctx context.Context, collection string, filter, update map[string]any) (int64, int64, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return 0, 0, err
	}
	// Callers supply plain field/value pairs; the $set wrapping matches the
	// exposed tool contract.
	res, err := coll.UpdateMany(ctx, normalizeFilter(filter), bson.M{"$set": update})
	if err != nil {
		return 0, 0, s.classify("update", collection, err)
	}
	return res.MatchedCount, res.ModifiedCount, nil
}

func (s *mongoStore) Delete(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteOne(ctx, normalizeFilter(filter))
	if err != nil {
		return 0, s.classify("delete", collection, err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) Count(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, normalizeFilter(filter))
	if err != nil {
		return 0, s.classify("count", collection, err)
	}
	return n, nil
}

func (s *mongoStore) Aggregate(ctx context.Context, collection string, pipeline []any) ([]map[string]any, error) {
	coll, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Aggregate(ctx, bson.A(pipeline))
	if err != nil {
		return nil, s.classify("aggregate", collection, err)
	}
	var docs []map[string]any
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.classify("aggregate", collection, err)
	}
	for _, doc := range docs {
		stringifyID(doc)
	}
	return docs, nil
}

func normalizeFilter(filter map[string]any) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return bson.M(filter)
}

// stringifyID replaces an ObjectID _id with its hex form so every document
// in a result is plain JSON.
func stringifyID(doc map[string]any) {
	if doc == nil {
		return
	}
	if oid, ok := doc["_id"].(primitive.ObjectID); ok {
		doc["_id"] = oid.Hex()
	}
}
