// Package tools defines the MongoDB tool catalog: input types, generated
// schemas, and handlers translating validated arguments into store
// operations.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mongo-mcp/internal/mcp"
	"mongo-mcp/internal/mongodb"
	"mongo-mcp/internal/schema"
)

// ListCollectionsInput has no arguments.
type ListCollectionsInput struct{}

// ListDocumentsInput selects a whole collection.
type ListDocumentsInput struct {
	Collection string `json:"collection" jsonschema:"required,description=Collection to read"`
	Limit      *int   `json:"limit,omitempty" jsonschema:"description=Maximum number of documents to return"`
}

// FindDocumentsInput selects documents by filter.
type FindDocumentsInput struct {
	Collection string         `json:"collection" jsonschema:"required,description=Collection to query"`
	Filter     map[string]any `json:"filter" jsonschema:"required,description=MongoDB query filter; use {} to match everything"`
	Limit      *int           `json:"limit,omitempty" jsonschema:"description=Maximum number of documents to return"`
}

// FindOneDocumentInput selects a single document by filter.
type FindOneDocumentInput struct {
	Collection string         `json:"collection" jsonschema:"required,description=Collection to query"`
	Filter     map[string]any `json:"filter" jsonschema:"required,description=MongoDB query filter identifying the document"`
}

// InsertDocumentInput carries a document to insert.
type InsertDocumentInput struct {
	Collection string         `json:"collection" jsonschema:"required,description=Collection to insert into"`
	Document   map[string]any `json:"document" jsonschema:"required,description=Document to insert"`
}

// UpdateDocumentsInput carries a filter and the fields to set. The update is
// wrapped in $set; callers pass plain field/value pairs.
type UpdateDocumentsInput struct {
	Collection string         `json:"collection" jsonschema:"required,description=Collection to update"`
	Filter     map[string]any `json:"filter" jsonschema:"required,description=MongoDB query filter selecting documents to update"`
	Update     map[string]any `json:"update" jsonschema:"required,description=Fields to set on matching documents ($set is applied automatically)"`
}

// DeleteDocumentInput selects a single document to delete.
type DeleteDocumentInput struct {
	Collection string         `json:"collection" jsonschema:"required,description=Collection to delete from"`
	Filter     map[string]any `json:"filter" jsonschema:"required,description=MongoDB query filter identifying the document to delete"`
}

// CountDocumentsInput counts documents matching an optional filter.
type CountDocumentsInput struct {
	Collection string         `json:"collection" jsonschema:"required,description=Collection to count"`
	Filter     map[string]any `json:"filter,omitempty" jsonschema:"description=Optional MongoDB query filter"`
}

// AggregateDocumentsInput runs an aggregation pipeline.
type AggregateDocumentsInput struct {
	Collection string `json:"collection" jsonschema:"required,description=Collection to aggregate"`
	Pipeline   []any  `json:"pipeline" jsonschema:"required,description=MongoDB aggregation pipeline stages"`
}

// Register populates the registry with the full MongoDB tool catalog backed
// by the given store. It is called once at process start.
func Register(reg *mcp.Registry, store mongodb.Store) error {
	catalog := []*mcp.Tool{
		{
			Name:        "list_collections",
			Description: "List the names of all collections in the database.",
			InputSchema: schema.Generate[ListCollectionsInput](),
			ReadOnly:    true,
			Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				names, err := store.Collections(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"collections": names}, nil
			},
		},
		{
			Name:        "list_documents",
			Description: "List all documents in a collection.",
			InputSchema: schema.Generate[ListDocumentsInput](),
			ReadOnly:    true,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in ListDocumentsInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				docs, err := store.Find(ctx, in.Collection, nil, limitOf(in.Limit))
				if err != nil {
					return nil, err
				}
				return map[string]any{"documents": emptyNotNull(docs)}, nil
			},
		},
		{
			Name:        "find_documents",
			Description: "Find documents in a collection matching a query filter.",
			InputSchema: schema.Generate[FindDocumentsInput](),
			ReadOnly:    true,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in FindDocumentsInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				docs, err := store.Find(ctx, in.Collection, in.Filter, limitOf(in.Limit))
				if err != nil {
					return nil, err
				}
				return map[string]any{"documents": emptyNotNull(docs)}, nil
			},
		},
		{
			Name:        "find_one_document",
			Description: "Find a single document matching a query filter.",
			InputSchema: schema.Generate[FindOneDocumentInput](),
			ReadOnly:    true,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in FindOneDocumentInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				doc, err := store.FindOne(ctx, in.Collection, in.Filter)
				if errors.Is(err, mongodb.ErrNotFound) {
					// A miss is an answer, not a fault.
					return map[string]any{"error": "document not found", "filter": in.Filter}, nil
				}
				if err != nil {
					return nil, err
				}
				return doc, nil
			},
		},
		{
			Name:        "insert_document",
			Description: "Insert a new document into a collection.",
			InputSchema: schema.Generate[InsertDocumentInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in InsertDocumentInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				id, err := store.Insert(ctx, in.Collection, in.Document)
				if err != nil {
					return nil, err
				}
				return map[string]any{"insertedId": id}, nil
			},
		},
		{
			Name:        "update_documents",
			Description: "Set fields on all documents matching a query filter.",
			InputSchema: schema.Generate[UpdateDocumentsInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in UpdateDocumentsInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				matched, modified, err := store.Update(ctx, in.Collection, in.Filter, in.Update)
				if err != nil {
					return nil, err
				}
				return map[string]any{"matched": matched, "modified": modified}, nil
			},
		},
		{
			Name:        "delete_document",
			Description: "Delete a single document matching a query filter.",
			InputSchema: schema.Generate[DeleteDocumentInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in DeleteDocumentInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				deleted, err := store.Delete(ctx, in.Collection, in.Filter)
				if err != nil {
					return nil, err
				}
				return map[string]any{"deleted": deleted}, nil
			},
		},
		{
			Name:        "count_documents",
			Description: "Count documents in a collection, optionally matching a filter.",
			InputSchema: schema.Generate[CountDocumentsInput](),
			ReadOnly:    true,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in CountDocumentsInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				n, err := store.Count(ctx, in.Collection, in.Filter)
				if err != nil {
					return nil, err
				}
				return map[string]any{"count": n}, nil
			},
		},
		{
			Name:        "aggregate_documents",
			Description: "Run an aggregation pipeline against a collection.",
			InputSchema: schema.Generate[AggregateDocumentsInput](),
			ReadOnly:    true,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in AggregateDocumentsInput
				if err := decode(args, &in); err != nil {
					return nil, err
				}
				docs, err := store.Aggregate(ctx, in.Collection, in.Pipeline)
				if err != nil {
					return nil, err
				}
				return map[string]any{"documents": emptyNotNull(docs)}, nil
			},
		},
	}

	for _, t := range catalog {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// decode unmarshals arguments that already passed schema validation; a
// failure here is an internal inconsistency, not a caller mistake.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode validated arguments: %w", err)
	}
	return nil
}

func limitOf(limit *int) int64 {
	if limit == nil {
		return 0
	}
	return int64(*limit)
}

// emptyNotNull keeps an empty result set serializing as [] rather than null.
func emptyNotNull(docs []map[string]any) []map[string]any {
	if docs == nil {
		return []map[string]any{}
	}
	return docs
}
