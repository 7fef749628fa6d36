// Package docstore defines the document-store port the rate limiter
// persists its counters through. It mirrors the operations of a
// partitioned document database: point read, conditional create,
// etag-guarded replace, delete, and partition-scoped query.
package docstore

import (
	"context"
	"errors"
)

// Standard error values for the conflict vocabulary shared by all
// implementations. Callers distinguish them with errors.Is.
var (
	// ErrNotFound is returned by Read and Replace when no document
	// exists for the given id and partition key.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrConflict is returned by Create when a document with the same
	// id already exists in the partition.
	ErrConflict = errors.New("docstore: document already exists")

	// ErrPreconditionFailed is returned by Replace when the supplied
	// etag no longer matches the stored document.
	ErrPreconditionFailed = errors.New("docstore: etag mismatch")
)

// Document is a single versioned JSON document.
type Document struct {
	// ID is unique within a partition.
	ID string

	// PartitionKey scopes the document. All counters for one rate-limit
	// key live in the same partition.
	PartitionKey string

	// ETag is an opaque version token, rotated on every successful
	// write. Empty on documents that have never been stored.
	ETag string

	// Data is the JSON payload.
	Data []byte

	// TTLSeconds is the document lifetime from its last write.
	// Zero or negative means no expiry.
	TTLSeconds int
}

// Store is the persistence contract required by the counter store.
//
// Implementations must return the sentinel errors above for the
// corresponding conditions and must never resurrect expired documents.
type Store interface {
	// Read returns the document with the given id and partition key.
	Read(ctx context.Context, id, partitionKey string) (Document, error)

	// Create inserts a new document, failing with ErrConflict when the
	// id already exists. The returned document carries the new etag.
	Create(ctx context.Context, doc Document) (Document, error)

	// Replace overwrites an existing document only if ifMatch equals
	// the stored etag. Fails with ErrNotFound when the document is
	// absent and ErrPreconditionFailed on a stale etag.
	Replace(ctx context.Context, doc Document, ifMatch string) (Document, error)

	// Upsert writes the document unconditionally, creating it when
	// absent.
	Upsert(ctx context.Context, doc Document) (Document, error)

	// Delete removes the document, failing with ErrNotFound when it
	// does not exist.
	Delete(ctx context.Context, id, partitionKey string) error

	// Query returns all live documents in the partition.
	Query(ctx context.Context, partitionKey string) ([]Document, error)
}
