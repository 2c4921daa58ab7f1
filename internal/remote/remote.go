// Package remote is the boundary to the remote document store attendance is
// reconciled into. Documents are addressed as collection/document/field and
// large collections are split across shard documents by academic level.
package remote

import (
	"context"
	"errors"
)

var (
	ErrNotFound         = errors.New("remote: field not found")
	ErrUnknownPartition = errors.New("remote: unknown partition")
	ErrUnavailable      = errors.New("remote: store unavailable")
)

// DocumentStore reads and writes single fields of remote documents.
type DocumentStore interface {
	// GetField returns the field value and whether it exists.
	GetField(ctx context.Context, collection, document, field string) ([]byte, bool, error)
	AddOrUpdateField(ctx context.Context, collection, document, field string, value []byte) error
	RemoveField(ctx context.Context, collection, document, field string) error
}
