// Package objectstore is the engine's file/object storage collaborator: the
// engine addresses everything by bucket-relative key and never performs
// network IO itself. The substrate reads and writes datasets through the
// URIs a Store hands out.
package objectstore

import (
	"context"
	"errors"
)

var ErrNotExist = errors.New("object does not exist")

type Store interface {
	// List returns the keys of every object under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// ListDirs returns the names of the immediate subdirectories under
	// prefix, e.g. the destination-table directories of the ETL output
	// area.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// EnsureDir prepares a key prefix for writes by the substrate. A no-op
	// on flat object stores.
	EnsureDir(prefix string) error
	// URI resolves a key to the absolute location understood by the
	// relational substrate.
	URI(key string) string
	// Bucket is the store's bucket or root identifier.
	Bucket() string
}

// Factory resolves a bucket name to a Store. The engine uses separate
// buckets for deliveries and for vocabulary snapshots.
type Factory func(bucket string) (Store, error)
