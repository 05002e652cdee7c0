package cache

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for cache operations.
var (
	ErrZeroCapacity  = errors.New("cache: partition does not admit entries")
	ErrInvalidKey    = errors.New("cache: key is invalid")
	ErrProviderClose = errors.New("cache: provider is closed")
)

// Provider is the storage substrate the partition store is built on.
// It stores and retrieves serialized responses grouped by partition.
//
// Implementations must be thread-safe!
// Two concurrent writers to the same key must leave one of the two
// records in place, never a mix of both.
type Provider interface {
	// Get returns the record stored under key in the partition.
	// The boolean is false if no such record exists.
	Get(ctx context.Context, partition, key string) (Record, bool, error)
	// Put stores the record, fully replacing any record with the same key.
	// A replaced record moves to the newest position of the insertion order.
	Put(ctx context.Context, partition string, rec Record) error
	// Delete removes the record. Deleting a missing key is not an error.
	Delete(ctx context.Context, partition, key string) error
	// Has checks if the key exists in the partition.
	Has(ctx context.Context, partition, key string) (bool, error)
	// Index lists the records of a partition without their bytes,
	// oldest-inserted first.
	Index(ctx context.Context, partition string) ([]Record, error)
	// Partitions lists the names of all partitions holding at least one record.
	Partitions(ctx context.Context) ([]string, error)
	// DropPartition removes every record of the partition.
	DropPartition(ctx context.Context, partition string) error
	// Close releases the underlying resources.
	Close() error
}

// Record is what a Provider persists for one cache entry.
type Record struct {
	Key      string
	StoredAt time.Time
	// Revision is precache metadata; it is never part of the key.
	Revision string
	Bytes    []byte
}
