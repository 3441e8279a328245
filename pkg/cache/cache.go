// Package cache defines the named, versioned cache store shared by every
// worker instance of an origin.
package cache

import (
	"context"
	"errors"

	"github.com/cocopilot/cocopilot/pkg/models"
)

// ErrNotFound is returned when a named generation does not exist.
var ErrNotFound = errors.New("cache: not found")

// Storage is the process-wide cache store. A generation is a named bucket of
// request/response snapshots; entries are keyed by models.RequestKey.
type Storage interface {
	// Open creates the named generation if it does not already exist.
	Open(ctx context.Context, name string) error
	// Has reports whether the named generation exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists every generation name in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a generation and all of its entries. It reports whether
	// the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Put stores one entry in an existing generation, replacing any entry with
	// the same key. It returns ErrNotFound when the generation is gone.
	Put(ctx context.Context, entry models.CacheEntry) error
	// PutAll stores entries atomically: either all of them are written or none.
	// Missing generations are opened.
	PutAll(ctx context.Context, entries []models.CacheEntry) error
	// Match looks a key up in the named generation, or in every generation
	// when name is empty.
	Match(ctx context.Context, name string, key models.RequestKey) (*models.CacheEntry, bool, error)
	// Entries lists the entries of a generation.
	Entries(ctx context.Context, name string) ([]models.CacheEntry, error)
	// Generations summarises every generation.
	Generations(ctx context.Context) ([]models.GenerationInfo, error)
	// Stats returns store-wide counters.
	Stats(ctx context.Context) (models.CacheStats, error)
	// ActiveVersion returns the version recorded by the last activation, or "".
	ActiveVersion(ctx context.Context) (string, error)
	// SetActiveVersion records the version that completed activation.
	SetActiveVersion(ctx context.Context, version string) error
	// Close releases resources.
	Close() error
}
