package repository

import (
	"context"
)

// EntryRepo keeps small named values that must survive a process restart
type EntryRepo interface {
	// Get value by key
	// If key not exists must return apperrors.ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes all entries at once: either every entry is stored or none is
	Put(ctx context.Context, entries map[string][]byte) error

	// Delete keys; missing keys are not an error
	Delete(ctx context.Context, keys ...string) error

	Close() error
}
