// Package memory is a process-local EntryRepo: nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nkiryanov/stepauth/internal/apperrors"
)

type EntryRepo struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewEntryRepo() *EntryRepo {
	return &EntryRepo{entries: make(map[string][]byte)}
}

func (r *EntryRepo) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("repo error: %w", apperrors.ErrKeyNotFound)
	}
	return slices.Clone(value), nil
}

func (r *EntryRepo) Put(_ context.Context, entries map[string][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, value := range entries {
		r.entries[key] = slices.Clone(value)
	}
	return nil
}

func (r *EntryRepo) Delete(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		delete(r.entries, key)
	}
	return nil
}

// Keys lists stored keys in sorted order
func (r *EntryRepo) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.entries))
}

func (r *EntryRepo) Close() error {
	return nil
}
