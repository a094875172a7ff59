// Package badger keeps entries in an embedded Badger database on local disk.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
)

type Config struct {
	// Directory for database files
	// Ignored if InMemory is set
	Dir string

	// Keep everything in memory, used by tests
	InMemory bool

	// Prefix applied to every key so several profiles may share one directory
	Namespace string
}

type EntryRepo struct {
	db     *badger.DB
	prefix string
}

func Open(cfg Config, l logger.Logger) (*EntryRepo, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, errors.New("badger: dir is required")
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(true).
		WithLogger(&badgerLogger{logger: l.With("component", "badger")})
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	prefix := ""
	if cfg.Namespace != "" {
		prefix = cfg.Namespace + "/"
	}

	return &EntryRepo{db: db, prefix: prefix}, nil
}

func (r *EntryRepo) key(k string) []byte {
	return []byte(r.prefix + k)
}

func (r *EntryRepo) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(key))
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})

	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, fmt.Errorf("repo error: %w", apperrors.ErrKeyNotFound)
	default:
		return nil, fmt.Errorf("badger: get %q: %w", key, err)
	}
}

// Put stores entries in one transaction
func (r *EntryRepo) Put(_ context.Context, entries map[string][]byte) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		for key, value := range entries {
			if err := txn.Set(r.key(key), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: put: %w", err)
	}
	return nil
}

func (r *EntryRepo) Delete(_ context.Context, keys ...string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(r.key(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: delete: %w", err)
	}
	return nil
}

func (r *EntryRepo) Close() error {
	return r.db.Close()
}

// badgerLogger adapts Logger to Badger's logger interface
type badgerLogger struct {
	logger logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
