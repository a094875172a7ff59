package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/stepauth/internal/apperrors"
)

type EntryRepo struct {
	DB        DBTX
	Namespace string

	// Called by Close, usually releases the pool
	OnClose func()
}

const getEntry = `-- name: Get entry
SELECT value
FROM session_entries
WHERE namespace = $1 AND key = $2
`

func (r *EntryRepo) Get(ctx context.Context, key string) ([]byte, error) {
	rows, _ := r.DB.Query(ctx, getEntry, r.Namespace, key)
	value, err := pgx.CollectOneRow(rows, pgx.RowTo[[]byte])

	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("repo error: %w", apperrors.ErrKeyNotFound)
	default:
		return nil, classify(err)
	}
}

const upsertEntry = `-- name: Upsert entry
INSERT INTO session_entries (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE
SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`

// Put upserts all entries in one transaction
func (r *EntryRepo) Put(ctx context.Context, entries map[string][]byte) error {
	return inTx(ctx, r.DB, func(tx pgx.Tx) error {
		for key, value := range entries {
			if _, err := tx.Exec(ctx, upsertEntry, r.Namespace, key, value); err != nil {
				return classify(err)
			}
		}
		return nil
	})
}

const deleteEntries = `-- name: Delete entries
DELETE FROM session_entries
WHERE namespace = $1 AND key = ANY($2)
`

func (r *EntryRepo) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := r.DB.Exec(ctx, deleteEntries, r.Namespace, keys)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (r *EntryRepo) Close() error {
	if r.OnClose != nil {
		r.OnClose()
	}
	return nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("repo error: %w", apperrors.ErrStorageNotReady)
	}
	return fmt.Errorf("db error: %w", err)
}
