package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// guardOutcome is the idempotency guard's contract: Fresh, Duplicate
// (entry) or Conflict.
type guardOutcome int

const (
	guardFresh guardOutcome = iota
	guardDuplicate
	guardConflict
)

// reserveIdempotency is the guard's pre-check-and-reserve step. It must
// run inside the caller's transaction; it first takes the per-key
// advisory lock (held until that transaction ends), so that two
// concurrent holders of the same key never race past this point
// simultaneously.
func reserveIdempotency(ctx context.Context, tx pgx.Tx, key, requestHash string) (guardOutcome, *uuid.UUID, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return guardFresh, nil, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO idempotency_guard(key, request_hash, status)
		 VALUES($1, $2, 'RESERVED')
		 ON CONFLICT (key) DO NOTHING`,
		key, requestHash,
	)
	if err != nil {
		return guardFresh, nil, err
	}
	if tag.RowsAffected() > 0 {
		return guardFresh, nil, nil
	}

	var existingHash, status string
	var entryID *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT request_hash, status, entry_id FROM idempotency_guard WHERE key = $1`,
		key,
	).Scan(&existingHash, &status, &entryID)
	if err != nil {
		return guardFresh, nil, err
	}

	if existingHash != requestHash {
		return guardConflict, nil, nil
	}
	if status == "COMMITTED" {
		if entryID == nil {
			return guardFresh, nil, fmt.Errorf("%w: idempotency row committed without entry_id", ErrValidation)
		}
		return guardDuplicate, entryID, nil
	}

	// A RESERVED row with a matching hash and no terminal commit means
	// the original attempt never finished (crashed or rolled back). The
	// advisory lock we hold rules out a live concurrent writer, so it is
	// safe to reuse the reservation and proceed as Fresh.
	return guardFresh, nil, nil
}

// commitIdempotency binds the reserved key to the entry it produced.
func commitIdempotency(ctx context.Context, tx pgx.Tx, key string, entryID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE idempotency_guard SET status = 'COMMITTED', entry_id = $2 WHERE key = $1`,
		key, entryID,
	)
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the race the guard's second line of defense catches
// when two reservations of the same key lose the advisory lock race in
// the wrong order relative to the ledger_entries insert.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
