// Package store is the transactional home of the ledger: storage, the
// idempotency guard, and the ledger engine all live here, behind a
// single pgxpool-backed Store type that owns its own transaction
// boundaries end to end.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency key used with different payload")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAlreadyReversed     = errors.New("entry already reversed")
)

// Store is the sole entry point into the ledger's persistence layer.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// canonicalHash computes the SHA-256 digest over the RFC 8785 (JCS)
// canonical JSON form of v: object keys sorted lexicographically, stable
// number formatting. Used to derive a stable request hash for comparing
// idempotency-key replays against the original payload.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// mergeExtra returns a copy of base with the override keys applied on
// top, never mutating the caller's map (it may be the exact value sent
// to the idempotency hash).
func mergeExtra(base map[string]any, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// ctxCheckDone surfaces context cancellation/timeout before doing any DB
// work.
func ctxCheckDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
