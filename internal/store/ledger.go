package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledger-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func validateUserID(userID string) error {
	if len(userID) == 0 || len(userID) > 255 {
		return fmt.Errorf("%w: user_id must be 1..255 bytes", ErrValidation)
	}
	return nil
}

func validateAmount(amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("%w: amount_cents must be positive", ErrValidation)
	}
	if amountCents > domain.MaxAmountCents {
		return fmt.Errorf("%w: amount_cents exceeds maximum allowed", ErrValidation)
	}
	return nil
}

var validRewardStatuses = map[domain.RewardStatus]bool{
	domain.RewardPending:   true,
	domain.RewardConfirmed: true,
	domain.RewardPaid:      true,
	domain.RewardReversed:  true,
}

func validateRewardStatus(status *domain.RewardStatus) error {
	if status != nil && !validRewardStatuses[*status] {
		return fmt.Errorf("%w: unknown reward_status %q", ErrValidation, *status)
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// =========================
// Credit
// =========================

// Credit appends a CREDIT entry and increases the user's balance in one
// transaction, returning (entry, was_duplicate).
func (s *Store) Credit(ctx context.Context, req domain.CreditRequest, idemKey string) (domain.LedgerEntry, bool, error) {
	if err := validateUserID(req.UserID); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if err := validateAmount(req.AmountCents); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if err := validateRewardStatus(req.RewardStatus); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if strings.TrimSpace(idemKey) == "" {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: missing idempotency key", ErrValidation)
	}

	requestHash, err := canonicalHash(req)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	defer tx.Rollback(ctx)

	outcome, existingID, err := reserveIdempotency(ctx, tx, idemKey, requestHash)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	switch outcome {
	case guardConflict:
		return domain.LedgerEntry{}, false, ErrIdempotencyConflict
	case guardDuplicate:
		entry, err := getEntryTx(ctx, tx, *existingID)
		if err != nil {
			return domain.LedgerEntry{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.LedgerEntry{}, false, err
		}
		return entry, true, nil
	}

	if _, err := lockOrCreateBalance(ctx, tx, req.UserID); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	entryID := uuid.New()
	now := nowUTC()

	rewardStatus := domain.RewardPending
	if req.RewardStatus != nil {
		rewardStatus = *req.RewardStatus
	}

	extra := mergeExtra(req.ExtraData, map[string]any{
		"request_hash": requestHash,
		"operation":    "credit",
		"timestamp":    now.Format(time.RFC3339Nano),
	})
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries(
			id, user_id, entry_type, amount_cents, reward_id, reward_status,
			idempotency_key, related_entry_id, extra_data, created_at
		) VALUES ($1,$2,'CREDIT',$3,$4,$5,$6,NULL,$7::jsonb,$8)`,
		entryID, req.UserID, req.AmountCents, req.RewardID, string(rewardStatus),
		idemKey, extraJSON, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.resolveIdempotencyRace(ctx, idemKey, requestHash)
		}
		return domain.LedgerEntry{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_balances SET balance_cents = balance_cents + $2, version = version + 1, updated_at = $3 WHERE user_id = $1`,
		req.UserID, req.AmountCents, now,
	); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	if err := commitIdempotency(ctx, tx, idemKey, entryID); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	return entryFromInsert(entryID, req.UserID, domain.EntryCredit, req.AmountCents, req.RewardID, &rewardStatus, idemKey, nil, extra, now), false, nil
}

// =========================
// Debit
// =========================

// Debit appends a DEBIT entry and decreases the user's balance, failing
// with ErrInsufficientFunds if the balance would go negative.
func (s *Store) Debit(ctx context.Context, req domain.DebitRequest, idemKey string) (domain.LedgerEntry, bool, error) {
	if err := validateUserID(req.UserID); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if err := validateAmount(req.AmountCents); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if strings.TrimSpace(idemKey) == "" {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: missing idempotency key", ErrValidation)
	}

	requestHash, err := canonicalHash(req)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	defer tx.Rollback(ctx)

	outcome, existingID, err := reserveIdempotency(ctx, tx, idemKey, requestHash)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	switch outcome {
	case guardConflict:
		return domain.LedgerEntry{}, false, ErrIdempotencyConflict
	case guardDuplicate:
		entry, err := getEntryTx(ctx, tx, *existingID)
		if err != nil {
			return domain.LedgerEntry{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.LedgerEntry{}, false, err
		}
		return entry, true, nil
	}

	balance, err := lockOrCreateBalance(ctx, tx, req.UserID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if balance.BalanceCents < req.AmountCents {
		return domain.LedgerEntry{}, false, ErrInsufficientFunds
	}

	entryID := uuid.New()
	now := nowUTC()

	extra := mergeExtra(req.ExtraData, map[string]any{
		"request_hash": requestHash,
		"operation":    "debit",
		"timestamp":    now.Format(time.RFC3339Nano),
	})
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries(
			id, user_id, entry_type, amount_cents, reward_id, reward_status,
			idempotency_key, related_entry_id, extra_data, created_at
		) VALUES ($1,$2,'DEBIT',$3,NULL,NULL,$4,NULL,$5::jsonb,$6)`,
		entryID, req.UserID, req.AmountCents, idemKey, extraJSON, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.resolveIdempotencyRace(ctx, idemKey, requestHash)
		}
		return domain.LedgerEntry{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_balances SET balance_cents = balance_cents - $2, version = version + 1, updated_at = $3 WHERE user_id = $1`,
		req.UserID, req.AmountCents, now,
	); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	if err := commitIdempotency(ctx, tx, idemKey, entryID); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	return entryFromInsert(entryID, req.UserID, domain.EntryDebit, req.AmountCents, nil, nil, idemKey, nil, extra, now), false, nil
}

// =========================
// Reverse
// =========================

// Reverse appends a REVERSAL entry offsetting the given original entry.
// A REVERSAL may not itself be reversed, and at most one REVERSAL may
// reference any given entry — chained reversals are disallowed.
func (s *Store) Reverse(ctx context.Context, req domain.ReversalRequest, idemKey string) (domain.LedgerEntry, bool, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if strings.TrimSpace(idemKey) == "" {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: missing idempotency key", ErrValidation)
	}

	requestHash, err := canonicalHash(req)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	defer tx.Rollback(ctx)

	outcome, existingID, err := reserveIdempotency(ctx, tx, idemKey, requestHash)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	switch outcome {
	case guardConflict:
		return domain.LedgerEntry{}, false, ErrIdempotencyConflict
	case guardDuplicate:
		entry, err := getEntryTx(ctx, tx, *existingID)
		if err != nil {
			return domain.LedgerEntry{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.LedgerEntry{}, false, err
		}
		return entry, true, nil
	}

	// Serialize concurrent reversal attempts of the same original entry,
	// the same way the guard serializes concurrent retries of one key.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "reverse:"+req.EntryID.String()); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	original, err := getEntryTx(ctx, tx, req.EntryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.LedgerEntry{}, false, ErrNotFound
		}
		return domain.LedgerEntry{}, false, err
	}
	if original.EntryType == domain.EntryReversal {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: cannot reverse a reversal", ErrValidation)
	}

	var alreadyReversed bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE entry_type='REVERSAL' AND related_entry_id=$1)`,
		req.EntryID,
	).Scan(&alreadyReversed); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if alreadyReversed {
		return domain.LedgerEntry{}, false, ErrAlreadyReversed
	}

	balance, err := lockOrCreateBalance(ctx, tx, original.UserID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	var newBalance int64
	switch original.EntryType {
	case domain.EntryCredit:
		if balance.BalanceCents < original.AmountCents {
			return domain.LedgerEntry{}, false, fmt.Errorf("%w: cannot reverse credit whose funds have been spent", ErrInsufficientFunds)
		}
		newBalance = balance.BalanceCents - original.AmountCents
	case domain.EntryDebit:
		newBalance = balance.BalanceCents + original.AmountCents
	default:
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: unexpected original entry type", ErrValidation)
	}

	entryID := uuid.New()
	now := nowUTC()

	var rewardStatus *domain.RewardStatus
	if original.RewardStatus != nil {
		rs := domain.RewardReversed
		rewardStatus = &rs
	}

	extra := mergeExtra(req.ExtraData, map[string]any{
		"request_hash":        requestHash,
		"operation":           "reversal",
		"original_entry_id":   original.ID.String(),
		"original_entry_type": string(original.EntryType),
		"reason":              req.Reason,
		"timestamp":           now.Format(time.RFC3339Nano),
	})
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	var rewardStatusParam any
	if rewardStatus != nil {
		rewardStatusParam = string(*rewardStatus)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries(
			id, user_id, entry_type, amount_cents, reward_id, reward_status,
			idempotency_key, related_entry_id, extra_data, created_at
		) VALUES ($1,$2,'REVERSAL',$3,$4,$5,$6,$7,$8::jsonb,$9)`,
		entryID, original.UserID, original.AmountCents, original.RewardID, rewardStatusParam,
		idemKey, original.ID, extraJSON, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.resolveIdempotencyRace(ctx, idemKey, requestHash)
		}
		return domain.LedgerEntry{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_balances SET balance_cents = $2, version = version + 1, updated_at = $3 WHERE user_id = $1`,
		original.UserID, newBalance, now,
	); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	if err := commitIdempotency(ctx, tx, idemKey, entryID); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, false, err
	}

	relatedID := original.ID
	return entryFromInsert(entryID, original.UserID, domain.EntryReversal, original.AmountCents, original.RewardID, rewardStatus, idemKey, &relatedID, extra, now), false, nil
}

// resolveIdempotencyRace is the post-insert fallback when the database's
// unique constraint on idempotency_key catches a race the guard's
// pre-check missed. It never surfaces the underlying 23505 to the
// caller.
func (s *Store) resolveIdempotencyRace(ctx context.Context, idemKey, requestHash string) (domain.LedgerEntry, bool, error) {
	entry, storedHash, err := s.getEntryByKeyWithHash(ctx, idemKey)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if storedHash != requestHash {
		return domain.LedgerEntry{}, false, ErrIdempotencyConflict
	}
	return entry, true, nil
}

// =========================
// Balance helpers
// =========================

func lockOrCreateBalance(ctx context.Context, tx pgx.Tx, userID string) (domain.UserBalance, error) {
	var b domain.UserBalance
	err := tx.QueryRow(ctx,
		`SELECT user_id, balance_cents, version, updated_at FROM user_balances WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&b.UserID, &b.BalanceCents, &b.Version, &b.UpdatedAt)
	if err == nil {
		b.BalanceDollars = float64(b.BalanceCents) / 100.0
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.UserBalance{}, err
	}

	now := nowUTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO user_balances(user_id, balance_cents, version, updated_at) VALUES ($1, 0, 1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now,
	)
	if err != nil {
		return domain.UserBalance{}, err
	}
	err = tx.QueryRow(ctx,
		`SELECT user_id, balance_cents, version, updated_at FROM user_balances WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&b.UserID, &b.BalanceCents, &b.Version, &b.UpdatedAt)
	if err != nil {
		return domain.UserBalance{}, err
	}
	b.BalanceDollars = float64(b.BalanceCents) / 100.0
	return b, nil
}

// GetBalance returns a user's balance, or the synthetic zero balance for
// a user with no history (never persisted by a read).
func (s *Store) GetBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	if err := ctxCheckDone(ctx); err != nil {
		return domain.UserBalance{}, err
	}
	var b domain.UserBalance
	err := s.db.QueryRow(ctx,
		`SELECT user_id, balance_cents, version, updated_at FROM user_balances WHERE user_id = $1`,
		userID,
	).Scan(&b.UserID, &b.BalanceCents, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewZeroBalance(userID, nowUTC()), nil
	}
	if err != nil {
		return domain.UserBalance{}, err
	}
	b.BalanceDollars = float64(b.BalanceCents) / 100.0
	return b, nil
}

// =========================
// Entry reads
// =========================

const entryColumns = `id, user_id, entry_type, amount_cents, reward_id, reward_status, idempotency_key, related_entry_id, extra_data, created_at`

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var rewardStatus *string
	var extraJSON []byte
	var entryType string

	if err := row.Scan(
		&e.ID, &e.UserID, &entryType, &e.AmountCents, &e.RewardID, &rewardStatus,
		&e.IdempotencyKey, &e.RelatedEntryID, &extraJSON, &e.CreatedAt,
	); err != nil {
		return domain.LedgerEntry{}, err
	}

	e.EntryType = domain.EntryType(entryType)
	if rewardStatus != nil {
		rs := domain.RewardStatus(*rewardStatus)
		e.RewardStatus = &rs
	}
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &e.ExtraData); err != nil {
			return domain.LedgerEntry{}, err
		}
	} else {
		e.ExtraData = map[string]any{}
	}
	return e, nil
}

func getEntryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.LedgerEntry, error) {
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, ErrNotFound
	}
	return e, err
}

func (s *Store) getEntryByKeyWithHash(ctx context.Context, idemKey string) (domain.LedgerEntry, string, error) {
	row := s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, idemKey)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, "", ErrNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, "", err
	}
	hash, _ := e.ExtraData["request_hash"].(string)
	return e, hash, nil
}

// GetEntries returns a page of ledger entries, newest first, with a
// total count for pagination. limit is clamped to [1, 1000].
func (s *Store) GetEntries(ctx context.Context, userID *string, limit, offset int) (domain.EntriesPage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.EntriesPage{}, err
	}
	defer tx.Rollback(ctx)

	var total int64
	var rows pgx.Rows
	if userID != nil {
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1`, *userID).Scan(&total); err != nil {
			return domain.EntriesPage{}, err
		}
		rows, err = tx.Query(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			*userID, limit, offset,
		)
	} else {
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&total); err != nil {
			return domain.EntriesPage{}, err
		}
		rows, err = tx.Query(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset,
		)
	}
	if err != nil {
		return domain.EntriesPage{}, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return domain.EntriesPage{}, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return domain.EntriesPage{}, err
	}

	return domain.EntriesPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

func entryFromInsert(
	id uuid.UUID, userID string, entryType domain.EntryType, amountCents int64,
	rewardID *string, rewardStatus *domain.RewardStatus, idemKey string,
	relatedEntryID *uuid.UUID, extra map[string]any, createdAt time.Time,
) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:             id,
		UserID:         userID,
		EntryType:      entryType,
		AmountCents:    amountCents,
		RewardID:       rewardID,
		RewardStatus:   rewardStatus,
		IdempotencyKey: idemKey,
		RelatedEntryID: relatedEntryID,
		ExtraData:      extra,
		CreatedAt:      createdAt,
	}
}
