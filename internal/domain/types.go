// Package domain holds the wire-level request/response and persisted
// record shapes shared by the store, rule engine and HTTP layers.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryType enumerates the three kinds of ledger mutation. Once an entry
// is written its type never changes.
type EntryType string

const (
	EntryCredit   EntryType = "CREDIT"
	EntryDebit    EntryType = "DEBIT"
	EntryReversal EntryType = "REVERSAL"
)

// RewardStatus is an annotation on reward-tagged entries, not a governed
// state machine.
type RewardStatus string

const (
	RewardPending   RewardStatus = "PENDING"
	RewardConfirmed RewardStatus = "CONFIRMED"
	RewardPaid      RewardStatus = "PAID"
	RewardReversed  RewardStatus = "REVERSED"
)

// MaxAmountCents is the upper bound on any single mutation.
const MaxAmountCents = 1_000_000_000

// LedgerEntry is the immutable, append-only ledger record.
type LedgerEntry struct {
	ID             uuid.UUID      `json:"id"`
	UserID         string         `json:"user_id"`
	EntryType      EntryType      `json:"entry_type"`
	AmountCents    int64          `json:"amount_cents"`
	RewardID       *string        `json:"reward_id,omitempty"`
	RewardStatus   *RewardStatus  `json:"reward_status,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	RelatedEntryID *uuid.UUID     `json:"related_entry_id,omitempty"`
	ExtraData      map[string]any `json:"extra_data"`
	CreatedAt      time.Time      `json:"created_at"`
}

// UserBalance is the derived, mutable per-user balance.
type UserBalance struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
	// BalanceDollars is a read-only convenience field computed from
	// BalanceCents when the balance is read; never used in internal
	// arithmetic.
	BalanceDollars float64   `json:"balance_dollars"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewZeroBalance returns the synthetic balance for a user with no history.
func NewZeroBalance(userID string, now time.Time) UserBalance {
	return UserBalance{UserID: userID, BalanceCents: 0, BalanceDollars: 0, Version: 1, UpdatedAt: now}
}

// CreditRequest is the payload for POST /ledger/credit.
type CreditRequest struct {
	UserID       string         `json:"user_id"`
	AmountCents  int64          `json:"amount_cents"`
	RewardID     *string        `json:"reward_id,omitempty"`
	RewardStatus *RewardStatus  `json:"reward_status,omitempty"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
}

// DebitRequest is the payload for POST /ledger/debit.
type DebitRequest struct {
	UserID      string         `json:"user_id"`
	AmountCents int64          `json:"amount_cents"`
	ExtraData   map[string]any `json:"extra_data,omitempty"`
}

// ReversalRequest is the payload for POST /ledger/reverse.
type ReversalRequest struct {
	EntryID   uuid.UUID      `json:"entry_id"`
	Reason    string         `json:"reason"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// IdempotentResponse is the envelope every mutation endpoint returns.
type IdempotentResponse struct {
	Data        LedgerEntry `json:"data"`
	IsDuplicate bool        `json:"is_duplicate"`
}

// ErrorResponse is the envelope every failed request returns.
type ErrorResponse struct {
	Error     string  `json:"error"`
	Detail    *string `json:"detail,omitempty"`
	RequestID *string `json:"request_id,omitempty"`
}

// EntriesPage is the response for GET /ledger/entries.
type EntriesPage struct {
	Entries []LedgerEntry `json:"entries"`
	Total   int64         `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// ReferralRule is a persisted rule definition.
type ReferralRule struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	RuleJSON    map[string]any `json:"rule_json"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateRuleRequest is the payload for POST /rules.
type CreateRuleRequest struct {
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	RuleJSON    map[string]any `json:"rule_json"`
}

// EvaluateRequest is the payload for POST /rules/evaluate.
type EvaluateRequest struct {
	EventData map[string]any `json:"event_data"`
	RuleID    *uuid.UUID     `json:"rule_id,omitempty"`
}

// ActionResult records the outcome of a single dispatched rule action.
type ActionResult struct {
	Success     bool   `json:"success"`
	ActionType  string `json:"action_type,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	IsDuplicate bool   `json:"is_duplicate,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RuleResult is the per-rule outcome of an evaluation pass.
type RuleResult struct {
	RuleID          uuid.UUID      `json:"rule_id"`
	RuleName        string         `json:"rule_name"`
	ConditionsMet   bool           `json:"conditions_met"`
	ActionsExecuted []ActionResult `json:"actions_executed"`
}

// EvaluationResult is the response for POST /rules/evaluate.
type EvaluationResult struct {
	EventData      map[string]any `json:"event_data"`
	RulesEvaluated int            `json:"rules_evaluated"`
	RulesTriggered int            `json:"rules_triggered"`
	Results        []RuleResult   `json:"results"`
}
