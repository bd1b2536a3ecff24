package store

import (
	"errors"
	"testing"

	"ledger-service/internal/domain"
)

func TestCanonicalHash_StableUnderKeyReordering(t *testing.T) {
	a, err := canonicalHash(map[string]any{"user_id": "u1", "amount_cents": 100})
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := canonicalHash(map[string]any{"amount_cents": 100, "user_id": "u1"})
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Fatalf("hash differs under key reordering: a=%s b=%s", a, b)
	}
}

func TestCanonicalHash_DiffersOnPayloadChange(t *testing.T) {
	a, err := canonicalHash(map[string]any{"user_id": "u1", "amount_cents": 100})
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := canonicalHash(map[string]any{"user_id": "u1", "amount_cents": 200})
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a == b {
		t.Fatalf("hash must differ when payload changes")
	}
}

func TestValidateRewardStatus_RejectsUnknownValue(t *testing.T) {
	if err := validateRewardStatus(nil); err != nil {
		t.Fatalf("nil status must be valid (defaults to PENDING): %v", err)
	}

	for _, s := range []domain.RewardStatus{domain.RewardPending, domain.RewardConfirmed, domain.RewardPaid, domain.RewardReversed} {
		s := s
		if err := validateRewardStatus(&s); err != nil {
			t.Fatalf("status %q must be valid: %v", s, err)
		}
	}

	bogus := domain.RewardStatus("BOGUS")
	err := validateRewardStatus(&bogus)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown reward_status, got %v", err)
	}
}

func TestMergeExtra_DoesNotMutateBase(t *testing.T) {
	base := map[string]any{"a": 1}
	out := mergeExtra(base, map[string]any{"b": 2})
	if len(base) != 1 {
		t.Fatalf("base was mutated: %+v", base)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Fatalf("merged map missing keys: %+v", out)
	}
}
