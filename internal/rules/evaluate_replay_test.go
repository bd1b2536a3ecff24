package rules_test

import (
	"context"
	"testing"

	"ledger-service/internal/domain"
	"ledger-service/internal/rules"
	"ledger-service/internal/store"

	"github.com/google/uuid"
)

// TestEvaluate_SameEventReplaysAsDuplicate exercises spec scenario 5:
// evaluating the same event payload twice must trigger the rule both
// times but post the reward credit exactly once, via the derived
// idempotency key — not surface an idempotency conflict because the
// request hash shifted between calls.
func TestEvaluate_SameEventReplaysAsDuplicate(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	ruleStore := rules.NewStore(pool)
	ledger := store.New(pool)
	evaluator := rules.NewEvaluator(ruleStore, ledger)

	referrer := "u-" + uuid.NewString()

	_, err := ruleStore.Create(ctx, domain.CreateRuleRequest{
		Name: "referral bonus",
		RuleJSON: map[string]any{
			"conditions": []any{
				map[string]any{"field": "referrer.is_paid_user", "operator": "==", "value": true},
				map[string]any{"field": "referred.subscription_status", "operator": "==", "value": "active"},
			},
			"actions": []any{
				map[string]any{"type": "credit", "user": "referrer_id", "amount_cents": float64(50000), "reward_id": "referral_bonus"},
			},
			"logic": "AND",
		},
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	event := map[string]any{
		"event_id":    "e-" + uuid.NewString(),
		"referrer_id": referrer,
		"referrer":    map[string]any{"is_paid_user": true},
		"referred":    map[string]any{"subscription_status": "active"},
	}

	first, err := evaluator.Evaluate(ctx, domain.EvaluateRequest{EventData: event})
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if first.RulesTriggered != 1 {
		t.Fatalf("expected rule to trigger on first pass, got %d", first.RulesTriggered)
	}
	firstAction := first.Results[0].ActionsExecuted[0]
	if !firstAction.Success || firstAction.IsDuplicate {
		t.Fatalf("expected fresh credit on first pass, got %+v", firstAction)
	}

	second, err := evaluator.Evaluate(ctx, domain.EvaluateRequest{EventData: event})
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if second.RulesTriggered != 1 {
		t.Fatalf("expected rule to trigger on replay, got %d", second.RulesTriggered)
	}
	secondAction := second.Results[0].ActionsExecuted[0]
	if !secondAction.Success {
		t.Fatalf("replay must not fail: %+v", secondAction)
	}
	if !secondAction.IsDuplicate {
		t.Fatalf("expected replay to be reported as duplicate, got %+v", secondAction)
	}
	if secondAction.EntryID != firstAction.EntryID {
		t.Fatalf("replay produced a different entry: got %s want %s", secondAction.EntryID, firstAction.EntryID)
	}

	bal, err := ledger.GetBalance(ctx, referrer)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.BalanceCents != 50000 {
		t.Fatalf("balance moved more than once: got %d want 50000", bal.BalanceCents)
	}
}
