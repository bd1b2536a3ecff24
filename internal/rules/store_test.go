package rules_test

import (
	"context"
	"os"
	"testing"
	"time"

	"ledger-service/internal/domain"
	"ledger-service/internal/rules"
	"ledger-service/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LEDGER_DB_DSN")
	if dsn == "" {
		t.Skip("missing LEDGER_DB_DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return pool
}

func TestRuleStore_CreateRejectsInvalidRuleJSON(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	rs := rules.NewStore(pool)

	_, err := rs.Create(ctx, domain.CreateRuleRequest{
		Name: "bad rule",
		RuleJSON: map[string]any{
			"conditions": []any{
				map[string]any{"field": "a", "operator": "nope", "value": 1},
			},
			"actions": []any{
				map[string]any{"type": "credit", "user": "u", "amount_cents": float64(100), "reward_id": "r"},
			},
		},
	})
	if err == nil {
		t.Fatalf("expected validation error for unknown operator")
	}
}

func TestRuleStore_CreateListGet(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	rs := rules.NewStore(pool)

	created, err := rs.Create(ctx, domain.CreateRuleRequest{
		Name: "referral bonus",
		RuleJSON: map[string]any{
			"conditions": []any{
				map[string]any{"field": "referrer.is_paid_user", "operator": "==", "value": true},
			},
			"actions": []any{
				map[string]any{"type": "credit", "user": "referrer_id", "amount_cents": float64(50000), "reward_id": "referral_bonus"},
			},
			"logic": "AND",
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fetched, err := rs.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Name != "referral bonus" {
		t.Fatalf("name mismatch: got %s", fetched.Name)
	}

	list, err := rs.List(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, r := range list {
		if r.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("created rule not found in active list")
	}
}
