package store_test

import (
	"context"
	"testing"

	"ledger-service/internal/domain"
	"ledger-service/internal/store"

	"github.com/google/uuid"
)

// TestCredit_RequestHashStableOnReplay verifies that extra_data.request_hash
// is set on the first write and is not recomputed or mutated by a replay
// of the same idempotency key.
func TestCredit_RequestHashStableOnReplay(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	st := store.New(pool)

	user := "u-" + uuid.NewString()
	key := "idem-" + uuid.NewString()
	req := domain.CreditRequest{UserID: user, AmountCents: 123}

	first, dup, err := st.Credit(ctx, req, key)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if dup {
		t.Fatalf("expected fresh on first call")
	}
	firstHash, ok := first.ExtraData["request_hash"].(string)
	if !ok || firstHash == "" {
		t.Fatalf("expected request_hash in extra_data, got %v", first.ExtraData)
	}

	second, dup, err := st.Credit(ctx, req, key)
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate on replay")
	}
	secondHash, _ := second.ExtraData["request_hash"].(string)
	if secondHash != firstHash {
		t.Fatalf("request_hash changed on replay: before=%s after=%s", firstHash, secondHash)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned different entry id: got %s want %s", second.ID, first.ID)
	}
}

func TestGetEntries_PaginatesNewestFirst(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	st := store.New(pool)

	user := "u-" + uuid.NewString()
	var lastID uuid.UUID
	for i := 0; i < 3; i++ {
		entry, _, err := st.Credit(ctx, domain.CreditRequest{UserID: user, AmountCents: 100}, "idem-"+uuid.NewString())
		if err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
		lastID = entry.ID
	}

	page, err := st.GetEntries(ctx, &user, 1, 0)
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total: got %d want 3", page.Total)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("page size: got %d want 1", len(page.Entries))
	}
	if page.Entries[0].ID != lastID {
		t.Fatalf("expected newest entry first: got %s want %s", page.Entries[0].ID, lastID)
	}
}
