package store_test

import (
	"context"
	"sync"
	"testing"

	"ledger-service/internal/domain"
	"ledger-service/internal/store"

	"github.com/google/uuid"
)

func TestConcurrentSameIdempotencyKey_ReplaysSameEntry(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	st := store.New(pool)

	user := "u-conc-" + uuid.NewString()
	key := "idem-same-" + uuid.NewString()
	req := domain.CreditRequest{UserID: user, AmountCents: 1}

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)

	entries := make([]uuid.UUID, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			entry, _, err := st.Credit(ctx, req, key)
			entries[i] = entry.ID
			errs[i] = err
		}()
	}
	wg.Wait()

	var first uuid.UUID
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		if first == uuid.Nil {
			first = entries[i]
			continue
		}
		if entries[i] != first {
			t.Fatalf("mismatched entry id: got %s want %s", entries[i], first)
		}
	}

	bal, err := st.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.BalanceCents != 1 {
		t.Fatalf("balance moved more than once: got %d want 1", bal.BalanceCents)
	}
}

func TestConcurrentDistinctCredits_AllCommitAndRemainConsistent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	st := store.New(pool)

	user := "u-conc2-" + uuid.NewString()

	const n = 100
	const amount = int64(2)

	var wg sync.WaitGroup
	wg.Add(n)

	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, _, err := st.Credit(ctx, domain.CreditRequest{UserID: user, AmountCents: amount}, "idem-"+uuid.NewString())
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
	}

	bal, err := st.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	want := int64(n) * amount
	if bal.BalanceCents != want {
		t.Fatalf("balance mismatch: got %d want %d", bal.BalanceCents, want)
	}
}

func TestConcurrentReverse_OnlyOneSucceeds(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	st := store.New(pool)

	user := "u-conc3-" + uuid.NewString()
	entry, _, err := st.Credit(ctx, domain.CreditRequest{UserID: user, AmountCents: 10000}, "idem-"+uuid.NewString())
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)

	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, _, err := st.Reverse(ctx, domain.ReversalRequest{EntryID: entry.ID, Reason: "race"}, "idem-"+uuid.NewString())
			errs[i] = err
		}()
	}
	wg.Wait()

	succeeded := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one reversal to succeed, got %d", succeeded)
	}

	bal, err := st.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.BalanceCents != 0 {
		t.Fatalf("balance after single reversal: got %d want 0", bal.BalanceCents)
	}
}
