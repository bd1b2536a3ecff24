package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"ledger-service/internal/store"
)

func TestHTTPStatusForErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", store.ErrValidation, http.StatusUnprocessableEntity},
		{"notfound", store.ErrNotFound, http.StatusNotFound},
		{"idem", store.ErrIdempotencyConflict, http.StatusConflict},
		{"already_reversed", store.ErrAlreadyReversed, http.StatusConflict},
		{"insufficient_funds", store.ErrInsufficientFunds, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := httpStatusForErr(tc.err)
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func TestMutationStatus(t *testing.T) {
	if got := mutationStatus(false); got != http.StatusCreated {
		t.Fatalf("fresh: got %d want %d", got, http.StatusCreated)
	}
	if got := mutationStatus(true); got != http.StatusOK {
		t.Fatalf("duplicate: got %d want %d", got, http.StatusOK)
	}
}
