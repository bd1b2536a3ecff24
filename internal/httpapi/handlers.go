package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ledger-service/internal/domain"
	"ledger-service/internal/rules"
	"ledger-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handlers is the thin request/response adapter over the ledger engine
// and rule engine.
type Handlers struct {
	st        *store.Store
	ruleStore *rules.Store
	evaluator *rules.Evaluator
	log       *zap.Logger
}

func NewHandlers(st *store.Store, ruleStore *rules.Store, evaluator *rules.Evaluator, log *zap.Logger) *Handlers {
	return &Handlers{st: st, ruleStore: ruleStore, evaluator: evaluator, log: log}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, domain.ErrorResponse{Error: msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Store-level semantic errors
	case errors.Is(err, store.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrAlreadyReversed):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusBadRequest

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) handleStoreErr(w http.ResponseWriter, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.log.Error("request failed", zap.Error(err))
	}
	writeErr(w, code, publicErrMessage(code, err))
}

func idempotencyKey(r *http.Request) (string, error) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", fmt.Errorf("%w: missing Idempotency-Key header", store.ErrValidation)
	}
	return key, nil
}

func mutationStatus(isDuplicate bool) int {
	if isDuplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}

// =========================
// Ledger endpoints
// =========================

func (h *Handlers) CreditLedger(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}

	var req domain.CreditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entry, dup, err := h.st.Credit(ctx, req, key)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, mutationStatus(dup), domain.IdempotentResponse{Data: entry, IsDuplicate: dup})
}

func (h *Handlers) DebitLedger(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}

	var req domain.DebitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entry, dup, err := h.st.Debit(ctx, req, key)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, mutationStatus(dup), domain.IdempotentResponse{Data: entry, IsDuplicate: dup})
}

func (h *Handlers) ReverseLedger(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}

	var req domain.ReversalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entry, dup, err := h.st.Reverse(ctx, req, key)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, mutationStatus(dup), domain.IdempotentResponse{Data: entry, IsDuplicate: dup})
}

func (h *Handlers) GetEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var userID *string
	if v := q.Get("user_id"); v != "" {
		userID = &v
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	page, err := h.st.GetEntries(ctx, userID, limit, offset)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		writeErr(w, http.StatusBadRequest, "missing user_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := h.st.GetBalance(ctx, userID)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// =========================
// Rule endpoints
// =========================

func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rule, err := h.ruleStore.Create(ctx, req)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") != "false"

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.ruleStore.List(ctx, activeOnly)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rule, err := h.ruleStore.Get(ctx, id)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) EvaluateRules(w http.ResponseWriter, r *http.Request) {
	var req domain.EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := h.evaluator.Evaluate(ctx, req)
	if err != nil {
		h.handleStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
