package rules

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"ledger-service/internal/domain"
	"ledger-service/internal/store"

	"github.com/google/uuid"
)

// Evaluator reads rules from the rule store, matches them against an
// event payload, and dispatches matching actions into the ledger engine
// via derived, deterministic idempotency keys.
type Evaluator struct {
	rules  *Store
	ledger *store.Store
}

func NewEvaluator(rules *Store, ledger *store.Store) *Evaluator {
	return &Evaluator{rules: rules, ledger: ledger}
}

// Evaluate runs an event payload against all active rules, or a single
// rule if req.RuleID is set, and executes every matching rule's actions.
// req.RuleID is looked up among the active rules only; an inactive or
// unknown id evaluates no rule.
func (e *Evaluator) Evaluate(ctx context.Context, req domain.EvaluateRequest) (domain.EvaluationResult, error) {
	active, err := e.rules.List(ctx, true)
	if err != nil {
		return domain.EvaluationResult{}, err
	}

	var candidates []domain.ReferralRule
	if req.RuleID != nil {
		for _, r := range active {
			if r.ID == *req.RuleID {
				candidates = append(candidates, r)
				break
			}
		}
	} else {
		candidates = active
	}

	results := make([]domain.RuleResult, 0, len(candidates))
	triggered := 0

	for _, r := range candidates {
		parsed, err := ParseRule(r.RuleJSON)
		if err != nil {
			// A rule persisted before a DSL tightening; treat as never
			// matching rather than failing the whole evaluation run.
			results = append(results, domain.RuleResult{RuleID: r.ID, RuleName: r.Name, ConditionsMet: false})
			continue
		}

		met := evaluateConditions(parsed.Conditions, req.EventData, parsed.Logic)
		rr := domain.RuleResult{RuleID: r.ID, RuleName: r.Name, ConditionsMet: met}

		if met {
			triggered++
			for _, action := range parsed.Actions {
				rr.ActionsExecuted = append(rr.ActionsExecuted, e.executeAction(ctx, action, req.EventData))
			}
		}
		results = append(results, rr)
	}

	return domain.EvaluationResult{
		EventData:      req.EventData,
		RulesEvaluated: len(results),
		RulesTriggered: triggered,
		Results:        results,
	}, nil
}

func (e *Evaluator) executeAction(ctx context.Context, action Action, event map[string]any) domain.ActionResult {
	switch action.Type {
	case "credit":
		return e.executeCredit(ctx, action, event)
	case "debit":
		return domain.ActionResult{Success: false, Error: "debit action not implemented"}
	default:
		return domain.ActionResult{Success: false, Error: fmt.Sprintf("unknown action type: %s", action.Type)}
	}
}

func (e *Evaluator) executeCredit(ctx context.Context, action Action, event map[string]any) domain.ActionResult {
	rawUser, ok := event[action.User]
	if !ok || rawUser == nil {
		return domain.ActionResult{Success: false, Error: fmt.Sprintf("user field %q not found in event data", action.User)}
	}
	userID := fmt.Sprintf("%v", rawUser)
	if userID == "" {
		return domain.ActionResult{Success: false, Error: fmt.Sprintf("user field %q not found in event data", action.User)}
	}

	eventID, _ := event["event_id"].(string)
	idemKey := deriveRewardIdempotencyKey(action.RewardID, userID, eventID)

	confirmed := domain.RewardConfirmed
	rewardID := action.RewardID
	req := domain.CreditRequest{
		UserID:       userID,
		AmountCents:  action.AmountCents,
		RewardID:     &rewardID,
		RewardStatus: &confirmed,
		// No timestamp here: it would flow into Credit's request-hash
		// input and make the derived idempotency key's replay see a
		// different hash on every evaluation. Credit stamps its own
		// timestamp into the stored extra_data after hashing.
		ExtraData: map[string]any{
			"source":     "rule_engine",
			"action":     action,
			"event_data": event,
		},
	}

	entry, isDuplicate, err := e.ledger.Credit(ctx, req, idemKey)
	if err != nil {
		return domain.ActionResult{Success: false, Error: err.Error()}
	}

	return domain.ActionResult{
		Success:     true,
		ActionType:  "credit",
		EntryID:     entry.ID.String(),
		UserID:      userID,
		AmountCents: action.AmountCents,
		IsDuplicate: isDuplicate,
	}
}

// deriveRewardIdempotencyKey makes rule evaluation itself idempotent:
// replaying the same event through the evaluator always yields the same
// credit key, so at most one credit is ever posted per (reward, user,
// event) triple.
func deriveRewardIdempotencyKey(rewardID, userID, eventID string) string {
	name := fmt.Sprintf("%s:%s:%s", rewardID, userID, eventID)
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// =========================
// Condition evaluation
// =========================

func evaluateConditions(conds []Condition, event map[string]any, logic string) bool {
	if len(conds) == 0 {
		return true
	}
	results := make([]bool, len(conds))
	for i, c := range conds {
		results[i] = evaluateCondition(c, event)
	}
	switch logic {
	case "OR":
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	default: // AND, and any unrecognized logic
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
}

func evaluateCondition(c Condition, event map[string]any) bool {
	actual, ok := resolveField(c.Field, event)
	if !ok {
		return false
	}
	switch c.Operator {
	case "==":
		return reflect.DeepEqual(actual, c.Value)
	case "!=":
		return !reflect.DeepEqual(actual, c.Value)
	case ">", "<", ">=", "<=":
		return compareOrdered(actual, c.Value, c.Operator)
	case "in":
		return membership(actual, c.Value)
	case "not_in":
		return !membership(actual, c.Value)
	case "contains":
		return membership(c.Value, actual)
	default:
		return false
	}
}

// resolveField walks a dot-separated path through nested maps. A missing
// intermediate or terminal key yields (nil, false).
func resolveField(path string, event map[string]any) (any, bool) {
	var cur any = event
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[key]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func compareOrdered(actual, expected any, op string) bool {
	a, aok := asFloat(actual)
	b, bok := asFloat(expected)
	if !aok || !bok {
		return false
	}
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// membership reports whether needle is an element of haystack, where
// haystack is a collection (slice) or a string (substring match).
func membership(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if reflect.DeepEqual(item, needle) {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		return strings.Contains(h, s)
	default:
		return false
	}
}
