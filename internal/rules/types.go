// Package rules holds the reward rule engine: a small closed condition/
// action DSL and its store and evaluator, driving writes into the same
// ledger the store package manages.
package rules

import (
	"fmt"

	"ledger-service/internal/store"
)

// Condition is a single predicate over a dotted field path within an
// event payload.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

var validOperators = map[string]bool{
	"==": true, "!=": true,
	">": true, "<": true, ">=": true, "<=": true,
	"in": true, "not_in": true, "contains": true,
}

// Action is a single side effect to run when a rule's conditions match.
type Action struct {
	Type        string `json:"type"`
	User        string `json:"user"`
	AmountCents int64  `json:"amount_cents"`
	RewardID    string `json:"reward_id"`
}

var validActionTypes = map[string]bool{
	"credit": true, "debit": true,
}

// Rule is the parsed, validated form of a ReferralRule's rule_json.
type Rule struct {
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Logic      string      `json:"logic"`
}

// ParseRule validates raw rule JSON against the closed DSL, rejecting
// unknown operators or action types at creation time (fail-fast).
func ParseRule(raw map[string]any) (Rule, error) {
	var r Rule

	condsRaw, _ := raw["conditions"].([]any)
	for _, cRaw := range condsRaw {
		cMap, ok := cRaw.(map[string]any)
		if !ok {
			return Rule{}, fmt.Errorf("%w: condition must be an object", store.ErrValidation)
		}
		field, _ := cMap["field"].(string)
		op, _ := cMap["operator"].(string)
		if field == "" {
			return Rule{}, fmt.Errorf("%w: condition missing field", store.ErrValidation)
		}
		if !validOperators[op] {
			return Rule{}, fmt.Errorf("%w: unknown operator %q", store.ErrValidation, op)
		}
		r.Conditions = append(r.Conditions, Condition{Field: field, Operator: op, Value: cMap["value"]})
	}

	actionsRaw, _ := raw["actions"].([]any)
	if len(actionsRaw) == 0 {
		return Rule{}, fmt.Errorf("%w: rule must have at least one action", store.ErrValidation)
	}
	for _, aRaw := range actionsRaw {
		aMap, ok := aRaw.(map[string]any)
		if !ok {
			return Rule{}, fmt.Errorf("%w: action must be an object", store.ErrValidation)
		}
		actionType, _ := aMap["type"].(string)
		if !validActionTypes[actionType] {
			return Rule{}, fmt.Errorf("%w: unknown action type %q", store.ErrValidation, actionType)
		}
		user, _ := aMap["user"].(string)
		if user == "" {
			return Rule{}, fmt.Errorf("%w: action missing user", store.ErrValidation)
		}
		amount, _ := asInt64(aMap["amount_cents"])
		if amount <= 0 {
			return Rule{}, fmt.Errorf("%w: action amount_cents must be positive", store.ErrValidation)
		}
		rewardID, _ := aMap["reward_id"].(string)
		if rewardID == "" {
			return Rule{}, fmt.Errorf("%w: action missing reward_id", store.ErrValidation)
		}
		r.Actions = append(r.Actions, Action{Type: actionType, User: user, AmountCents: amount, RewardID: rewardID})
	}

	logic, _ := raw["logic"].(string)
	if logic != "AND" && logic != "OR" {
		logic = "AND"
	}
	r.Logic = logic

	return r, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
