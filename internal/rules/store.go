package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledger-service/internal/domain"
	"ledger-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is CRUD over referral_rules with fail-fast JSON validation on
// create, mirroring the ledger store's single pgxpool-backed shape.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{db: db} }

// Create validates rule_json against the closed condition/action DSL and
// persists the rule, rejecting unknown operators or action types before
// any row is written.
func (s *Store) Create(ctx context.Context, req domain.CreateRuleRequest) (domain.ReferralRule, error) {
	if req.Name == "" {
		return domain.ReferralRule{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	if _, err := ParseRule(req.RuleJSON); err != nil {
		return domain.ReferralRule{}, err
	}

	ruleJSON, err := json.Marshal(req.RuleJSON)
	if err != nil {
		return domain.ReferralRule{}, err
	}

	now := time.Now().UTC()
	rule := domain.ReferralRule{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		RuleJSON:    req.RuleJSON,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO referral_rules(id, name, description, rule_json, is_active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4::jsonb,$5,$6,$7)`,
		rule.ID, rule.Name, rule.Description, ruleJSON, rule.IsActive, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return domain.ReferralRule{}, err
	}
	return rule, nil
}

// List returns rules, optionally filtered to active ones, newest first.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]domain.ReferralRule, error) {
	query := `SELECT id, name, description, rule_json, is_active, created_at, updated_at FROM referral_rules`
	var rows pgx.Rows
	var err error
	if activeOnly {
		rows, err = s.db.Query(ctx, query+` WHERE is_active = true ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.Query(ctx, query+` ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReferralRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Get fetches a single rule by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.ReferralRule, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, description, rule_json, is_active, created_at, updated_at
		 FROM referral_rules WHERE id = $1`,
		id,
	)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReferralRule{}, store.ErrNotFound
	}
	return rule, err
}

func scanRule(row pgx.Row) (domain.ReferralRule, error) {
	var r domain.ReferralRule
	var ruleJSON []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &ruleJSON, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.ReferralRule{}, err
	}
	if err := json.Unmarshal(ruleJSON, &r.RuleJSON); err != nil {
		return domain.ReferralRule{}, err
	}
	return r, nil
}
