package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/store"
)

type AvailabilityRepo struct {
	db *bun.DB
}

func NewAvailabilityRepo(db *bun.DB) *AvailabilityRepo {
	return &AvailabilityRepo{db: db}
}

func (r *AvailabilityRepo) UpsertRule(ctx context.Context, rule domain.AvailabilityRule) (domain.AvailabilityRule, error) {
	m := rule
	m.UpdatedAt = time.Now().UTC()
	_, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO UPDATE").
		Set("provider_id = EXCLUDED.provider_id").
		Set("day_of_week = EXCLUDED.day_of_week").
		Set("specific_date = EXCLUDED.specific_date").
		Set("start_time = EXCLUDED.start_time").
		Set("end_time = EXCLUDED.end_time").
		Set("slot_duration_minutes = EXCLUDED.slot_duration_minutes").
		Set("timezone = EXCLUDED.timezone").
		Set("is_recurring = EXCLUDED.is_recurring").
		Set("is_active = EXCLUDED.is_active").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx, &m)
	if err != nil {
		return domain.AvailabilityRule{}, err
	}
	return m, nil
}

func (r *AvailabilityRepo) GetRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error) {
	var m domain.AvailabilityRule
	if err := r.db.NewSelect().Model(&m).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return domain.AvailabilityRule{}, notFound(err)
	}
	return m, nil
}

// DeactivateRule is a logical delete; the row stays for audit.
func (r *AvailabilityRepo) DeactivateRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error) {
	var m domain.AvailabilityRule
	res, err := r.db.NewUpdate().
		Model(&m).
		Set("is_active = FALSE").
		Set("updated_at = now()").
		Where("id = ?", id).
		Returning("*").
		Exec(ctx, &m)
	if err != nil {
		return domain.AvailabilityRule{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.AvailabilityRule{}, err
	}
	if affected == 0 {
		return domain.AvailabilityRule{}, store.ErrNotFound
	}
	return m, nil
}

func (r *AvailabilityRepo) ListRules(ctx context.Context, providerID domain.ProviderID, activeOnly bool) ([]domain.AvailabilityRule, error) {
	var rows []domain.AvailabilityRule
	q := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", string(providerID))
	if activeOnly {
		q = q.Where("is_active")
	}
	if err := q.OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

var _ store.AvailabilityRuleRepository = (*AvailabilityRepo)(nil)
