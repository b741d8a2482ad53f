package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/store"
)

type CredentialRepo struct {
	db *bun.DB
}

func NewCredentialRepo(db *bun.DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

func (r *CredentialRepo) PutCalendarCredential(ctx context.Context, cred domain.CalendarCredential) (domain.CalendarCredential, error) {
	m := cred
	_, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (provider_id) DO UPDATE").
		Set("access_token = EXCLUDED.access_token").
		Set("calendar_id = EXCLUDED.calendar_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.CalendarCredential{}, err
	}
	return m, nil
}

func (r *CredentialRepo) CalendarCredential(ctx context.Context, providerID domain.ProviderID) (domain.CalendarCredential, error) {
	var m domain.CalendarCredential
	err := r.db.NewSelect().Model(&m).Where("provider_id = ?", string(providerID)).Limit(1).Scan(ctx)
	if err != nil {
		return domain.CalendarCredential{}, notFound(err)
	}
	return m, nil
}

var _ store.CalendarCredentialStore = (*CredentialRepo)(nil)
