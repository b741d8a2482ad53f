package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
	"appointly/backend/internal/telemetry"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"

	overlapConstraint = "appointments_no_overlap"
)

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

type ledgerTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) InProviderTransaction(ctx context.Context, providerID domain.ProviderID, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProvider(ctx, tx, providerID); err != nil {
			return err
		}
		return fn(ctx, ledgerTx{tx: tx})
	})
}

func (r *AppointmentRepo) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, ledgerTx{tx: tx})
	})
}

// lockProvider serialises every booking writer of one provider until the
// transaction ends.
func lockProvider(ctx context.Context, tx bun.Tx, providerID domain.ProviderID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", string(providerID)).Exec(ctx)
	return err
}

func (r *AppointmentRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return domain.Appointment{}, notFound(err)
	}
	return a, nil
}

func (r *AppointmentRepo) List(ctx context.Context, filter store.AppointmentFilter) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := r.db.NewSelect().Model(&rows)
	if filter.ProviderID != "" {
		q = q.Where("provider_id = ?", string(filter.ProviderID))
	}
	if filter.ClientID != "" {
		q = q.Where("client_id = ?", string(filter.ClientID))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.WindowEnd.IsZero() {
		q = q.Where("start_time < ?", filter.WindowEnd)
	}
	if !filter.WindowStart.IsZero() {
		q = q.Where("end_time > ?", filter.WindowStart)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.OrderExpr("start_time ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) ListActive(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return listActive(ctx, r.db, providerID, windowStart, windowEnd)
}

func listActive(ctx context.Context, db bun.IDB, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", string(providerID)).
		Where("status IN (?)", bun.In(domain.ActiveStatuses)).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) SetCalendarLinkage(ctx context.Context, id uuid.UUID, link domain.CalendarLinkage) (domain.Appointment, error) {
	var out domain.Appointment
	res, err := r.db.NewUpdate().
		Model(&out).
		Set("meeting_link = ?", nullString(link.MeetingLink)).
		Set("external_event_id = ?", nullString(link.ExternalEventID)).
		Set("external_calendar_id = ?", nullString(link.ExternalCalendarID)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(domain.ActiveStatuses)).
		Returning("*").
		Exec(ctx, &out)
	if err != nil {
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return domain.Appointment{}, err
		}
		return domain.Appointment{}, store.ErrConflict
	}
	return out, nil
}

func (r *AppointmentRepo) ClearCalendarLinkage(ctx context.Context, id uuid.UUID, externalEventID string) error {
	_, err := r.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("meeting_link = NULL").
		Set("external_event_id = NULL").
		Set("external_calendar_id = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("external_event_id = ?", externalEventID).
		Exec(ctx)
	return err
}

func (t ledgerTx) FindAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := t.tx.NewSelect().
		Model(&a).
		Where("id = ?", id).
		For("UPDATE").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, notFound(err)
	}
	return a, nil
}

func (t ledgerTx) ListActiveAppointments(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return listActive(ctx, t.tx, providerID, windowStart, windowEnd)
}

func (t ledgerTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Appointment{}, insertError(err)
	}
	return m, nil
}

// insertError maps constraint violations on appointment insert to store errors. A
// primary key collision aborts the transaction, so it is reported, never resolved here.
func insertError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == overlapConstraint:
		return store.ErrConflict
	case pgErr.Code == pgUniqueViolation:
		return store.ErrIdempotencyConflict
	}
	return err
}

func (t ledgerTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	res, err := t.tx.NewUpdate().
		Model(&m).
		Column("start_time", "end_time", "status", "notes", "cancel_reason", "cancelled_at",
			"meeting_link", "external_event_id", "external_calendar_id", "updated_at").
		WherePK().
		Returning("*").
		Exec(ctx, &m)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == overlapConstraint {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrNotFound
	}
	return m, nil
}

func (t ledgerTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t ledgerTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := telemetry.TraceContextStrings(ctx)
	row := outboxRow{
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
	}
	_, err := t.tx.NewInsert().Model(&row).ExcludeColumn("id", "event_id", "created_at", "published_at").Exec(ctx)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ store.AppointmentRepository = (*AppointmentRepo)(nil)
