package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
)

type AppointmentFilter struct {
	ProviderID  domain.ProviderID
	ClientID    domain.ClientID
	Status      domain.AppointmentStatus
	WindowStart time.Time
	WindowEnd   time.Time
	Limit       int
}

// LedgerTx is the appointment ledger as seen from inside one transaction.
type LedgerTx interface {
	// FindAppointment loads and row-locks an appointment.
	FindAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	// ListActiveAppointments returns PENDING and CONFIRMED appointments of the
	// provider that overlap [windowStart, windowEnd).
	ListActiveAppointments(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	// CreateAppointment inserts appt. It returns ErrConflict when an active appointment
	// of the provider overlaps and ErrIdempotencyConflict when appt.ID is already taken.
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

type AppointmentRepository interface {
	// InProviderTransaction runs fn while holding the provider's exclusive booking lock.
	InProviderTransaction(ctx context.Context, providerID domain.ProviderID, fn func(ctx context.Context, tx LedgerTx) error) error
	// InTransaction runs fn without the provider lock; FindAppointment still locks its row.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context, filter AppointmentFilter) ([]domain.Appointment, error)
	ListActive(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)

	// SetCalendarLinkage attaches calendar fields to an active appointment. It returns
	// ErrConflict when the appointment is no longer active.
	SetCalendarLinkage(ctx context.Context, id uuid.UUID, link domain.CalendarLinkage) (domain.Appointment, error)
	// ClearCalendarLinkage removes the linkage if it still references externalEventID.
	ClearCalendarLinkage(ctx context.Context, id uuid.UUID, externalEventID string) error
}

type AvailabilityRuleRepository interface {
	UpsertRule(ctx context.Context, rule domain.AvailabilityRule) (domain.AvailabilityRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error)
	DeactivateRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error)
	ListRules(ctx context.Context, providerID domain.ProviderID, activeOnly bool) ([]domain.AvailabilityRule, error)
}

type CalendarCredentialStore interface {
	PutCalendarCredential(ctx context.Context, cred domain.CalendarCredential) (domain.CalendarCredential, error)
	CalendarCredential(ctx context.Context, providerID domain.ProviderID) (domain.CalendarCredential, error)
}
