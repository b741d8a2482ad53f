// Package booking admits, cancels and edits appointments while keeping the
// active appointments of a provider free of overlaps.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
	"appointly/backend/internal/tasks"
)

const (
	maxIdempotencyKeyLen = 256
	defaultListLimit     = 100
	maxListLimit         = 500
)

type Config struct {
	// DefaultStatus is used when a booking request does not ask for one.
	DefaultStatus domain.AppointmentStatus
	MaxDuration   time.Duration
}

type Service struct {
	repo     store.AppointmentRepository
	creds    store.CalendarCredentialStore
	calendar tasks.Dispatcher
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer
}

func NewService(repo store.AppointmentRepository, creds store.CalendarCredentialStore, calendar tasks.Dispatcher, cfg Config, log *slog.Logger) *Service {
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = domain.AppointmentStatusPending
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 24 * time.Hour
	}
	if calendar == nil {
		calendar = tasks.NopDispatcher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		creds:    creds,
		calendar: calendar,
		cfg:      cfg,
		log:      log.With(slog.String("component", "service.booking")),
		tracer:   otel.Tracer("appointly/backend/internal/service/booking"),
	}
}

type BookInput struct {
	ProviderID domain.ProviderID
	ClientID   domain.ClientID
	StartTime  time.Time
	EndTime    time.Time
	Notes      string
	// Status must be PENDING or CONFIRMED; empty means the configured default.
	Status domain.AppointmentStatus
	// AttendeeEmail is passed to the calendar invite and not stored.
	AttendeeEmail  string
	IdempotencyKey string
}

// HasConflict reports whether candidate overlaps an active appointment of providerID
// other than exclude. It reads through tx and is only meaningful while tx holds the
// provider lock.
func HasConflict(ctx context.Context, tx store.LedgerTx, providerID domain.ProviderID, candidate domain.Interval, exclude uuid.UUID) (bool, error) {
	ledger, err := tx.ListActiveAppointments(ctx, providerID, candidate.Start, candidate.End)
	if err != nil {
		return false, err
	}
	_, found := domain.FindConflict(ledger, providerID, candidate, exclude)
	return found, nil
}

// Book admits a new appointment or rejects it with ErrInvalidInterval or
// ErrSlotUnavailable.
func (s *Service) Book(ctx context.Context, in BookInput) (appt domain.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("provider_id", string(in.ProviderID)),
	))
	defer func() { endSpan(span, err) }()

	providerID := domain.ProviderID(strings.TrimSpace(string(in.ProviderID)))
	clientID := domain.ClientID(strings.TrimSpace(string(in.ClientID)))
	if providerID == "" {
		return domain.Appointment{}, validationError("provider_id is required")
	}
	if clientID == "" {
		return domain.Appointment{}, validationError("client_id is required")
	}

	iv, err := domain.NewInterval(in.StartTime, in.EndTime)
	if err != nil {
		return domain.Appointment{}, err
	}
	if iv.Duration() > s.cfg.MaxDuration {
		return domain.Appointment{}, validationError("duration too long")
	}

	status := in.Status
	if status == "" {
		status = s.cfg.DefaultStatus
	}
	if !status.Active() {
		return domain.Appointment{}, validationError("status must be PENDING or CONFIRMED")
	}

	candidate := domain.Appointment{
		ProviderID: providerID,
		ClientID:   clientID,
		StartTime:  iv.Start,
		EndTime:    iv.End,
		Status:     status,
		Notes:      in.Notes,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > maxIdempotencyKeyLen {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		candidate.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("appointly:book:"+string(providerID)+":"+key))
	}

	replayed := false
	err = s.repo.InProviderTransaction(ctx, providerID, func(ctx context.Context, tx store.LedgerTx) error {
		if candidate.ID != uuid.Nil {
			existing, err := tx.FindAppointment(ctx, candidate.ID)
			switch {
			case err == nil:
				if !existing.SameBooking(candidate) {
					return store.ErrIdempotencyConflict
				}
				appt, replayed = existing, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		conflict, err := HasConflict(ctx, tx, providerID, iv, uuid.Nil)
		if err != nil {
			return err
		}
		if conflict {
			return ErrSlotUnavailable
		}

		created, err := tx.CreateAppointment(ctx, candidate)
		if errors.Is(err, store.ErrConflict) {
			return ErrSlotUnavailable
		}
		if err != nil {
			return err
		}

		evt, err := outbox.NewAppointmentEvent(outbox.EventAppointmentBooked, created, nil)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		appt = created
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			s.log.Info("booking rejected",
				slog.String("provider_id", string(providerID)),
				slog.Time("start_time", iv.Start),
				slog.Time("end_time", iv.End),
				slog.String("reason", "slot unavailable"),
			)
		}
		return domain.Appointment{}, err
	}
	if replayed {
		return appt, nil
	}

	s.log.Info("appointment booked",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("provider_id", string(appt.ProviderID)),
		slog.String("status", string(appt.Status)),
	)
	s.dispatchCreateMeeting(ctx, appt, in.AttendeeEmail)
	return appt, nil
}

// Cancel marks the appointment CANCELLED with reason. Cancelling a cancelled
// appointment overwrites the reason.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (appt domain.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Appointment{}, validationError("reason is required")
	}

	err = s.repo.InTransaction(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		current, err := tx.FindAppointment(ctx, id)
		if err != nil {
			return err
		}
		prev := current

		now := time.Now().UTC()
		current.Status = domain.AppointmentStatusCancelled
		current.CancelReason = reason
		current.CancelledAt = &now
		updated, err := tx.UpdateAppointment(ctx, current)
		if err != nil {
			return err
		}

		evt, err := outbox.NewAppointmentEvent(outbox.EventAppointmentCancelled, updated, &prev)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		appt = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.log.Info("appointment cancelled",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("provider_id", string(appt.ProviderID)),
	)
	s.dispatchDeleteEvent(ctx, appt)
	return appt, nil
}

type UpdateInput struct {
	Status    *domain.AppointmentStatus
	Notes     *string
	StartTime *time.Time
	EndTime   *time.Time
}

// Update patches an appointment under the provider lock. Moving or reactivating an
// appointment re-runs the conflict check against the provider's other appointments.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (appt domain.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Update", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	if in.Status != nil {
		switch {
		case *in.Status == domain.AppointmentStatusCancelled:
			return domain.Appointment{}, validationError("use cancel to cancel an appointment")
		case !in.Status.Valid():
			return domain.Appointment{}, validationError("invalid status")
		}
	}
	if in.StartTime != nil && in.EndTime != nil {
		if _, err := domain.NewInterval(*in.StartTime, *in.EndTime); err != nil {
			return domain.Appointment{}, err
		}
	}

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}

	err = s.repo.InProviderTransaction(ctx, current.ProviderID, func(ctx context.Context, tx store.LedgerTx) error {
		a, err := tx.FindAppointment(ctx, id)
		if err != nil {
			return err
		}
		prev := a

		if in.Notes != nil {
			a.Notes = *in.Notes
		}
		if in.StartTime != nil {
			a.StartTime = in.StartTime.UTC()
		}
		if in.EndTime != nil {
			a.EndTime = in.EndTime.UTC()
		}
		if in.Status != nil {
			a.Status = *in.Status
		}
		iv, err := domain.NewInterval(a.StartTime, a.EndTime)
		if err != nil {
			return err
		}
		if iv.Duration() > s.cfg.MaxDuration {
			return validationError("duration too long")
		}
		if a.Status.Active() && !prev.Status.Active() {
			a.CancelReason = ""
			a.CancelledAt = nil
		}

		moved := !iv.Start.Equal(prev.StartTime) || !iv.End.Equal(prev.EndTime)
		if a.Status.Active() && (moved || !prev.Status.Active()) {
			conflict, err := HasConflict(ctx, tx, a.ProviderID, iv, a.ID)
			if err != nil {
				return err
			}
			if conflict {
				return ErrSlotUnavailable
			}
		}

		updated, err := tx.UpdateAppointment(ctx, a)
		if errors.Is(err, store.ErrConflict) {
			return ErrSlotUnavailable
		}
		if err != nil {
			return err
		}

		evt, err := outbox.NewAppointmentEvent(outbox.EventAppointmentUpdated, updated, &prev)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		appt = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	return s.repo.Get(ctx, id)
}

type ListInput struct {
	ProviderID  domain.ProviderID
	ClientID    domain.ClientID
	Status      domain.AppointmentStatus
	WindowStart time.Time
	WindowEnd   time.Time
	Limit       int
}

func (s *Service) List(ctx context.Context, in ListInput) ([]domain.Appointment, error) {
	if in.ProviderID == "" && in.ClientID == "" {
		return nil, validationError("provider_id or client_id is required")
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, validationError("invalid status")
	}

	start := in.WindowStart.UTC()
	end := in.WindowEnd.UTC()
	if !in.WindowStart.IsZero() && !in.WindowEnd.IsZero() && !end.After(start) {
		return nil, validationError("window_end must be after window_start")
	}

	limit := in.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	filter := store.AppointmentFilter{
		ProviderID: in.ProviderID,
		ClientID:   in.ClientID,
		Status:     in.Status,
		Limit:      limit,
	}
	if !in.WindowStart.IsZero() {
		filter.WindowStart = start
	}
	if !in.WindowEnd.IsZero() {
		filter.WindowEnd = end
	}
	return s.repo.List(ctx, filter)
}

// Delete physically removes an appointment.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Delete", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	if id == uuid.Nil {
		return validationError("appointment_id is required")
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	var deleted domain.Appointment
	err = s.repo.InProviderTransaction(ctx, current.ProviderID, func(ctx context.Context, tx store.LedgerTx) error {
		a, err := tx.FindAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteAppointment(ctx, id); err != nil {
			return err
		}
		evt, err := outbox.NewAppointmentEvent(outbox.EventAppointmentDeleted, a, nil)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		deleted = a
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("appointment deleted",
		slog.String("appointment_id", deleted.ID.String()),
		slog.String("provider_id", string(deleted.ProviderID)),
	)
	s.dispatchDeleteEvent(ctx, deleted)
	return nil
}

// ConnectCalendar stores the credential used to create meetings for the provider.
func (s *Service) ConnectCalendar(ctx context.Context, providerID domain.ProviderID, accessToken, calendarID string) (domain.CalendarCredential, error) {
	providerID = domain.ProviderID(strings.TrimSpace(string(providerID)))
	if providerID == "" {
		return domain.CalendarCredential{}, validationError("provider_id is required")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return domain.CalendarCredential{}, validationError("access_token is required")
	}
	if s.creds == nil {
		return domain.CalendarCredential{}, errors.New("calendar credentials store not configured")
	}
	return s.creds.PutCalendarCredential(ctx, domain.CalendarCredential{
		ProviderID:  providerID,
		AccessToken: accessToken,
		CalendarID:  strings.TrimSpace(calendarID),
	})
}

func (s *Service) dispatchCreateMeeting(ctx context.Context, appt domain.Appointment, attendeeEmail string) {
	err := s.calendar.DispatchCreateMeeting(ctx, tasks.CreateMeetingPayload{
		AppointmentID: appt.ID,
		ProviderID:    string(appt.ProviderID),
		AttendeeEmail: attendeeEmail,
	})
	if err != nil {
		s.log.Warn("calendar integration failure",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("provider_id", string(appt.ProviderID)),
			slog.Any("error", fmt.Errorf("dispatch create meeting: %w", err)),
		)
	}
}

func (s *Service) dispatchDeleteEvent(ctx context.Context, appt domain.Appointment) {
	if !appt.HasCalendarLink() {
		return
	}
	err := s.calendar.DispatchDeleteEvent(ctx, tasks.DeleteEventPayload{
		AppointmentID:   appt.ID,
		ProviderID:      string(appt.ProviderID),
		ExternalEventID: appt.ExternalEventID,
		CalendarID:      appt.ExternalCalendarID,
	})
	if err != nil {
		s.log.Warn("calendar integration failure",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("provider_id", string(appt.ProviderID)),
			slog.Any("error", fmt.Errorf("dispatch delete event: %w", err)),
		)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
