package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"appointly/backend/internal/calendar"
	"appointly/backend/internal/domain"
	"appointly/backend/internal/store"
)

type appointmentLinker interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	SetCalendarLinkage(ctx context.Context, id uuid.UUID, link domain.CalendarLinkage) (domain.Appointment, error)
	ClearCalendarLinkage(ctx context.Context, id uuid.UUID, externalEventID string) error
}

type credentialLookup interface {
	CalendarCredential(ctx context.Context, providerID domain.ProviderID) (domain.CalendarCredential, error)
}

// Handler executes calendar tasks against the external calendar and records the
// outcome on the appointment.
type Handler struct {
	appts      appointmentLinker
	creds      credentialLookup
	cal        calendar.Client
	limiter    *rate.Limiter
	summary    string
	calendarID string
	log        *slog.Logger
}

type HandlerConfig struct {
	// RatePerSecond caps calendar API calls. Zero or less means unlimited.
	RatePerSecond float64
	Burst         int
	// MeetingSummary is the event title shown on the provider's calendar.
	MeetingSummary string
	// DefaultCalendarID is used for providers that connected without naming a calendar.
	DefaultCalendarID string
}

func NewHandler(appts appointmentLinker, creds credentialLookup, cal calendar.Client, cfg HandlerConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	summary := cfg.MeetingSummary
	if summary == "" {
		summary = "Appointment"
	}
	return &Handler{
		appts:      appts,
		creds:      creds,
		cal:        cal,
		limiter:    rate.NewLimiter(limit, burst),
		summary:    summary,
		calendarID: cfg.DefaultCalendarID,
		log:        log.With(slog.String("component", "tasks.calendar")),
	}
}

// CreateMeeting creates a meeting for an active appointment and links it. If the
// appointment stopped being active while the meeting was created, the new event is
// removed again.
func (h *Handler) CreateMeeting(ctx context.Context, p CreateMeetingPayload) error {
	appt, err := h.appts.Get(ctx, p.AppointmentID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Info("appointment gone, skipping meeting", slog.String("appointment_id", p.AppointmentID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if !appt.Status.Active() || appt.HasCalendarLink() {
		return nil
	}

	cred, ok, err := h.credential(ctx, appt.ProviderID)
	if err != nil || !ok {
		return err
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	meeting, err := h.cal.CreateMeetingLink(ctx, cred, calendar.MeetingRequest{
		RequestID:     appt.ID.String(),
		Start:         appt.StartTime,
		End:           appt.EndTime,
		Summary:       h.summary,
		Description:   appt.Notes,
		AttendeeEmail: p.AttendeeEmail,
	})
	if err != nil {
		return err
	}

	_, err = h.appts.SetCalendarLinkage(ctx, appt.ID, domain.CalendarLinkage{
		MeetingLink:        meeting.Link,
		ExternalEventID:    meeting.ExternalEventID,
		ExternalCalendarID: meeting.CalendarID,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		h.log.Info("appointment no longer active, removing meeting",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("external_event_id", meeting.ExternalEventID),
		)
		cred.CalendarID = meeting.CalendarID
		if err := h.cal.DeleteMeetingEvent(ctx, cred, meeting.ExternalEventID); err != nil {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info("meeting linked",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("external_event_id", meeting.ExternalEventID),
	)
	return nil
}

// DeleteEvent removes the external event and clears the appointment's linkage.
func (h *Handler) DeleteEvent(ctx context.Context, p DeleteEventPayload) error {
	cred, ok, err := h.credential(ctx, domain.ProviderID(p.ProviderID))
	if err != nil || !ok {
		return err
	}
	if p.CalendarID != "" {
		cred.CalendarID = p.CalendarID
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := h.cal.DeleteMeetingEvent(ctx, cred, p.ExternalEventID); err != nil {
		return err
	}
	err = h.appts.ClearCalendarLinkage(ctx, p.AppointmentID, p.ExternalEventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (h *Handler) credential(ctx context.Context, providerID domain.ProviderID) (calendar.Credential, bool, error) {
	cred, err := h.creds.CalendarCredential(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Debug("provider has no calendar connected", slog.String("provider_id", string(providerID)))
		return calendar.Credential{}, false, nil
	}
	if err != nil {
		return calendar.Credential{}, false, err
	}
	calendarID := cred.CalendarID
	if calendarID == "" {
		calendarID = h.calendarID
	}
	return calendar.Credential{AccessToken: cred.AccessToken, CalendarID: calendarID}, true, nil
}

// Register binds the task types to mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeCreateMeeting, h.handleCreateMeeting)
	mux.HandleFunc(TypeDeleteEvent, h.handleDeleteEvent)
}

func (h *Handler) handleCreateMeeting(ctx context.Context, t *asynq.Task) error {
	var p CreateMeetingPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := h.CreateMeeting(ctx, p); err != nil {
		h.log.Warn("calendar integration failure",
			slog.String("task", t.Type()),
			slog.String("appointment_id", p.AppointmentID.String()),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (h *Handler) handleDeleteEvent(ctx context.Context, t *asynq.Task) error {
	var p DeleteEventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := h.DeleteEvent(ctx, p); err != nil {
		h.log.Warn("calendar integration failure",
			slog.String("task", t.Type()),
			slog.String("appointment_id", p.AppointmentID.String()),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
