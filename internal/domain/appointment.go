package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ProviderID string

type ClientID string

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "PENDING"
	AppointmentStatusConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentStatusCancelled AppointmentStatus = "CANCELLED"
)

// ActiveStatuses are the statuses that occupy provider time.
var ActiveStatuses = []AppointmentStatus{AppointmentStatusPending, AppointmentStatusConfirmed}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentStatusPending, AppointmentStatusConfirmed, AppointmentStatusCancelled:
		return true
	}
	return false
}

// Active reports whether an appointment in this status blocks its interval.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentStatusPending || s == AppointmentStatusConfirmed
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                 uuid.UUID         `bun:"id,pk,type:uuid"`
	ProviderID         ProviderID        `bun:"provider_id,notnull"`
	ClientID           ClientID          `bun:"client_id,notnull"`
	StartTime          time.Time         `bun:"start_time,notnull"`
	EndTime            time.Time         `bun:"end_time,notnull"`
	Status             AppointmentStatus `bun:"status,notnull"`
	Notes              string            `bun:"notes,nullzero"`
	CancelReason       string            `bun:"cancel_reason,nullzero"`
	CancelledAt        *time.Time        `bun:"cancelled_at"`
	MeetingLink        string            `bun:"meeting_link,nullzero"`
	ExternalEventID    string            `bun:"external_event_id,nullzero"`
	ExternalCalendarID string            `bun:"external_calendar_id,nullzero"`
	CreatedAt          time.Time         `bun:"created_at,notnull"`
	UpdatedAt          time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

// SameBooking reports whether b asks for the same booking as a: same provider, client,
// notes and instants.
func (a Appointment) SameBooking(b Appointment) bool {
	return a.ProviderID == b.ProviderID &&
		a.ClientID == b.ClientID &&
		a.Notes == b.Notes &&
		a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime)
}

// HasCalendarLink reports whether the calendar collaborator has attached an external event.
func (a Appointment) HasCalendarLink() bool {
	return a.ExternalEventID != ""
}

// CalendarLinkage is what the calendar collaborator writes back after admission.
type CalendarLinkage struct {
	MeetingLink        string
	ExternalEventID    string
	ExternalCalendarID string
}
