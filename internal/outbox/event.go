package outbox

import (
	"encoding/json"
	"time"

	"appointly/backend/internal/domain"
)

const (
	AggregateAppointment = "appointment"

	EventAppointmentBooked    = "booking.appointment.booked.v1"
	EventAppointmentCancelled = "booking.appointment.cancelled.v1"
	EventAppointmentUpdated   = "booking.appointment.updated.v1"
	EventAppointmentDeleted   = "booking.appointment.deleted.v1"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Record is a stored Event awaiting publication.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

type AppointmentPayload struct {
	AppointmentID        string     `json:"appointment_id"`
	ProviderID           string     `json:"provider_id"`
	ClientID             string     `json:"client_id"`
	StartTime            time.Time  `json:"start_time"`
	EndTime              time.Time  `json:"end_time"`
	Status               string     `json:"status"`
	Notes                string     `json:"notes,omitempty"`
	CancelReason         string     `json:"cancel_reason,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	PreviousStatus       string     `json:"previous_status,omitempty"`
	PreviousCancelReason string     `json:"previous_cancel_reason,omitempty"`
	OccurredAt           time.Time  `json:"occurred_at"`
}

// NewAppointmentEvent builds an event for appt. previous, when set, is the state
// before the mutation.
func NewAppointmentEvent(eventType string, appt domain.Appointment, previous *domain.Appointment) (Event, error) {
	p := AppointmentPayload{
		AppointmentID: appt.ID.String(),
		ProviderID:    string(appt.ProviderID),
		ClientID:      string(appt.ClientID),
		StartTime:     appt.StartTime.UTC(),
		EndTime:       appt.EndTime.UTC(),
		Status:        string(appt.Status),
		Notes:         appt.Notes,
		CancelReason:  appt.CancelReason,
		CancelledAt:   appt.CancelledAt,
		OccurredAt:    time.Now().UTC(),
	}
	if previous != nil {
		p.PreviousStatus = string(previous.Status)
		p.PreviousCancelReason = previous.CancelReason
	}

	b, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   appt.ID.String(),
		EventType:     eventType,
		Payload:       b,
	}, nil
}
