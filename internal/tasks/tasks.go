// Package tasks carries the calendar side effects that run after a booking
// transaction commits.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeCreateMeeting = "calendar:create_meeting"
	TypeDeleteEvent   = "calendar:delete_event"
)

type CreateMeetingPayload struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderID    string    `json:"provider_id"`
	// AttendeeEmail is forwarded to the calendar invite only; it is never stored.
	AttendeeEmail string `json:"attendee_email,omitempty"`
}

type DeleteEventPayload struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	ProviderID      string    `json:"provider_id"`
	ExternalEventID string    `json:"external_event_id"`
	CalendarID      string    `json:"calendar_id,omitempty"`
}

// TaskOptions control how tasks are enqueued. Side effects never retry.
type TaskOptions struct {
	Queue   string
	Timeout time.Duration
}

func (o TaskOptions) asynqOptions(taskID string) []asynq.Option {
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.TaskID(taskID)}
	if o.Queue != "" {
		opts = append(opts, asynq.Queue(o.Queue))
	}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	return opts
}

func NewCreateMeetingTask(p CreateMeetingPayload, o TaskOptions) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(TypeCreateMeeting, b), o.asynqOptions("create_meeting:" + p.AppointmentID.String()), nil
}

func NewDeleteEventTask(p DeleteEventPayload, o TaskOptions) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(TypeDeleteEvent, b), o.asynqOptions("delete_event:" + p.ExternalEventID), nil
}
