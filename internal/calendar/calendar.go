// Package calendar talks to the provider's external calendar to attach and remove
// video meetings. Every failure is wrapped in ErrIntegration.
package calendar

import (
	"context"
	"errors"
	"time"
)

var ErrIntegration = errors.New("calendar integration failure")

type Credential struct {
	AccessToken string
	CalendarID  string
}

type MeetingRequest struct {
	// RequestID makes conference creation idempotent on the calendar side.
	RequestID     string
	Start         time.Time
	End           time.Time
	Summary       string
	Description   string
	AttendeeEmail string
}

type Meeting struct {
	Link            string
	ExternalEventID string
	CalendarID      string
}

type Client interface {
	CreateMeetingLink(ctx context.Context, cred Credential, req MeetingRequest) (Meeting, error)
	DeleteMeetingEvent(ctx context.Context, cred Credential, externalEventID string) error
}
