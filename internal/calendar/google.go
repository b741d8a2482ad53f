package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultCalendarID = "primary"
	meetSolutionType  = "hangoutsMeet"
)

// GoogleClient creates Google Calendar events carrying a Meet conference.
type GoogleClient struct {
	timeZone string
	opts     []option.ClientOption
}

// NewGoogleClient returns a client that stamps events with timeZone. Extra options
// are appended after the per-call token source.
func NewGoogleClient(timeZone string, opts ...option.ClientOption) *GoogleClient {
	if timeZone == "" {
		timeZone = "UTC"
	}
	return &GoogleClient{timeZone: timeZone, opts: opts}
}

func (c *GoogleClient) service(ctx context.Context, cred Credential) (*gcal.Service, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrIntegration)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegration, err)
	}
	return svc, nil
}

func (c *GoogleClient) CreateMeetingLink(ctx context.Context, cred Credential, req MeetingRequest) (Meeting, error) {
	svc, err := c.service(ctx, cred)
	if err != nil {
		return Meeting{}, err
	}
	calendarID := calendarOrDefault(cred.CalendarID)

	ev := &gcal.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339), TimeZone: c.timeZone},
		End:         &gcal.EventDateTime{DateTime: req.End.Format(time.RFC3339), TimeZone: c.timeZone},
		ConferenceData: &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             req.RequestID,
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: meetSolutionType},
			},
		},
	}
	if req.AttendeeEmail != "" {
		ev.Attendees = []*gcal.EventAttendee{{Email: req.AttendeeEmail}}
	}

	created, err := svc.Events.Insert(calendarID, ev).ConferenceDataVersion(1).Context(ctx).Do()
	if err != nil {
		return Meeting{}, fmt.Errorf("%w: create event: %v", ErrIntegration, err)
	}

	m := Meeting{
		Link:            meetingLink(created),
		ExternalEventID: created.Id,
		CalendarID:      calendarID,
	}
	if created.Organizer != nil && created.Organizer.Email != "" {
		m.CalendarID = created.Organizer.Email
	}
	return m, nil
}

// DeleteMeetingEvent treats an event that is already gone as deleted.
func (c *GoogleClient) DeleteMeetingEvent(ctx context.Context, cred Credential, externalEventID string) error {
	svc, err := c.service(ctx, cred)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(calendarOrDefault(cred.CalendarID), externalEventID).Context(ctx).Do()
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && (gErr.Code == http.StatusNotFound || gErr.Code == http.StatusGone) {
			return nil
		}
		return fmt.Errorf("%w: delete event: %v", ErrIntegration, err)
	}
	return nil
}

func meetingLink(ev *gcal.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData == nil {
		return ""
	}
	for _, ep := range ev.ConferenceData.EntryPoints {
		if ep.EntryPointType == "video" && ep.Uri != "" {
			return ep.Uri
		}
	}
	if len(ev.ConferenceData.EntryPoints) > 0 {
		return ev.ConferenceData.EntryPoints[0].Uri
	}
	return ""
}

func calendarOrDefault(id string) string {
	if id == "" {
		return defaultCalendarID
	}
	return id
}

var _ Client = (*GoogleClient)(nil)
