package grpc

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"appointly/backend/internal/domain"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func appointmentFields(a domain.Appointment) map[string]any {
	m := map[string]any{
		"id":          a.ID.String(),
		"provider_id": string(a.ProviderID),
		"client_id":   string(a.ClientID),
		"start_time":  formatTime(a.StartTime),
		"end_time":    formatTime(a.EndTime),
		"status":      string(a.Status),
		"notes":       a.Notes,
		"created_at":  formatTime(a.CreatedAt),
		"updated_at":  formatTime(a.UpdatedAt),
	}
	if a.CancelReason != "" {
		m["cancel_reason"] = a.CancelReason
	}
	if a.CancelledAt != nil {
		m["cancelled_at"] = formatTime(*a.CancelledAt)
	}
	if a.HasCalendarLink() {
		m["meeting_link"] = a.MeetingLink
		m["external_event_id"] = a.ExternalEventID
		m["external_calendar_id"] = a.ExternalCalendarID
	}
	return m
}

func ruleFields(r domain.AvailabilityRule) map[string]any {
	m := map[string]any{
		"id":                    r.ID.String(),
		"provider_id":           string(r.ProviderID),
		"start_time":            r.StartTime.String(),
		"end_time":              r.EndTime.String(),
		"slot_duration_minutes": r.SlotDurationMinutes,
		"timezone":              r.Timezone,
		"is_recurring":          r.IsRecurring,
		"is_active":             r.IsActive,
		"created_at":            formatTime(r.CreatedAt),
		"updated_at":            formatTime(r.UpdatedAt),
	}
	if r.DayOfWeek != "" {
		m["day_of_week"] = string(r.DayOfWeek)
	}
	if r.SpecificDate != nil {
		m["specific_date"] = domain.DateOf(r.SpecificDate.UTC()).String()
	}
	return m
}

func slotFields(s domain.Slot) map[string]any {
	return map[string]any{
		"start_time":       formatTime(s.Start),
		"end_time":         formatTime(s.End),
		"duration_minutes": s.DurationMinutes,
	}
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func appointmentResponse(a domain.Appointment) (*structpb.Struct, error) {
	return toStruct(map[string]any{"appointment": appointmentFields(a)})
}

func ruleResponse(r domain.AvailabilityRule) (*structpb.Struct, error) {
	return toStruct(map[string]any{"rule": ruleFields(r)})
}
