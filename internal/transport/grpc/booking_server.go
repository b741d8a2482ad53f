package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/service/availability"
	"appointly/backend/internal/service/booking"
	"appointly/backend/internal/store"
)

type bookingService interface {
	Book(ctx context.Context, in booking.BookInput) (domain.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (domain.Appointment, error)
	Update(ctx context.Context, id uuid.UUID, in booking.UpdateInput) (domain.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context, in booking.ListInput) ([]domain.Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ConnectCalendar(ctx context.Context, providerID domain.ProviderID, accessToken, calendarID string) (domain.CalendarCredential, error)
}

type availabilityService interface {
	UpsertRule(ctx context.Context, in availability.RuleInput) (domain.AvailabilityRule, error)
	DeactivateRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error)
	ListRules(ctx context.Context, providerID domain.ProviderID, activeOnly bool) ([]domain.AvailabilityRule, error)
	ListOpenSlots(ctx context.Context, providerID domain.ProviderID, date domain.Date) ([]domain.Slot, error)
}

type BookingServer struct {
	bookings     bookingService
	availability availabilityService
	log          *slog.Logger
}

func NewBookingServer(bookings bookingService, avail availabilityService, log *slog.Logger) *BookingServer {
	if log == nil {
		log = slog.Default()
	}
	return &BookingServer{
		bookings:     bookings,
		availability: avail,
		log:          log.With(slog.String("component", "grpc.booking")),
	}
}

func (s *BookingServer) Book(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "Book"))

	r := newRequestReader(req)
	in := booking.BookInput{
		ProviderID:     domain.ProviderID(r.requiredString("provider_id")),
		ClientID:       domain.ClientID(r.requiredString("client_id")),
		StartTime:      r.requiredTime("start_time"),
		EndTime:        r.requiredTime("end_time"),
		Notes:          r.string("notes"),
		Status:         r.status("status"),
		AttendeeEmail:  r.string("attendee_email"),
		IdempotencyKey: idempotencyKey(ctx),
	}
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	appt, err := s.bookings.Book(ctx, in)
	if err != nil {
		return nil, s.toStatus(log.With(
			slog.String("provider_id", string(in.ProviderID)),
			slog.Time("start_time", in.StartTime),
			slog.Time("end_time", in.EndTime),
		), err, "")
	}
	return appointmentResponse(appt)
}

func (s *BookingServer) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "Cancel"))

	r := newRequestReader(req)
	id := r.uuid("appointment_id")
	reason := r.string("reason")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	appt, err := s.bookings.Cancel(ctx, id, reason)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("appointment_id", id.String())), err, "appointment not found")
	}
	return appointmentResponse(appt)
}

func (s *BookingServer) UpdateAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "UpdateAppointment"))

	r := newRequestReader(req)
	id := r.uuid("appointment_id")
	var in booking.UpdateInput
	if st := r.status("status"); st != "" {
		in.Status = &st
	}
	in.Notes = r.optionalString("notes")
	in.StartTime = r.optionalTime("start_time")
	in.EndTime = r.optionalTime("end_time")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	appt, err := s.bookings.Update(ctx, id, in)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("appointment_id", id.String())), err, "appointment not found")
	}
	log.Info("appointment updated", slog.String("appointment_id", appt.ID.String()), slog.String("status", string(appt.Status)))
	return appointmentResponse(appt)
}

func (s *BookingServer) GetAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetAppointment"))

	r := newRequestReader(req)
	id := r.uuid("appointment_id")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	appt, err := s.bookings.Get(ctx, id)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("appointment_id", id.String())), err, "appointment not found")
	}
	return appointmentResponse(appt)
}

func (s *BookingServer) ListAppointments(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListAppointments"))

	r := newRequestReader(req)
	in := booking.ListInput{
		ProviderID: domain.ProviderID(r.string("provider_id")),
		ClientID:   domain.ClientID(r.string("client_id")),
		Status:     r.status("status"),
		Limit:      r.int("limit"),
	}
	if t := r.optionalTime("window_start"); t != nil {
		in.WindowStart = *t
	}
	if t := r.optionalTime("window_end"); t != nil {
		in.WindowEnd = *t
	}
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	appts, err := s.bookings.List(ctx, in)
	if err != nil {
		return nil, s.toStatus(log, err, "")
	}

	out := make([]any, 0, len(appts))
	for _, a := range appts {
		out = append(out, appointmentFields(a))
	}
	log.Debug("appointments listed",
		slog.String("provider_id", string(in.ProviderID)),
		slog.String("client_id", string(in.ClientID)),
		slog.Int("count", len(out)),
	)
	return toStruct(map[string]any{"appointments": out})
}

func (s *BookingServer) DeleteAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "DeleteAppointment"))

	r := newRequestReader(req)
	id := r.uuid("appointment_id")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	if err := s.bookings.Delete(ctx, id); err != nil {
		return nil, s.toStatus(log.With(slog.String("appointment_id", id.String())), err, "appointment not found")
	}
	return toStruct(map[string]any{})
}

func (s *BookingServer) UpsertAvailabilityRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "UpsertAvailabilityRule"))

	r := newRequestReader(req)
	in := availability.RuleInput{
		ID:                  r.optionalUUID("rule_id"),
		ProviderID:          domain.ProviderID(r.requiredString("provider_id")),
		DayOfWeek:           r.dayOfWeek("day_of_week"),
		StartTime:           r.timeOfDay("start_time"),
		EndTime:             r.timeOfDay("end_time"),
		SlotDurationMinutes: r.int("slot_duration_minutes"),
		Timezone:            r.string("timezone"),
		IsActive:            r.optionalBool("is_active"),
	}
	if r.has("specific_date") {
		d := r.date("specific_date")
		in.SpecificDate = &d
	}
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	rule, err := s.availability.UpsertRule(ctx, in)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("provider_id", string(in.ProviderID))), err, "availability rule not found")
	}
	return ruleResponse(rule)
}

func (s *BookingServer) DeactivateAvailabilityRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "DeactivateAvailabilityRule"))

	r := newRequestReader(req)
	id := r.uuid("rule_id")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	rule, err := s.availability.DeactivateRule(ctx, id)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("rule_id", id.String())), err, "availability rule not found")
	}
	return ruleResponse(rule)
}

func (s *BookingServer) GetAvailabilityRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetAvailabilityRule"))

	r := newRequestReader(req)
	id := r.uuid("rule_id")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	rule, err := s.availability.GetRule(ctx, id)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("rule_id", id.String())), err, "availability rule not found")
	}
	return ruleResponse(rule)
}

func (s *BookingServer) ListAvailabilityRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListAvailabilityRules"))

	r := newRequestReader(req)
	providerID := domain.ProviderID(r.requiredString("provider_id"))
	activeOnly := r.bool("active_only")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	rules, err := s.availability.ListRules(ctx, providerID, activeOnly)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("provider_id", string(providerID))), err, "")
	}
	out := make([]any, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleFields(rule))
	}
	return toStruct(map[string]any{"rules": out})
}

func (s *BookingServer) ListOpenSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListOpenSlots"))

	r := newRequestReader(req)
	providerID := domain.ProviderID(r.requiredString("provider_id"))
	date := r.date("date")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	slots, err := s.availability.ListOpenSlots(ctx, providerID, date)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("provider_id", string(providerID)), slog.String("date", date.String())), err, "")
	}

	out := make([]any, 0, len(slots))
	for _, sl := range slots {
		out = append(out, slotFields(sl))
	}
	log.Debug("open slots listed",
		slog.String("provider_id", string(providerID)),
		slog.String("date", date.String()),
		slog.Int("count", len(out)),
	)
	return toStruct(map[string]any{"slots": out})
}

func (s *BookingServer) ConnectCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ConnectCalendar"))

	r := newRequestReader(req)
	providerID := domain.ProviderID(r.requiredString("provider_id"))
	token := r.requiredString("access_token")
	calendarID := r.string("calendar_id")
	if r.err != nil {
		return nil, s.toStatus(log, r.err, "")
	}

	cred, err := s.bookings.ConnectCalendar(ctx, providerID, token, calendarID)
	if err != nil {
		return nil, s.toStatus(log.With(slog.String("provider_id", string(providerID))), err, "")
	}
	log.Info("calendar connected", slog.String("provider_id", string(cred.ProviderID)), slog.String("calendar_id", cred.CalendarID))
	return toStruct(map[string]any{
		"provider_id": string(cred.ProviderID),
		"calendar_id": cred.CalendarID,
		"updated_at":  formatTime(cred.UpdatedAt),
	})
}

// toStatus maps service errors to gRPC status codes. notFoundMsg is returned for
// store.ErrNotFound.
func (s *BookingServer) toStatus(log *slog.Logger, err error, notFoundMsg string) error {
	var (
		reqErr     *requestError
		bookingErr *booking.ValidationError
		availErr   *availability.ValidationError
	)
	switch {
	case errors.As(err, &reqErr), errors.As(err, &bookingErr), errors.As(err, &availErr):
		log.Warn("invalid request", slog.Any("err", err))
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, booking.ErrInvalidInterval):
		log.Warn("invalid request", slog.Any("err", err))
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		log.Info("slot unavailable")
		return status.Error(codes.FailedPrecondition, "That time slot is no longer available. Pick a different slot.")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict")
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different booking. Try again.")
	case errors.Is(err, store.ErrNotFound) && notFoundMsg != "":
		log.Info("not found")
		return status.Error(codes.NotFound, notFoundMsg)
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("request timed out", slog.Any("err", err))
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		log.Error("request failed", slog.Any("err", err))
		return status.Error(codes.Internal, "internal error")
	}
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

var _ BookingServiceServer = (*BookingServer)(nil)
