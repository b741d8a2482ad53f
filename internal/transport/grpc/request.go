package grpc

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"appointly/backend/internal/domain"
)

// requestError is a malformed field in a request message.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

// requestReader pulls typed fields out of a Struct request. The first failure is
// kept in err and later reads return zero values.
type requestReader struct {
	fields map[string]*structpb.Value
	err    error
}

func newRequestReader(req *structpb.Struct) *requestReader {
	return &requestReader{fields: req.GetFields()}
}

func (r *requestReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = &requestError{msg: fmt.Sprintf(format, args...)}
	}
}

func (r *requestReader) value(name string) (*structpb.Value, bool) {
	v, ok := r.fields[name]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func (r *requestReader) has(name string) bool {
	_, ok := r.value(name)
	return ok
}

func (r *requestReader) string(name string) string {
	v, ok := r.value(name)
	if !ok {
		return ""
	}
	s, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		r.fail("%s must be a string", name)
		return ""
	}
	return strings.TrimSpace(s.StringValue)
}

func (r *requestReader) optionalString(name string) *string {
	if !r.has(name) {
		return nil
	}
	s := r.string(name)
	return &s
}

func (r *requestReader) requiredString(name string) string {
	s := r.string(name)
	if s == "" {
		r.fail("%s is required", name)
	}
	return s
}

func (r *requestReader) uuid(name string) uuid.UUID {
	s := r.requiredString(name)
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		r.fail("%s must be a UUID", name)
		return uuid.Nil
	}
	return id
}

func (r *requestReader) optionalUUID(name string) uuid.UUID {
	if !r.has(name) || r.string(name) == "" {
		return uuid.Nil
	}
	return r.uuid(name)
}

func (r *requestReader) optionalTime(name string) *time.Time {
	s := r.string(name)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		r.fail("%s must be an RFC 3339 timestamp", name)
		return nil
	}
	return &t
}

func (r *requestReader) requiredTime(name string) time.Time {
	t := r.optionalTime(name)
	if t == nil {
		r.fail("%s is required", name)
		return time.Time{}
	}
	return *t
}

func (r *requestReader) int(name string) int {
	v, ok := r.value(name)
	if !ok {
		return 0
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		r.fail("%s must be an integer", name)
		return 0
	}
	return int(n.NumberValue)
}

func (r *requestReader) optionalBool(name string) *bool {
	v, ok := r.value(name)
	if !ok {
		return nil
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		r.fail("%s must be a boolean", name)
		return nil
	}
	out := b.BoolValue
	return &out
}

func (r *requestReader) bool(name string) bool {
	b := r.optionalBool(name)
	return b != nil && *b
}

func (r *requestReader) status(name string) domain.AppointmentStatus {
	s := r.string(name)
	if s == "" {
		return ""
	}
	st := domain.AppointmentStatus(strings.ToUpper(s))
	if !st.Valid() {
		r.fail("%s must be one of PENDING, CONFIRMED, CANCELLED", name)
		return ""
	}
	return st
}

func (r *requestReader) date(name string) domain.Date {
	s := r.requiredString(name)
	if s == "" {
		return domain.Date{}
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		r.fail("%s must be a date (YYYY-MM-DD)", name)
		return domain.Date{}
	}
	return d
}

func (r *requestReader) timeOfDay(name string) domain.TimeOfDay {
	s := r.requiredString(name)
	if s == "" {
		return 0
	}
	t, err := domain.ParseTimeOfDay(s)
	if err != nil {
		r.fail("%s must be HH:MM", name)
		return 0
	}
	return t
}

func (r *requestReader) dayOfWeek(name string) domain.DayOfWeek {
	s := r.string(name)
	if s == "" {
		return ""
	}
	d, err := domain.ParseDayOfWeek(s)
	if err != nil {
		r.fail("%s must be a day of the week", name)
		return ""
	}
	return d
}
