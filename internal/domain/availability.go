package domain

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DayOfWeek string

const (
	Sunday    DayOfWeek = "SUNDAY"
	Monday    DayOfWeek = "MONDAY"
	Tuesday   DayOfWeek = "TUESDAY"
	Wednesday DayOfWeek = "WEDNESDAY"
	Thursday  DayOfWeek = "THURSDAY"
	Friday    DayOfWeek = "FRIDAY"
	Saturday  DayOfWeek = "SATURDAY"
)

var daysOfWeek = [7]DayOfWeek{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}

func DayOfWeekFromWeekday(wd time.Weekday) DayOfWeek {
	return daysOfWeek[int(wd)%7]
}

// ParseDayOfWeek accepts full names and three-letter abbreviations in any case.
func ParseDayOfWeek(s string) (DayOfWeek, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, d := range daysOfWeek {
		if v == string(d) || v == string(d)[:3] {
			return d, nil
		}
	}
	return "", fmt.Errorf("invalid day_of_week %q", s)
}

func (d DayOfWeek) Weekday() (time.Weekday, bool) {
	for i, v := range daysOfWeek {
		if v == d {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

// Date is a calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

// Time returns midnight UTC of d, the form used for date columns.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// At anchors a local time-of-day on d in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	m := int(tod)
	return time.Date(d.Year, d.Month, d.Day, m/60, m%60, 0, 0, loc)
}

// TimeOfDay is minutes since local midnight. 24:00 is allowed as an end bound.
type TimeOfDay int

const endOfDay TimeOfDay = 24 * 60

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h, errH := strconv.Atoi(s[:2])
	m, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) Value() (driver.Value, error) {
	return t.String(), nil
}

func (t *TimeOfDay) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into TimeOfDay", src)
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var ErrInvalidSlotDuration = errors.New("slot duration must be positive")

type AvailabilityRule struct {
	bun.BaseModel `bun:"table:availability_rules"`

	ID                  uuid.UUID  `bun:"id,pk,type:uuid"`
	ProviderID          ProviderID `bun:"provider_id,notnull"`
	DayOfWeek           DayOfWeek  `bun:"day_of_week,nullzero"`
	SpecificDate        *time.Time `bun:"specific_date,type:date"`
	StartTime           TimeOfDay  `bun:"start_time,notnull"`
	EndTime             TimeOfDay  `bun:"end_time,notnull"`
	SlotDurationMinutes int        `bun:"slot_duration_minutes,notnull"`
	Timezone            string     `bun:"timezone,notnull"`
	IsRecurring         bool       `bun:"is_recurring,notnull"`
	IsActive            bool       `bun:"is_active,notnull"`
	CreatedAt           time.Time  `bun:"created_at,notnull"`
	UpdatedAt           time.Time  `bun:"updated_at,notnull"`
}

func (r *AvailabilityRule) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

// IsOverride reports whether the rule targets a single calendar date.
func (r AvailabilityRule) IsOverride() bool {
	return !r.IsRecurring && r.SpecificDate != nil
}

func (r AvailabilityRule) SlotDuration() time.Duration {
	return time.Duration(r.SlotDurationMinutes) * time.Minute
}

func (r AvailabilityRule) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone %q", r.Timezone)
	}
	return loc, nil
}

// AppliesTo reports whether the rule contributes slots on d.
func (r AvailabilityRule) AppliesTo(d Date) bool {
	if !r.IsActive {
		return false
	}
	if r.IsOverride() {
		return DateOf(r.SpecificDate.UTC()) == d
	}
	if !r.IsRecurring {
		return false
	}
	wd, ok := r.DayOfWeek.Weekday()
	return ok && wd == d.Weekday()
}

// Validate checks the shape of a rule before it is stored.
func (r AvailabilityRule) Validate() error {
	if strings.TrimSpace(string(r.ProviderID)) == "" {
		return errors.New("provider_id is required")
	}
	if r.IsRecurring {
		if _, ok := r.DayOfWeek.Weekday(); !ok {
			return errors.New("day_of_week is required for recurring rules")
		}
		if r.SpecificDate != nil {
			return errors.New("specific_date must be empty for recurring rules")
		}
	} else if r.SpecificDate == nil {
		return errors.New("specific_date is required for date overrides")
	}
	if r.StartTime < 0 || r.EndTime > endOfDay {
		return errors.New("times must be within the day")
	}
	if r.StartTime >= r.EndTime {
		return errors.New("start_time must be before end_time")
	}
	if r.SlotDurationMinutes <= 0 {
		return ErrInvalidSlotDuration
	}
	if _, err := r.Location(); err != nil {
		return err
	}
	return nil
}
