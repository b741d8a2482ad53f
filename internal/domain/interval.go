package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidInterval = errors.New("end_time must be after start_time")

// Interval is a half-open [Start, End) range.
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start.UTC(), End: end.UTC()}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

func (iv Interval) Validate() error {
	if !iv.End.After(iv.Start) {
		return ErrInvalidInterval
	}
	return nil
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps uses half-open semantics: back-to-back intervals do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// FindConflict returns the first active appointment of providerID whose interval
// overlaps candidate. The appointment with id exclude (if non-nil) is ignored.
func FindConflict(ledger []Appointment, providerID ProviderID, candidate Interval, exclude uuid.UUID) (Appointment, bool) {
	for _, a := range ledger {
		if a.ProviderID != providerID {
			continue
		}
		if exclude != uuid.Nil && a.ID == exclude {
			continue
		}
		if !a.Status.Active() {
			continue
		}
		if candidate.Overlaps(a.Interval()) {
			return a, true
		}
	}
	return Appointment{}, false
}
