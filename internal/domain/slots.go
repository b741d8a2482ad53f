package domain

import (
	"fmt"
	"time"
)

// Slot is a derived candidate booking interval. It is never persisted.
type Slot struct {
	Start           time.Time
	End             time.Time
	DurationMinutes int
}

func (s Slot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// GenerateSlots expands every rule that applies to d into fixed-duration slots.
// Slots of one rule are ascending; rules are emitted in the order given. A trailing
// window shorter than the slot duration is dropped. Overlapping rules are not merged.
// Rules that do not apply to d are skipped unchecked; an applicable rule with a
// non-positive duration fails with ErrInvalidSlotDuration.
func GenerateSlots(d Date, rules []AvailabilityRule) ([]Slot, error) {
	var out []Slot
	for _, r := range rules {
		if !r.AppliesTo(d) {
			continue
		}
		if r.SlotDurationMinutes <= 0 {
			return nil, fmt.Errorf("rule %s: %w", r.ID, ErrInvalidSlotDuration)
		}
		loc, err := r.Location()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}

		step := r.SlotDuration()
		end := d.At(r.EndTime, loc)
		for cursor := d.At(r.StartTime, loc); !cursor.Add(step).After(end); cursor = cursor.Add(step) {
			out = append(out, Slot{
				Start:           cursor.UTC(),
				End:             cursor.Add(step).UTC(),
				DurationMinutes: r.SlotDurationMinutes,
			})
		}
	}
	return out, nil
}

// ApplicableRules selects the rules that apply to d. When an active date override
// matches d, only the overrides are returned and recurring rules for that weekday
// are suppressed.
func ApplicableRules(d Date, rules []AvailabilityRule) []AvailabilityRule {
	var recurring, overrides []AvailabilityRule
	for _, r := range rules {
		if !r.AppliesTo(d) {
			continue
		}
		if r.IsOverride() {
			overrides = append(overrides, r)
		} else {
			recurring = append(recurring, r)
		}
	}
	if len(overrides) > 0 {
		return overrides
	}
	return recurring
}

// OpenSlots drops every slot that overlaps an active appointment.
func OpenSlots(slots []Slot, appts []Appointment) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		taken := false
		for _, a := range appts {
			if a.Status.Active() && s.Interval().Overlaps(a.Interval()) {
				taken = true
				break
			}
		}
		if !taken {
			out = append(out, s)
		}
	}
	return out
}

// SlotsWindow returns the smallest interval covering every slot.
func SlotsWindow(slots []Slot) (Interval, bool) {
	if len(slots) == 0 {
		return Interval{}, false
	}
	w := Interval{Start: slots[0].Start, End: slots[0].End}
	for _, s := range slots[1:] {
		if s.Start.Before(w.Start) {
			w.Start = s.Start
		}
		if s.End.After(w.End) {
			w.End = s.End
		}
	}
	return w, true
}
