// Package memory is an in-process implementation of the store interfaces. It backs
// the memory store driver and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
)

type Store struct {
	mu     sync.RWMutex
	appts  map[uuid.UUID]domain.Appointment
	rules  map[uuid.UUID]domain.AvailabilityRule
	creds  map[domain.ProviderID]domain.CalendarCredential
	events []outbox.Record
	nextID int64

	locksMu sync.Mutex
	locks   map[domain.ProviderID]*sync.Mutex

	relayMu sync.Mutex
}

func New() *Store {
	return &Store{
		appts: make(map[uuid.UUID]domain.Appointment),
		rules: make(map[uuid.UUID]domain.AvailabilityRule),
		creds: make(map[domain.ProviderID]domain.CalendarCredential),
		locks: make(map[domain.ProviderID]*sync.Mutex),
	}
}

func (s *Store) providerLock(providerID domain.ProviderID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[providerID] = l
	}
	return l
}

func (s *Store) InProviderTransaction(ctx context.Context, providerID domain.ProviderID, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	tx := s.begin()
	tx.lockProvider(providerID)
	return tx.run(ctx, fn)
}

func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	return s.begin().run(ctx, fn)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) List(ctx context.Context, filter store.AppointmentFilter) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Appointment
	for _, a := range s.appts {
		if filter.ProviderID != "" && a.ProviderID != filter.ProviderID {
			continue
		}
		if filter.ClientID != "" && a.ClientID != filter.ClientID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if !filter.WindowEnd.IsZero() && !a.StartTime.Before(filter.WindowEnd) {
			continue
		}
		if !filter.WindowStart.IsZero() && !a.EndTime.After(filter.WindowStart) {
			continue
		}
		out = append(out, a)
	}
	sortByStart(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeOverlapping(s.appts, providerID, domain.Interval{Start: windowStart, End: windowEnd}), nil
}

// withRowLock holds the appointment's provider lock around fn, as a row lock would
// serialise it against a ledger transaction that already loaded the row.
func (s *Store) withRowLock(id uuid.UUID, fn func() error) error {
	s.mu.RLock()
	a, ok := s.appts[id]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	l := s.providerLock(a.ProviderID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) SetCalendarLinkage(ctx context.Context, id uuid.UUID, link domain.CalendarLinkage) (domain.Appointment, error) {
	var out domain.Appointment
	err := s.withRowLock(id, func() error {
		a, ok := s.appts[id]
		if !ok {
			return store.ErrNotFound
		}
		if !a.Status.Active() {
			return store.ErrConflict
		}
		a.MeetingLink = link.MeetingLink
		a.ExternalEventID = link.ExternalEventID
		a.ExternalCalendarID = link.ExternalCalendarID
		a.UpdatedAt = time.Now().UTC()
		s.appts[id] = a
		out = a
		return nil
	})
	return out, err
}

func (s *Store) ClearCalendarLinkage(ctx context.Context, id uuid.UUID, externalEventID string) error {
	return s.withRowLock(id, func() error {
		a, ok := s.appts[id]
		if !ok {
			return store.ErrNotFound
		}
		if a.ExternalEventID != externalEventID {
			return nil
		}
		a.MeetingLink = ""
		a.ExternalEventID = ""
		a.ExternalCalendarID = ""
		a.UpdatedAt = time.Now().UTC()
		s.appts[id] = a
		return nil
	})
}

// RelayBatch hands up to limit unpublished events to publish and marks them
// published when it returns nil.
func (s *Store) RelayBatch(ctx context.Context, limit int, publish func(ctx context.Context, records []outbox.Record) error) (int, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	s.mu.RLock()
	n := len(s.events)
	if limit > 0 && n > limit {
		n = limit
	}
	batch := append([]outbox.Record(nil), s.events[:n]...)
	s.mu.RUnlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := publish(ctx, batch); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.events = s.events[len(batch):]
	s.mu.Unlock()
	return len(batch), nil
}

func (s *Store) UpsertRule(ctx context.Context, rule domain.AvailabilityRule) (domain.AvailabilityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rule.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.AvailabilityRule{}, err
		}
		rule.ID = id
	}
	if existing, ok := s.rules[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.AvailabilityRule{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) DeactivateRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.AvailabilityRule{}, store.ErrNotFound
	}
	r.IsActive = false
	r.UpdatedAt = time.Now().UTC()
	s.rules[id] = r
	return r, nil
}

func (s *Store) ListRules(ctx context.Context, providerID domain.ProviderID, activeOnly bool) ([]domain.AvailabilityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AvailabilityRule
	for _, r := range s.rules {
		if r.ProviderID != providerID {
			continue
		}
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) PutCalendarCredential(ctx context.Context, cred domain.CalendarCredential) (domain.CalendarCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.CalendarID == "" {
		cred.CalendarID = "primary"
	}
	cred.UpdatedAt = time.Now().UTC()
	s.creds[cred.ProviderID] = cred
	return cred, nil
}

func (s *Store) CalendarCredential(ctx context.Context, providerID domain.ProviderID) (domain.CalendarCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[providerID]
	if !ok {
		return domain.CalendarCredential{}, store.ErrNotFound
	}
	return c, nil
}

func activeOverlapping(appts map[uuid.UUID]domain.Appointment, providerID domain.ProviderID, window domain.Interval) []domain.Appointment {
	var out []domain.Appointment
	for _, a := range appts {
		if a.ProviderID != providerID || !a.Status.Active() {
			continue
		}
		if a.Interval().Overlaps(window) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(appts []domain.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		return appts[i].StartTime.Before(appts[j].StartTime)
	})
}

var (
	_ store.AppointmentRepository      = (*Store)(nil)
	_ store.AvailabilityRuleRepository = (*Store)(nil)
	_ store.CalendarCredentialStore    = (*Store)(nil)
)
