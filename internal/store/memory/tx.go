package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
	"appointly/backend/internal/telemetry"
)

// ledgerTx buffers writes until commit. Provider locks it takes are held until the
// transaction ends, which stands in for row and advisory locks.
type ledgerTx struct {
	s       *Store
	held    map[domain.ProviderID]*sync.Mutex
	writes  map[uuid.UUID]domain.Appointment
	deletes map[uuid.UUID]struct{}
	events  []outbox.Record
}

func (s *Store) begin() *ledgerTx {
	return &ledgerTx{
		s:       s,
		held:    make(map[domain.ProviderID]*sync.Mutex),
		writes:  make(map[uuid.UUID]domain.Appointment),
		deletes: make(map[uuid.UUID]struct{}),
	}
}

func (tx *ledgerTx) lockProvider(providerID domain.ProviderID) {
	if _, ok := tx.held[providerID]; ok {
		return
	}
	l := tx.s.providerLock(providerID)
	l.Lock()
	tx.held[providerID] = l
}

func (tx *ledgerTx) release() {
	for _, l := range tx.held {
		l.Unlock()
	}
	tx.held = nil
}

func (tx *ledgerTx) run(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	defer tx.release()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *ledgerTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.deletes {
		delete(s.appts, id)
	}
	for id, a := range tx.writes {
		s.appts[id] = a
	}
	for _, r := range tx.events {
		s.nextID++
		r.ID = s.nextID
		r.EventID = uuid.NewString()
		s.events = append(s.events, r)
	}
}

// view merges committed state with this transaction's pending writes.
func (tx *ledgerTx) view() map[uuid.UUID]domain.Appointment {
	tx.s.mu.RLock()
	out := make(map[uuid.UUID]domain.Appointment, len(tx.s.appts)+len(tx.writes))
	for id, a := range tx.s.appts {
		out[id] = a
	}
	tx.s.mu.RUnlock()
	for id := range tx.deletes {
		delete(out, id)
	}
	for id, a := range tx.writes {
		out[id] = a
	}
	return out
}

func (tx *ledgerTx) FindAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	a, ok := tx.view()[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if len(tx.held) == 0 {
		tx.lockProvider(a.ProviderID)
		// Reload after acquiring the lock; a concurrent writer may have committed.
		a, ok = tx.view()[id]
		if !ok {
			return domain.Appointment{}, store.ErrNotFound
		}
	}
	return a, nil
}

func (tx *ledgerTx) ListActiveAppointments(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return activeOverlapping(tx.view(), providerID, domain.Interval{Start: windowStart, End: windowEnd}), nil
}

func (tx *ledgerTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	view := tx.view()
	if appt.ID != uuid.Nil {
		if _, ok := view[appt.ID]; ok {
			return domain.Appointment{}, store.ErrIdempotencyConflict
		}
	}
	if appt.Status.Active() {
		if _, ok := domain.FindConflict(activeOverlapping(view, appt.ProviderID, appt.Interval()), appt.ProviderID, appt.Interval(), uuid.Nil); ok {
			return domain.Appointment{}, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	delete(tx.deletes, appt.ID)
	tx.writes[appt.ID] = appt
	return appt, nil
}

func (tx *ledgerTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	view := tx.view()
	existing, ok := view[appt.ID]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if appt.Status.Active() {
		if _, ok := domain.FindConflict(activeOverlapping(view, appt.ProviderID, appt.Interval()), appt.ProviderID, appt.Interval(), appt.ID); ok {
			return domain.Appointment{}, store.ErrConflict
		}
	}
	appt.CreatedAt = existing.CreatedAt
	appt.UpdatedAt = time.Now().UTC()
	tx.writes[appt.ID] = appt
	return appt, nil
}

func (tx *ledgerTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if _, ok := tx.view()[id]; !ok {
		return store.ErrNotFound
	}
	delete(tx.writes, id)
	tx.deletes[id] = struct{}{}
	return nil
}

func (tx *ledgerTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := telemetry.TraceContextStrings(ctx)
	tx.events = append(tx.events, outbox.Record{
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}
