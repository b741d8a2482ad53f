package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
	"appointly/backend/internal/store/memory"
	"appointly/backend/internal/tasks"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	createFn func(ctx context.Context, p tasks.CreateMeetingPayload) error
	deleteFn func(ctx context.Context, p tasks.DeleteEventPayload) error
}

func (f *fakeDispatcher) DispatchCreateMeeting(ctx context.Context, p tasks.CreateMeetingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFn == nil {
		panic("DispatchCreateMeeting not configured")
	}
	return f.createFn(ctx, p)
}

func (f *fakeDispatcher) DispatchDeleteEvent(ctx context.Context, p tasks.DeleteEventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteFn == nil {
		panic("DispatchDeleteEvent not configured")
	}
	return f.deleteFn(ctx, p)
}

// countingRepo records whether the ledger was touched.
type countingRepo struct {
	store.AppointmentRepository
	mu    sync.Mutex
	calls int
}

func (r *countingRepo) InProviderTransaction(ctx context.Context, providerID domain.ProviderID, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.AppointmentRepository.InProviderTransaction(ctx, providerID, fn)
}

var at = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func okDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		createFn: func(ctx context.Context, p tasks.CreateMeetingPayload) error { return nil },
		deleteFn: func(ctx context.Context, p tasks.DeleteEventPayload) error { return nil },
	}
}

func newService(t *testing.T, d tasks.Dispatcher) (*Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	return NewService(s, s, d, Config{}, nil), s
}

func bookInput(start time.Time, d time.Duration) BookInput {
	return BookInput{ProviderID: "p1", ClientID: "c1", StartTime: start, EndTime: start.Add(d)}
}

func relayed(t *testing.T, s *memory.Store) []outbox.Record {
	t.Helper()
	var out []outbox.Record
	_, err := s.RelayBatch(context.Background(), 100, func(ctx context.Context, records []outbox.Record) error {
		out = append(out, records...)
		return nil
	})
	if err != nil {
		t.Fatalf("RelayBatch: %v", err)
	}
	return out
}

func TestBook_AdmitsWithDefaultStatusAndEmitsEvent(t *testing.T) {
	var dispatched tasks.CreateMeetingPayload
	d := okDispatcher()
	d.createFn = func(ctx context.Context, p tasks.CreateMeetingPayload) error {
		dispatched = p
		return nil
	}
	svc, s := newService(t, d)

	in := bookInput(at, 30*time.Minute)
	in.Notes = "first visit"
	in.AttendeeEmail = "c1@example.com"
	appt, err := svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if appt.Status != domain.AppointmentStatusPending {
		t.Fatalf("status = %q, want %q", appt.Status, domain.AppointmentStatusPending)
	}
	if appt.ID == uuid.Nil || !appt.StartTime.Equal(at) || appt.Notes != "first visit" {
		t.Fatalf("appointment = %+v", appt)
	}
	if dispatched.AppointmentID != appt.ID || dispatched.AttendeeEmail != "c1@example.com" {
		t.Fatalf("dispatched = %+v", dispatched)
	}

	events := relayed(t, s)
	if len(events) != 1 || events[0].EventType != outbox.EventAppointmentBooked || events[0].AggregateID != appt.ID.String() {
		t.Fatalf("events = %+v", events)
	}
}

func TestBook_ConfiguredDefaultAndExplicitStatus(t *testing.T) {
	s := memory.New()
	svc := NewService(s, s, okDispatcher(), Config{DefaultStatus: domain.AppointmentStatusConfirmed}, nil)

	appt, err := svc.Book(context.Background(), bookInput(at, time.Hour))
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if appt.Status != domain.AppointmentStatusConfirmed {
		t.Fatalf("status = %q, want CONFIRMED", appt.Status)
	}

	in := bookInput(at.Add(time.Hour), time.Hour)
	in.Status = domain.AppointmentStatusCancelled
	_, err = svc.Book(context.Background(), in)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestBook_InvalidIntervalNeverTouchesLedger(t *testing.T) {
	mem := memory.New()
	repo := &countingRepo{AppointmentRepository: mem}
	svc := NewService(repo, mem, &fakeDispatcher{}, Config{}, nil)

	for _, d := range []time.Duration{0, -time.Minute} {
		_, err := svc.Book(context.Background(), bookInput(at, d))
		if !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("duration %v: err = %v, want %v", d, err, ErrInvalidInterval)
		}
	}
	if repo.calls != 0 {
		t.Fatalf("ledger transactions = %d, want 0", repo.calls)
	}
	if got, _ := mem.List(context.Background(), store.AppointmentFilter{ProviderID: "p1"}); len(got) != 0 {
		t.Fatalf("ledger = %v, want empty", got)
	}
}

func TestBook_ValidationErrors(t *testing.T) {
	svc, _ := newService(t, &fakeDispatcher{})
	tests := []struct {
		name string
		in   BookInput
		want string
	}{
		{name: "missing provider", in: BookInput{ClientID: "c1", StartTime: at, EndTime: at.Add(time.Hour)}, want: "provider_id is required"},
		{name: "missing client", in: BookInput{ProviderID: "p1", StartTime: at, EndTime: at.Add(time.Hour)}, want: "client_id is required"},
		{name: "too long", in: bookInput(at, 25*time.Hour), want: "duration too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Book(context.Background(), tt.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestBook_HalfOpenIntervals(t *testing.T) {
	svc, _ := newService(t, okDispatcher())
	ctx := context.Background()

	if _, err := svc.Book(ctx, bookInput(at, 30*time.Minute)); err != nil {
		t.Fatalf("first Book error: %v", err)
	}
	if _, err := svc.Book(ctx, bookInput(at.Add(30*time.Minute), 30*time.Minute)); err != nil {
		t.Fatalf("back-to-back Book error: %v", err)
	}
	if _, err := svc.Book(ctx, bookInput(at.Add(15*time.Minute), 30*time.Minute)); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("overlapping Book err = %v, want %v", err, ErrSlotUnavailable)
	}

	other := bookInput(at.Add(15*time.Minute), 30*time.Minute)
	other.ProviderID = "p2"
	if _, err := svc.Book(ctx, other); err != nil {
		t.Fatalf("other provider Book error: %v", err)
	}
}

func TestBook_ConcurrentIdenticalRequestsAdmitExactlyOne(t *testing.T) {
	for _, n := range []int{1, 2, 8, 32} {
		svc, _ := newService(t, okDispatcher())

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			admitted  int
			rejected  int
			unexpects []error
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := svc.Book(context.Background(), bookInput(at, time.Hour))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					admitted++
				case errors.Is(err, ErrSlotUnavailable):
					rejected++
				default:
					unexpects = append(unexpects, err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if len(unexpects) > 0 {
			t.Fatalf("n=%d: unexpected errors %v", n, unexpects)
		}
		if admitted != 1 || rejected != n-1 {
			t.Fatalf("n=%d: admitted = %d rejected = %d, want 1 and %d", n, admitted, rejected, n-1)
		}
	}
}

func TestBook_CalendarDispatchFailureDoesNotFailBooking(t *testing.T) {
	d := okDispatcher()
	d.createFn = func(ctx context.Context, p tasks.CreateMeetingPayload) error { return errors.New("redis down") }
	svc, s := newService(t, d)

	appt, err := svc.Book(context.Background(), bookInput(at, time.Hour))
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	got, err := s.Get(context.Background(), appt.ID)
	if err != nil || got.Status != domain.AppointmentStatusPending {
		t.Fatalf("stored = %+v err = %v", got, err)
	}
}

func TestBook_IdempotencyKey(t *testing.T) {
	dispatches := 0
	d := okDispatcher()
	d.createFn = func(ctx context.Context, p tasks.CreateMeetingPayload) error {
		dispatches++
		return nil
	}
	svc, s := newService(t, d)
	ctx := context.Background()

	in := bookInput(at, time.Hour)
	in.IdempotencyKey = "req-1"
	first, err := svc.Book(ctx, in)
	if err != nil {
		t.Fatalf("first Book error: %v", err)
	}
	second, err := svc.Book(ctx, in)
	if err != nil {
		t.Fatalf("replayed Book error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay id = %v, want %v", second.ID, first.ID)
	}
	want := uuid.NewSHA1(uuid.NameSpaceOID, []byte("appointly:book:p1:req-1"))
	if first.ID != want {
		t.Fatalf("id = %v, want %v", first.ID, want)
	}
	if dispatches != 1 {
		t.Fatalf("dispatches = %d, want 1", dispatches)
	}
	if events := relayed(t, s); len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	in.Notes = "different"
	if _, err := svc.Book(ctx, in); !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("mismatched replay err = %v, want %v", err, store.ErrIdempotencyConflict)
	}
}

func TestCancel_FreesIntervalAndOverwritesReason(t *testing.T) {
	svc, s := newService(t, okDispatcher())
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookInput(at, time.Hour))
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, appt.ID, "client sick")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if cancelled.Status != domain.AppointmentStatusCancelled || cancelled.CancelReason != "client sick" || cancelled.CancelledAt == nil {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	again, err := svc.Cancel(ctx, appt.ID, "rescheduled elsewhere")
	if err != nil {
		t.Fatalf("second Cancel error: %v", err)
	}
	if again.CancelReason != "rescheduled elsewhere" {
		t.Fatalf("reason = %q, want overwritten", again.CancelReason)
	}

	if _, err := svc.Book(ctx, bookInput(at, time.Hour)); err != nil {
		t.Fatalf("rebooking freed interval: %v", err)
	}

	events := relayed(t, s)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	var p outbox.AppointmentPayload
	if err := json.Unmarshal(events[2].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if events[2].EventType != outbox.EventAppointmentCancelled || p.PreviousStatus != "CANCELLED" || p.PreviousCancelReason != "client sick" {
		t.Fatalf("second cancel event = %s %+v", events[2].EventType, p)
	}
}

func TestCancel_Errors(t *testing.T) {
	svc, _ := newService(t, &fakeDispatcher{})
	ctx := context.Background()

	if _, err := svc.Cancel(ctx, uuid.New(), "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
	}
	var vErr *ValidationError
	if _, err := svc.Cancel(ctx, uuid.New(), "  "); !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestCancel_DispatchesCalendarRemovalOnlyWhenLinked(t *testing.T) {
	var deletes []tasks.DeleteEventPayload
	d := okDispatcher()
	d.deleteFn = func(ctx context.Context, p tasks.DeleteEventPayload) error {
		deletes = append(deletes, p)
		return errors.New("queue unavailable")
	}
	svc, s := newService(t, d)
	ctx := context.Background()

	plain, _ := svc.Book(ctx, bookInput(at, time.Hour))
	if _, err := svc.Cancel(ctx, plain.ID, "no"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if len(deletes) != 0 {
		t.Fatalf("deletes = %d, want 0", len(deletes))
	}

	linked, _ := svc.Book(ctx, bookInput(at.Add(2*time.Hour), time.Hour))
	if _, err := s.SetCalendarLinkage(ctx, linked.ID, domain.CalendarLinkage{MeetingLink: "l", ExternalEventID: "evt-1", ExternalCalendarID: "primary"}); err != nil {
		t.Fatalf("SetCalendarLinkage: %v", err)
	}
	if _, err := svc.Cancel(ctx, linked.ID, "no"); err != nil {
		t.Fatalf("Cancel with failing dispatch error: %v", err)
	}
	if len(deletes) != 1 || deletes[0].ExternalEventID != "evt-1" || deletes[0].CalendarID != "primary" {
		t.Fatalf("deletes = %+v", deletes)
	}
}

func TestUpdate(t *testing.T) {
	svc, _ := newService(t, okDispatcher())
	ctx := context.Background()

	a, _ := svc.Book(ctx, bookInput(at, time.Hour))
	b, _ := svc.Book(ctx, bookInput(at.Add(2*time.Hour), time.Hour))

	confirmed := domain.AppointmentStatusConfirmed
	notes := "bring reports"
	got, err := svc.Update(ctx, a.ID, UpdateInput{Status: &confirmed, Notes: &notes})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if got.Status != confirmed || got.Notes != notes {
		t.Fatalf("updated = %+v", got)
	}

	// Moving within its own interval is not a conflict with itself.
	start := at.Add(30 * time.Minute)
	end := at.Add(90 * time.Minute)
	if _, err := svc.Update(ctx, a.ID, UpdateInput{StartTime: &start, EndTime: &end}); err != nil {
		t.Fatalf("self-overlapping move error: %v", err)
	}

	start = at.Add(150 * time.Minute)
	end = at.Add(210 * time.Minute)
	if _, err := svc.Update(ctx, a.ID, UpdateInput{StartTime: &start, EndTime: &end}); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("move onto b err = %v, want %v", err, ErrSlotUnavailable)
	}

	bad := at
	if _, err := svc.Update(ctx, b.ID, UpdateInput{EndTime: &bad}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("invalid end err = %v, want %v", err, ErrInvalidInterval)
	}

	cancelled := domain.AppointmentStatusCancelled
	var vErr *ValidationError
	if _, err := svc.Update(ctx, b.ID, UpdateInput{Status: &cancelled}); !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if _, err := svc.Update(ctx, uuid.New(), UpdateInput{Notes: &notes}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestUpdate_ReactivationChecksConflictsAndClearsReason(t *testing.T) {
	svc, _ := newService(t, okDispatcher())
	ctx := context.Background()

	a, _ := svc.Book(ctx, bookInput(at, time.Hour))
	if _, err := svc.Cancel(ctx, a.ID, "moved"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	b, err := svc.Book(ctx, bookInput(at, time.Hour))
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}

	pending := domain.AppointmentStatusPending
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Status: &pending}); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("reactivation err = %v, want %v", err, ErrSlotUnavailable)
	}

	if _, err := svc.Cancel(ctx, b.ID, "done"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	got, err := svc.Update(ctx, a.ID, UpdateInput{Status: &pending})
	if err != nil {
		t.Fatalf("reactivation error: %v", err)
	}
	if got.CancelReason != "" || got.CancelledAt != nil {
		t.Fatalf("reactivated = %+v, want cancel fields cleared", got)
	}
}

func TestDelete(t *testing.T) {
	var deletes int
	d := okDispatcher()
	d.deleteFn = func(ctx context.Context, p tasks.DeleteEventPayload) error {
		deletes++
		return nil
	}
	svc, s := newService(t, d)
	ctx := context.Background()

	a, _ := svc.Book(ctx, bookInput(at, time.Hour))
	if _, err := s.SetCalendarLinkage(ctx, a.ID, domain.CalendarLinkage{ExternalEventID: "evt-1"}); err != nil {
		t.Fatalf("SetCalendarLinkage: %v", err)
	}
	if err := svc.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := svc.Get(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want %v", err, store.ErrNotFound)
	}
	if deletes != 1 {
		t.Fatalf("calendar deletes = %d, want 1", deletes)
	}
	if err := svc.Delete(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want %v", err, store.ErrNotFound)
	}

	events := relayed(t, s)
	if last := events[len(events)-1]; last.EventType != outbox.EventAppointmentDeleted {
		t.Fatalf("last event = %s, want %s", last.EventType, outbox.EventAppointmentDeleted)
	}
}

func TestList(t *testing.T) {
	svc, _ := newService(t, okDispatcher())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Book(ctx, bookInput(at.Add(time.Duration(i)*time.Hour), time.Hour)); err != nil {
			t.Fatalf("Book error: %v", err)
		}
	}

	got, err := svc.List(ctx, ListInput{ProviderID: "p1", WindowStart: at.Add(time.Hour), WindowEnd: at.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 2 || !got[0].StartTime.Equal(at.Add(time.Hour)) {
		t.Fatalf("List = %+v", got)
	}

	var vErr *ValidationError
	if _, err := svc.List(ctx, ListInput{}); !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if _, err := svc.List(ctx, ListInput{ProviderID: "p1", WindowStart: at, WindowEnd: at}); !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestConnectCalendar(t *testing.T) {
	svc, s := newService(t, &fakeDispatcher{})
	ctx := context.Background()

	if _, err := svc.ConnectCalendar(ctx, "p1", "tok", ""); err != nil {
		t.Fatalf("ConnectCalendar error: %v", err)
	}
	cred, err := s.CalendarCredential(ctx, "p1")
	if err != nil || cred.AccessToken != "tok" {
		t.Fatalf("credential = %+v err = %v", cred, err)
	}

	var vErr *ValidationError
	if _, err := svc.ConnectCalendar(ctx, "p1", " ", ""); !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}
