package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
)

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	databaseURL := strings.TrimSpace(os.Getenv("APPOINTLY_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("APPOINTLY_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := Open(ctx, databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = Close(admin) })

	schema := "appointly_test_" + randomHex(t, 8)
	if _, err := admin.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	u, err := url.Parse(databaseURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()

	db, err := Open(ctx, u.String(), PoolConfig{MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	// btree_gist stays in public; the test schema is dropped on cleanup.
	if _, err := admin.NewRaw("CREATE EXTENSION IF NOT EXISTS btree_gist SCHEMA public").Exec(ctx); err != nil {
		t.Fatalf("create extension: %v", err)
	}
	applied, err := Migrate(ctx, db)
	if err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	if len(applied) == 0 {
		t.Fatalf("Migrate applied nothing on an empty schema")
	}
	return db
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

func TestPostgresIntegration_LedgerOverlapIdempotencyAndCancel(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()

	start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	insert := func(a domain.Appointment) (domain.Appointment, error) {
		var out domain.Appointment
		err := repo.InProviderTransaction(ctx, a.ProviderID, func(ctx context.Context, tx store.LedgerTx) error {
			var err error
			out, err = tx.CreateAppointment(ctx, a)
			return err
		})
		return out, err
	}

	a1, err := insert(domain.Appointment{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000901"),
		ProviderID: "p1",
		ClientID:   "c1",
		StartTime:  start,
		EndTime:    end,
		Status:     domain.AppointmentStatusPending,
	})
	if err != nil {
		t.Fatalf("insert a1: %v", err)
	}

	_, err = insert(domain.Appointment{ProviderID: "p1", ClientID: "c2", StartTime: start.Add(30 * time.Minute), EndTime: end.Add(30 * time.Minute), Status: domain.AppointmentStatusConfirmed})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("overlap err = %v, want %v", err, store.ErrConflict)
	}

	if _, err := insert(domain.Appointment{ProviderID: "p1", ClientID: "c2", StartTime: end, EndTime: end.Add(time.Hour), Status: domain.AppointmentStatusPending}); err != nil {
		t.Fatalf("back-to-back insert: %v", err)
	}
	if _, err := insert(domain.Appointment{ProviderID: "p2", ClientID: "c2", StartTime: start, EndTime: end, Status: domain.AppointmentStatusPending}); err != nil {
		t.Fatalf("other provider insert: %v", err)
	}

	_, err = insert(domain.Appointment{ID: a1.ID, ProviderID: "p1", ClientID: "c1", StartTime: start, EndTime: end, Status: domain.AppointmentStatusPending})
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("duplicate id err = %v, want %v", err, store.ErrIdempotencyConflict)
	}
	_, err = insert(domain.Appointment{ID: a1.ID, ProviderID: "p1", ClientID: "c1", Notes: "different", StartTime: start, EndTime: end, Status: domain.AppointmentStatusPending})
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("idempotency err = %v, want %v", err, store.ErrIdempotencyConflict)
	}

	err = repo.InTransaction(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		a, err := tx.FindAppointment(ctx, a1.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		a.Status = domain.AppointmentStatusCancelled
		a.CancelReason = "client request"
		a.CancelledAt = &now
		if _, err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		evt, err := outbox.NewAppointmentEvent(outbox.EventAppointmentCancelled, a, nil)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	active, err := repo.ListActive(ctx, "p1", start, end)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("len(active) = %d, want 0", len(active))
	}
	if _, err := insert(domain.Appointment{ProviderID: "p1", ClientID: "c3", StartTime: start, EndTime: end, Status: domain.AppointmentStatusPending}); err != nil {
		t.Fatalf("rebook freed interval: %v", err)
	}

	got, err := repo.Get(ctx, a1.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.AppointmentStatusCancelled || got.CancelReason != "client request" {
		t.Fatalf("cancelled row = %+v", got)
	}
	if _, err := repo.SetCalendarLinkage(ctx, a1.ID, domain.CalendarLinkage{ExternalEventID: "evt"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("linkage on cancelled err = %v, want %v", err, store.ErrConflict)
	}
	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want %v", err, store.ErrNotFound)
	}

	outboxRepo := NewOutboxRepo(db)
	n, err := outboxRepo.RelayBatch(ctx, 10, func(ctx context.Context, records []outbox.Record) error {
		if len(records) != 1 || records[0].EventType != outbox.EventAppointmentCancelled || records[0].EventID == "" {
			return errors.New("unexpected outbox records")
		}
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("RelayBatch = %d, %v", n, err)
	}
}

func TestPostgresIntegration_ConcurrentBookingsAdmitOne(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)

	const n = 8
	start := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	var wg sync.WaitGroup
	results := make(chan error, n)
	gate := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			results <- repo.InProviderTransaction(context.Background(), "race", func(ctx context.Context, tx store.LedgerTx) error {
				active, err := tx.ListActiveAppointments(ctx, "race", start, end)
				if err != nil {
					return err
				}
				if len(active) > 0 {
					return store.ErrConflict
				}
				_, err = tx.CreateAppointment(ctx, domain.Appointment{ProviderID: "race", ClientID: "c", StartTime: start, EndTime: end, Status: domain.AppointmentStatusPending})
				return err
			})
		}()
	}
	close(gate)
	wg.Wait()
	close(results)

	admitted := 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, store.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("admitted = %d, want 1", admitted)
	}
}

func TestPostgresIntegration_AvailabilityRules(t *testing.T) {
	db := openTestDB(t)
	repo := NewAvailabilityRepo(db)
	ctx := context.Background()

	rule, err := repo.UpsertRule(ctx, domain.AvailabilityRule{
		ProviderID:          "p1",
		DayOfWeek:           domain.Monday,
		StartTime:           9 * 60,
		EndTime:             18 * 60,
		SlotDurationMinutes: 30,
		Timezone:            "UTC",
		IsRecurring:         true,
		IsActive:            true,
	})
	if err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	rule.SlotDurationMinutes = 20
	updated, err := repo.UpsertRule(ctx, rule)
	if err != nil {
		t.Fatalf("UpsertRule update: %v", err)
	}
	if updated.ID != rule.ID || updated.SlotDurationMinutes != 20 || updated.StartTime.String() != "09:00" {
		t.Fatalf("updated = %+v", updated)
	}

	day := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	if _, err := repo.UpsertRule(ctx, domain.AvailabilityRule{ProviderID: "p1", SpecificDate: &day, StartTime: 600, EndTime: 660, SlotDurationMinutes: 15, Timezone: "UTC", IsActive: true}); err != nil {
		t.Fatalf("UpsertRule override: %v", err)
	}

	if _, err := repo.DeactivateRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeactivateRule: %v", err)
	}
	active, err := repo.ListRules(ctx, "p1", true)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(active) != 1 || active[0].SpecificDate == nil || domain.DateOf(active[0].SpecificDate.UTC()) != domain.DateOf(day) {
		t.Fatalf("active rules = %+v", active)
	}
	all, err := repo.ListRules(ctx, "p1", false)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListRules(all) = %d, %v", len(all), err)
	}
	if _, err := repo.DeactivateRule(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("DeactivateRule missing err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestPostgresIntegration_MigrateIsIdempotentAndRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	again, err := Migrate(ctx, db)
	if err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second Migrate applied %v, want nothing", again)
	}

	reverted, err := Rollback(ctx, db)
	if err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if len(reverted) == 0 || reverted[0] != "0001_init" {
		t.Fatalf("Rollback reverted %v, want [0001_init]", reverted)
	}

	var exists bool
	if err := db.NewRaw("SELECT to_regclass('appointments') IS NOT NULL").Scan(ctx, &exists); err != nil {
		t.Fatalf("to_regclass: %v", err)
	}
	if exists {
		t.Fatalf("appointments table still exists after rollback")
	}

	if _, err := Migrate(ctx, db); err != nil {
		t.Fatalf("re-Migrate error: %v", err)
	}
}
