// Package availability manages provider availability rules and reports open slots.
package availability

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"appointly/backend/internal/domain"
	"appointly/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type activeAppointments interface {
	ListActive(ctx context.Context, providerID domain.ProviderID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
}

type Config struct {
	DefaultTimezone string
	CacheSize       int
	CacheTTL        time.Duration
}

type Service struct {
	rules           store.AvailabilityRuleRepository
	appts           activeAppointments
	cache           *ruleCache
	defaultTimezone string
	log             *slog.Logger
	tracer          trace.Tracer
}

func NewService(rules store.AvailabilityRuleRepository, appts activeAppointments, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	tz := cfg.DefaultTimezone
	if tz == "" {
		tz = "UTC"
	}
	return &Service{
		rules:           rules,
		appts:           appts,
		cache:           newRuleCache(cfg.CacheSize, cfg.CacheTTL),
		defaultTimezone: tz,
		log:             log.With(slog.String("component", "service.availability")),
		tracer:          otel.Tracer("appointly/backend/internal/service/availability"),
	}
}

type RuleInput struct {
	// ID selects the rule to replace; uuid.Nil creates a new rule.
	ID         uuid.UUID
	ProviderID domain.ProviderID
	DayOfWeek  domain.DayOfWeek
	// SpecificDate turns the rule into a one-day override.
	SpecificDate        *domain.Date
	StartTime           domain.TimeOfDay
	EndTime             domain.TimeOfDay
	SlotDurationMinutes int
	Timezone            string
	// IsActive defaults to true.
	IsActive *bool
}

func (s *Service) UpsertRule(ctx context.Context, in RuleInput) (domain.AvailabilityRule, error) {
	rule := domain.AvailabilityRule{
		ID:                  in.ID,
		ProviderID:          domain.ProviderID(strings.TrimSpace(string(in.ProviderID))),
		DayOfWeek:           in.DayOfWeek,
		StartTime:           in.StartTime,
		EndTime:             in.EndTime,
		SlotDurationMinutes: in.SlotDurationMinutes,
		Timezone:            strings.TrimSpace(in.Timezone),
		IsRecurring:         in.SpecificDate == nil,
		IsActive:            true,
	}
	if in.IsActive != nil {
		rule.IsActive = *in.IsActive
	}
	if rule.Timezone == "" {
		rule.Timezone = s.defaultTimezone
	}
	if in.SpecificDate != nil {
		if in.DayOfWeek != "" {
			return domain.AvailabilityRule{}, validationError("day_of_week must be empty for date overrides")
		}
		d := in.SpecificDate.Time()
		rule.SpecificDate = &d
	}
	if err := rule.Validate(); err != nil {
		return domain.AvailabilityRule{}, validationError(err.Error())
	}

	if rule.ID != uuid.Nil {
		existing, err := s.rules.GetRule(ctx, rule.ID)
		switch {
		case err == nil:
			if existing.ProviderID != rule.ProviderID {
				return domain.AvailabilityRule{}, validationError("provider_id cannot change")
			}
			rule.CreatedAt = existing.CreatedAt
		case !errors.Is(err, store.ErrNotFound):
			return domain.AvailabilityRule{}, err
		}
	}

	saved, err := s.rules.UpsertRule(ctx, rule)
	if err != nil {
		return domain.AvailabilityRule{}, err
	}
	s.cache.invalidate(saved.ProviderID)
	s.log.Info("availability rule saved",
		slog.String("rule_id", saved.ID.String()),
		slog.String("provider_id", string(saved.ProviderID)),
		slog.Bool("is_active", saved.IsActive),
	)
	return saved, nil
}

// DeactivateRule is a logical delete; the row stays for audit.
func (s *Service) DeactivateRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error) {
	if id == uuid.Nil {
		return domain.AvailabilityRule{}, validationError("rule_id is required")
	}
	rule, err := s.rules.DeactivateRule(ctx, id)
	if err != nil {
		return domain.AvailabilityRule{}, err
	}
	s.cache.invalidate(rule.ProviderID)
	s.log.Info("availability rule deactivated",
		slog.String("rule_id", rule.ID.String()),
		slog.String("provider_id", string(rule.ProviderID)),
	)
	return rule, nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (domain.AvailabilityRule, error) {
	if id == uuid.Nil {
		return domain.AvailabilityRule{}, validationError("rule_id is required")
	}
	return s.rules.GetRule(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, providerID domain.ProviderID, activeOnly bool) ([]domain.AvailabilityRule, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if activeOnly {
		return s.activeRules(ctx, providerID)
	}
	return s.rules.ListRules(ctx, providerID, false)
}

// ListOpenSlots returns the slots of date that no active appointment overlaps,
// ordered by start. The result is a snapshot and may be stale once returned.
func (s *Service) ListOpenSlots(ctx context.Context, providerID domain.ProviderID, date domain.Date) (slots []domain.Slot, err error) {
	ctx, span := s.tracer.Start(ctx, "availability.ListOpenSlots", trace.WithAttributes(
		attribute.String("provider_id", string(providerID)),
		attribute.String("date", date.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if date.IsZero() {
		return nil, validationError("date is required")
	}

	rules, err := s.activeRules(ctx, providerID)
	if err != nil {
		return nil, err
	}
	candidates, err := domain.GenerateSlots(date, domain.ApplicableRules(date, rules))
	if err != nil {
		return nil, err
	}
	window, ok := domain.SlotsWindow(candidates)
	if !ok {
		return []domain.Slot{}, nil
	}

	appts, err := s.appts.ListActive(ctx, providerID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	open := domain.OpenSlots(candidates, appts)
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Start.Before(open[j].Start)
	})
	return open, nil
}

func (s *Service) activeRules(ctx context.Context, providerID domain.ProviderID) ([]domain.AvailabilityRule, error) {
	if rules, ok := s.cache.get(providerID); ok {
		return rules, nil
	}
	rules, err := s.rules.ListRules(ctx, providerID, true)
	if err != nil {
		return nil, err
	}
	s.cache.add(providerID, rules)
	return rules, nil
}
