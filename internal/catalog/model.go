// Package catalog holds the engine's local replica of upstream-owned business data:
// weekly availability rules, service definitions and business profiles.
//
// The replica is eventually consistent. It is written only by event ingest, using
// upsert-by-key for services and delete-all-then-insert for a business's rules,
// and it is never treated as the source of truth.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/nekogravitycat/booking-engine/internal/pkg/apperror"
)

var (
	ErrServiceNotFound = apperror.New(apperror.KindNotFound, "service not found")
	ErrInvalidRule     = apperror.New(apperror.KindValidation, "invalid availability rule")
	ErrInvalidService  = apperror.New(apperror.KindValidation, "invalid service definition")
)

// EndOfDay is the largest Clock value, written "24:00". It is only valid as a window end.
const EndOfDay Clock = 24 * 60

// Clock is a local wall-clock time of day, stored as minutes since midnight.
type Clock int

// ParseClock parses "HH:MM". "24:00" is accepted and means end of day.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		if s == "24:00" {
			return EndOfDay, nil
		}
		return 0, apperror.Wrap(err, apperror.KindValidation, fmt.Sprintf("time %q must be formatted as HH:MM", s))
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// AvailabilityRule is one weekly recurring open window in the business's own timezone.
type AvailabilityRule struct {
	BusinessID string
	DayOfWeek  time.Weekday
	StartTime  Clock
	EndTime    Clock
}

// Validate checks the invariants of a single rule.
func (r AvailabilityRule) Validate() error {
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return apperror.Wrap(ErrInvalidRule, apperror.KindValidation, fmt.Sprintf("invalid day of week %d", r.DayOfWeek))
	}
	if r.StartTime < 0 || r.StartTime >= EndOfDay || r.EndTime > EndOfDay {
		return apperror.Wrap(ErrInvalidRule, apperror.KindValidation, "rule time out of range")
	}
	if r.StartTime >= r.EndTime {
		return apperror.Wrap(ErrInvalidRule, apperror.KindValidation,
			fmt.Sprintf("rule start %s must be before end %s", r.StartTime, r.EndTime))
	}
	return nil
}

func (r AvailabilityRule) String() string {
	return fmt.Sprintf("%s %s-%s", r.DayOfWeek, r.StartTime, r.EndTime)
}

// ServiceDefinition is replicated service metadata needed to compute slots and price bookings.
type ServiceDefinition struct {
	ID                string
	BusinessID        string
	Name              string
	Description       string
	DurationMinutes   int
	Price             int64 // minor units
	Currency          string
	IsActive          bool
	MinAdvanceMinutes int
	MaxAdvanceDays    int
	UpdatedAt         time.Time
}

// Validate checks the invariants of a service definition.
func (s *ServiceDefinition) Validate() error {
	switch {
	case s.ID == "" || s.BusinessID == "":
		return apperror.Wrap(ErrInvalidService, apperror.KindValidation, "service and business id are required")
	case s.DurationMinutes <= 0:
		return apperror.Wrap(ErrInvalidService, apperror.KindValidation, "duration must be positive")
	case s.Price < 0:
		return apperror.Wrap(ErrInvalidService, apperror.KindValidation, "price must not be negative")
	case s.MinAdvanceMinutes < 0 || s.MaxAdvanceDays <= 0:
		return apperror.Wrap(ErrInvalidService, apperror.KindValidation, "invalid booking window")
	}
	return nil
}

func (s *ServiceDefinition) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s *ServiceDefinition) MinAdvance() time.Duration {
	return time.Duration(s.MinAdvanceMinutes) * time.Minute
}

func (s *ServiceDefinition) MaxAdvance() time.Duration {
	return time.Duration(s.MaxAdvanceDays) * 24 * time.Hour
}

// RequiresPayment reports whether bookings start in PENDING_PAYMENT.
func (s *ServiceDefinition) RequiresPayment() bool {
	return s.Price > 0
}

// BusinessProfile carries per-business settings replicated alongside the rules.
type BusinessProfile struct {
	BusinessID string
	Timezone   string
}

// DedupeRules drops exact duplicates, keeping first occurrence order.
func DedupeRules(rules []AvailabilityRule) []AvailabilityRule {
	type key struct {
		day        time.Weekday
		start, end Clock
	}
	seen := make(map[key]struct{}, len(rules))
	out := make([]AvailabilityRule, 0, len(rules))
	for _, r := range rules {
		k := key{r.DayOfWeek, r.StartTime, r.EndTime}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
