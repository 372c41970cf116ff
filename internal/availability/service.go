// Package availability serves the read path: the free slots of a service on a date.
package availability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/pkg/apperror"
	"github.com/nekogravitycat/booking-engine/internal/slot"
)

var ErrInvalidDate = apperror.New(apperror.KindValidation, "date must be formatted as YYYY-MM-DD")

var tracer = otel.Tracer("github.com/nekogravitycat/booking-engine/internal/availability")

// BusyReader lists the occupied intervals of a business.
type BusyReader interface {
	ActiveIntervals(ctx context.Context, businessID string, from, to time.Time) ([]slot.Interval, error)
}

type Service interface {
	// GetAvailableSlots returns the free slots of the service on the local date in
	// chronological order. The result is advisory.
	GetAvailableSlots(ctx context.Context, businessID, serviceID string, date slot.Date) ([]slot.Slot, error)
}

type service struct {
	catalog catalog.Reader
	zones   *catalog.Zones
	busy    BusyReader
	now     func() time.Time
}

func NewService(catalogReader catalog.Reader, zones *catalog.Zones, busy BusyReader, now func() time.Time) Service {
	if now == nil {
		now = time.Now
	}
	return &service{catalog: catalogReader, zones: zones, busy: busy, now: now}
}

func (s *service) GetAvailableSlots(ctx context.Context, businessID, serviceID string, date slot.Date) (slots []slot.Slot, err error) {
	ctx, span := tracer.Start(ctx, "availability.GetAvailableSlots", trace.WithAttributes(
		attribute.String("business.id", businessID),
		attribute.String("service.id", serviceID),
		attribute.String("date", date.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("slots", len(slots)))
		span.End()
	}()

	svc, err := s.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.BusinessID != businessID {
		return nil, catalog.ErrServiceNotFound
	}
	// A deactivated service has nothing to offer.
	if !svc.IsActive {
		return nil, nil
	}

	loc, err := s.zones.For(ctx, businessID)
	if err != nil {
		return nil, err
	}

	rules, err := s.catalog.RulesForDay(ctx, businessID, date.Weekday())
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	from, to := date.Bounds(loc)
	busy, err := s.busy.ActiveIntervals(ctx, businessID, from, to)
	if err != nil {
		return nil, err
	}

	return slot.Generate(slot.Input{
		Date:     date,
		Location: loc,
		Rules:    rules,
		Duration: svc.Duration(),
		Busy:     busy,
		Policy:   slot.Policy{MinAdvance: svc.MinAdvance(), MaxAdvance: svc.MaxAdvance()},
		Now:      s.now().UTC(),
		Logf: func(format string, args ...any) {
			log.Printf("[slot] "+format, args...)
		},
	}), nil
}
