// Package ingest applies upstream events to the local replica and forwards payment
// confirmations to the booking state machine.
//
// Every apply is idempotent, so at-least-once redelivery is safe.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/catalog"
)

// ErrMalformed marks a payload that can never be applied. Such messages are dropped.
var ErrMalformed = errors.New("malformed event")

var tracer = otel.Tracer("github.com/nekogravitycat/booking-engine/internal/ingest")

// Message is one delivery, independent of the transport.
type Message struct {
	RoutingKey string
	Body       []byte
}

// Confirmer receives payment confirmations.
type Confirmer interface {
	Confirm(ctx context.Context, req booking.ConfirmRequest) (*booking.Booking, error)
}

// Defaults fill service fields the upstream payload may omit.
type Defaults struct {
	MinAdvanceHours int
	MaxAdvanceDays  int
}

type Handler struct {
	replica   catalog.Writer
	confirmer Confirmer
	defaults  Defaults
}

func NewHandler(replica catalog.Writer, confirmer Confirmer, defaults Defaults) *Handler {
	return &Handler{replica: replica, confirmer: confirmer, defaults: defaults}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Apply decodes and applies msg. Errors wrapping ErrMalformed are permanent; storage
// errors are returned as is so the transport redelivers.
func (h *Handler) Apply(ctx context.Context, msg Message) (err error) {
	ctx, span := tracer.Start(ctx, "ingest.Apply", trace.WithAttributes(
		attribute.String("messaging.rabbitmq.routing_key", msg.RoutingKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch msg.RoutingKey {
	case KeyServiceCreated, KeyServiceUpdated:
		var p ServiceUpserted
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			return malformed("decode %s: %v", msg.RoutingKey, err)
		}
		return h.applyService(ctx, p)
	case KeyAvailabilityUpdated:
		var p AvailabilityReplaced
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			return malformed("decode %s: %v", msg.RoutingKey, err)
		}
		return h.applyAvailability(ctx, p)
	case KeyPaymentConfirmed:
		var p PaymentConfirmed
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			return malformed("decode %s: %v", msg.RoutingKey, err)
		}
		return h.applyPayment(ctx, p)
	}
	return malformed("unknown routing key %q", msg.RoutingKey)
}

func (h *Handler) applyService(ctx context.Context, p ServiceUpserted) error {
	d := p.ServiceDetails
	svc := &catalog.ServiceDefinition{
		ID:                p.ServiceID,
		BusinessID:        p.BusinessID,
		Name:              d.Name,
		DurationMinutes:   d.DurationMinutes,
		Price:             d.Price,
		Currency:          strings.ToUpper(strings.TrimSpace(d.Currency)),
		IsActive:          true,
		MinAdvanceMinutes: h.defaults.MinAdvanceHours * 60,
		MaxAdvanceDays:    h.defaults.MaxAdvanceDays,
	}
	if d.Description != nil {
		svc.Description = *d.Description
	}
	if d.IsActive != nil {
		svc.IsActive = *d.IsActive
	}
	if d.MinAdvanceBookingHours != nil {
		svc.MinAdvanceMinutes = *d.MinAdvanceBookingHours * 60
	}
	if d.MaxAdvanceBookingDays != nil {
		svc.MaxAdvanceDays = *d.MaxAdvanceBookingDays
	}
	if err := svc.Validate(); err != nil {
		return malformed("service %s: %v", p.ServiceID, err)
	}

	return h.replica.UpsertService(ctx, svc)
}

func (h *Handler) applyAvailability(ctx context.Context, p AvailabilityReplaced) error {
	if p.BusinessID == "" {
		return malformed("availability without businessId")
	}

	var profile *catalog.BusinessProfile
	if p.Timezone != nil {
		name := strings.TrimSpace(*p.Timezone)
		if _, err := time.LoadLocation(name); err != nil || name == "" {
			return malformed("business %s: unknown timezone %q", p.BusinessID, name)
		}
		profile = &catalog.BusinessProfile{BusinessID: p.BusinessID, Timezone: name}
	}

	if p.Rules == nil {
		return malformed("availability of business %s without rules", p.BusinessID)
	}
	rules := make([]catalog.AvailabilityRule, 0, len(*p.Rules))
	for i, r := range *p.Rules {
		start, err := catalog.ParseClock(r.StartTime)
		if err != nil {
			return malformed("business %s rule %d: %v", p.BusinessID, i, err)
		}
		end, err := catalog.ParseClock(r.EndTime)
		if err != nil {
			return malformed("business %s rule %d: %v", p.BusinessID, i, err)
		}
		rule := catalog.AvailabilityRule{
			BusinessID: p.BusinessID,
			DayOfWeek:  time.Weekday(r.DayOfWeek),
			StartTime:  start,
			EndTime:    end,
		}
		if err := rule.Validate(); err != nil {
			return malformed("business %s rule %d: %v", p.BusinessID, i, err)
		}
		rules = append(rules, rule)
	}

	return h.replica.ReplaceAvailability(ctx, p.BusinessID, profile, rules)
}

func (h *Handler) applyPayment(ctx context.Context, p PaymentConfirmed) error {
	if strings.TrimSpace(p.PaymentIntentID) == "" {
		return malformed("payment confirmation without paymentIntentId")
	}
	_, err := h.confirmer.Confirm(ctx, booking.ConfirmRequest{
		BookingID:       p.BookingID,
		PaymentIntentID: p.PaymentIntentID,
	})
	return err
}
