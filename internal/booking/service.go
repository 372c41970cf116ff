package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
	"github.com/nekogravitycat/booking-engine/internal/pkg/apperror"
	"github.com/nekogravitycat/booking-engine/internal/slot"
)

var tracer = otel.Tracer("github.com/nekogravitycat/booking-engine/internal/booking")

type CreateRequest struct {
	BusinessID string
	ServiceID  string
	CustomerID string
	StartTime  time.Time
}

// ConfirmRequest is a payment confirmation. BookingID is used only when no booking
// carries PaymentIntentID yet.
type ConfirmRequest struct {
	BookingID       string
	PaymentIntentID string
}

type Service interface {
	// Create is the conflict guard and the only way a booking comes into existence.
	Create(ctx context.Context, req CreateRequest) (*Booking, error)
	GetByID(ctx context.Context, id string) (*Booking, error)
	// Get returns the booking when actor is its customer or staff of its business.
	Get(ctx context.Context, id string, actor Actor) (*Booking, error)
	List(ctx context.Context, filter Filter) ([]*Booking, int, error)

	// UpdateStatus applies an explicit status change requested by actor.
	UpdateStatus(ctx context.Context, id string, status Status, actor Actor, reason string) (*Booking, error)
	// Confirm applies a payment confirmation. Confirming an already confirmed booking
	// with the same intent succeeds without emitting an event.
	Confirm(ctx context.Context, req ConfirmRequest) (*Booking, error)
	Cancel(ctx context.Context, id string, actor Actor, reason string) (*Booking, error)
	AttachPaymentIntent(ctx context.Context, id, paymentIntentID string, actor Actor) (*Booking, error)
	// CompleteDue completes every confirmed booking that ended at or before now.
	CompleteDue(ctx context.Context, now time.Time) (int, error)
}

// Option configures the service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithTimeout bounds every write. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *service) { s.timeout = d }
}

// WithCompletionBatch sets how many bookings one completion transaction handles.
// Values below one keep the default.
func WithCompletionBatch(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.completionBatch = n
		}
	}
}

type service struct {
	repo            Repository
	catalog         catalog.Reader
	zones           *catalog.Zones
	now             func() time.Time
	timeout         time.Duration
	completionBatch int
}

func NewService(repo Repository, catalogReader catalog.Reader, zones *catalog.Zones, opts ...Option) Service {
	s := &service{
		repo:            repo,
		catalog:         catalogReader,
		zones:           zones,
		now:             time.Now,
		completionBatch: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *service) Create(ctx context.Context, req CreateRequest) (b *Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.Create", trace.WithAttributes(
		attribute.String("business.id", req.BusinessID),
		attribute.String("service.id", req.ServiceID),
	))
	defer func() { endSpan(span, err) }()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if req.BusinessID == "" || req.ServiceID == "" || req.CustomerID == "" || req.StartTime.IsZero() {
		return nil, ErrInvalidInput
	}

	now := s.now().UTC()
	start := req.StartTime.UTC()
	if start.Before(now) {
		return nil, apperror.Wrap(ErrInvalidTime, apperror.KindValidation, "cannot create booking in the past")
	}

	svc, err := s.catalog.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	// A service replicated under another business is unknown to this one.
	if svc.BusinessID != req.BusinessID {
		return nil, ErrServiceNotFound
	}
	if !svc.IsActive {
		return nil, ErrServiceUnavailable
	}

	policy := slot.Policy{MinAdvance: svc.MinAdvance(), MaxAdvance: svc.MaxAdvance()}
	if !policy.Allows(start, now) {
		return nil, apperror.Wrap(ErrInvalidTime, apperror.KindValidation, "start time is outside the booking window")
	}

	loc, err := s.zones.For(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	// A wall clock repeated by a DST fall-back is never offered as a slot.
	local := start.In(loc)
	if _, ok := slot.ResolveUnique(slot.DateOf(local), catalog.Clock(local.Hour()*60+local.Minute()), loc); !ok {
		return nil, apperror.Wrap(ErrInvalidTime, apperror.KindValidation, "start time is ambiguous in the business timezone")
	}
	end := start.Add(svc.Duration())

	b = &Booking{
		ID:         uuid.NewString(),
		BusinessID: req.BusinessID,
		ServiceID:  req.ServiceID,
		CustomerID: req.CustomerID,
		StartTime:  start,
		EndTime:    end,
		Status:     StatusPendingPayment,
	}
	var events []outbox.Event
	if !svc.RequiresPayment() {
		b.Status = StatusConfirmed
		e, err := confirmedEvent(b)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	err = s.repo.WithBusinessLock(ctx, req.BusinessID, func(tx GuardTx) error {
		rules, err := tx.RulesForDay(ctx, req.BusinessID, slot.DateOf(start.In(loc)).Weekday())
		if err != nil {
			return err
		}
		if !slot.Covers(rules, loc, start, end) {
			return ErrStaleAvailability
		}

		overlap, err := tx.HasOverlap(ctx, req.BusinessID, start, end)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotConflict
		}
		return tx.Insert(ctx, b, events...)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *service) GetByID(ctx context.Context, id string) (*Booking, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) Get(ctx context.Context, id string, actor Actor) (*Booking, error) {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canView(b) {
		return nil, ErrPermissionDenied
	}
	return b, nil
}

func (s *service) List(ctx context.Context, filter Filter) ([]*Booking, int, error) {
	return s.repo.List(ctx, filter)
}

func (s *service) UpdateStatus(ctx context.Context, id string, status Status, actor Actor, reason string) (*Booking, error) {
	switch status {
	case StatusCancelled:
		return s.Cancel(ctx, id, actor, reason)
	case StatusConfirmed:
		ctx, cancel := s.withDeadline(ctx)
		defer cancel()
		return s.repo.Transition(ctx, id, func(b *Booking) ([]outbox.Event, error) {
			if !actor.IsStaffOf(b.BusinessID) {
				return nil, ErrPermissionDenied
			}
			return confirm(b, "")
		})
	case StatusCompleted, StatusPendingPayment:
		// Completion belongs to the sweep and nothing returns to pending.
		if _, err := s.Get(ctx, id, actor); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return nil, ErrInvalidStatus
}

// confirm moves b to CONFIRMED, binding intentID when given.
func confirm(b *Booking, intentID string) ([]outbox.Event, error) {
	if intentID != "" && b.PaymentIntentID != nil && *b.PaymentIntentID != intentID {
		return nil, ErrIntentMismatch
	}
	switch b.Status {
	case StatusConfirmed:
		if intentID != "" && b.PaymentIntentID == nil {
			b.PaymentIntentID = &intentID
		}
		return nil, nil
	case StatusPendingPayment:
	default:
		return nil, ErrInvalidTransition
	}

	if intentID != "" {
		b.PaymentIntentID = &intentID
	}
	b.Status = StatusConfirmed
	e, err := confirmedEvent(b)
	if err != nil {
		return nil, err
	}
	return []outbox.Event{e}, nil
}

func (s *service) Confirm(ctx context.Context, req ConfirmRequest) (b *Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.Confirm", trace.WithAttributes(
		attribute.String("payment_intent.id", req.PaymentIntentID),
	))
	defer func() { endSpan(span, err) }()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if req.PaymentIntentID == "" {
		return nil, ErrInvalidInput
	}
	if req.BookingID != "" && uuid.Validate(req.BookingID) != nil {
		return nil, ErrInvalidInput
	}

	id := req.BookingID
	bound, err := s.repo.GetByPaymentIntent(ctx, req.PaymentIntentID)
	switch {
	case err == nil:
		if id != "" && id != bound.ID {
			return nil, ErrIntentInUse
		}
		id = bound.ID
	case errors.Is(err, ErrNotFound):
		if id == "" {
			return nil, ErrNotFound
		}
	default:
		return nil, err
	}

	return s.repo.Transition(ctx, id, func(b *Booking) ([]outbox.Event, error) {
		return confirm(b, req.PaymentIntentID)
	})
}

func (s *service) Cancel(ctx context.Context, id string, actor Actor, reason string) (b *Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("booking.id", id)))
	defer func() { endSpan(span, err) }()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	reason = strings.TrimSpace(reason)
	return s.repo.Transition(ctx, id, func(b *Booking) ([]outbox.Event, error) {
		by, ok := actor.cancelledBy(b)
		if !ok {
			return nil, ErrPermissionDenied
		}
		if !b.Status.Active() {
			return nil, ErrInvalidTransition
		}

		b.Status = StatusCancelled
		b.CancelledBy = &by
		if reason != "" {
			b.CancellationReason = &reason
		}
		e, err := cancelledEvent(b)
		if err != nil {
			return nil, err
		}
		return []outbox.Event{e}, nil
	})
}

func (s *service) AttachPaymentIntent(ctx context.Context, id, paymentIntentID string, actor Actor) (*Booking, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return nil, ErrInvalidInput
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	return s.repo.Transition(ctx, id, func(b *Booking) ([]outbox.Event, error) {
		if !actor.canView(b) {
			return nil, ErrPermissionDenied
		}
		if b.PaymentIntentID != nil {
			if *b.PaymentIntentID == paymentIntentID {
				return nil, nil
			}
			return nil, ErrIntentMismatch
		}
		if b.Status != StatusPendingPayment {
			return nil, ErrInvalidTransition
		}
		b.PaymentIntentID = &paymentIntentID
		return nil, nil
	})
}

func (s *service) CompleteDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		done, err := s.repo.CompleteDue(ctx, now.UTC(), s.completionBatch, CompletedEvent)
		total += len(done)
		if err != nil {
			return total, err
		}
		if len(done) < s.completionBatch {
			return total, nil
		}
	}
}
