package booking

import (
	"time"

	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/pkg/apperror"
)

var (
	ErrNotFound           = apperror.New(apperror.KindNotFound, "booking not found")
	ErrServiceNotFound    = catalog.ErrServiceNotFound
	ErrSlotConflict       = apperror.New(apperror.KindSlotConflict, "time slot already booked")
	ErrStaleAvailability  = apperror.Wrap(ErrSlotConflict, apperror.KindSlotConflict, "requested time is no longer available")
	ErrInvalidTime        = apperror.New(apperror.KindValidation, "invalid booking time")
	ErrInvalidInput       = apperror.New(apperror.KindValidation, "invalid input parameters")
	ErrInvalidStatus      = apperror.New(apperror.KindValidation, "invalid booking status")
	ErrServiceUnavailable = apperror.New(apperror.KindUnavailable, "service is not available for booking")
	ErrInvalidTransition  = apperror.New(apperror.KindInvalidTransition, "booking status cannot change this way")
	ErrIntentMismatch     = apperror.New(apperror.KindValidation, "booking is bound to a different payment intent")
	ErrIntentInUse        = apperror.New(apperror.KindValidation, "payment intent is bound to another booking")
	ErrPermissionDenied   = apperror.New(apperror.KindForbidden, "permission denied")
)

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusConfirmed      Status = "CONFIRMED"
	StatusCancelled      Status = "CANCELLED"
	StatusCompleted      Status = "COMPLETED"
)

// ParseStatus accepts the exact upper-case status names.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPendingPayment, StatusConfirmed, StatusCancelled, StatusCompleted:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Active reports whether a booking in this status holds its interval.
func (s Status) Active() bool {
	return s == StatusPendingPayment || s == StatusConfirmed
}

// Terminal reports whether no transition can leave this status.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type Booking struct {
	ID                 string
	BusinessID         string
	ServiceID          string
	CustomerID         string
	StartTime          time.Time
	EndTime            time.Time
	Status             Status
	PaymentIntentID    *string
	CancellationReason *string
	CancelledBy        *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns a deep copy of b.
func (b *Booking) Clone() *Booking {
	c := *b
	c.PaymentIntentID = cloneString(b.PaymentIntentID)
	c.CancellationReason = cloneString(b.CancellationReason)
	c.CancelledBy = cloneString(b.CancelledBy)
	return &c
}

// SameState reports whether b and o agree on every field a transition may change.
func (b *Booking) SameState(o *Booking) bool {
	return b.Status == o.Status &&
		equalString(b.PaymentIntentID, o.PaymentIntentID) &&
		equalString(b.CancellationReason, o.CancellationReason) &&
		equalString(b.CancelledBy, o.CancelledBy)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Actor is the verified caller of an operation.
type Actor struct {
	ID string
	// BusinessID is set when the caller acts as staff of that business.
	BusinessID string
}

// IsStaffOf reports whether the actor acts for businessID.
func (a Actor) IsStaffOf(businessID string) bool {
	return a.BusinessID != "" && a.BusinessID == businessID
}

// canView reports whether the actor may read b.
func (a Actor) canView(b *Booking) bool {
	return a.ID == b.CustomerID || a.IsStaffOf(b.BusinessID)
}

// cancelledBy is the recorded identity of a cancelling actor. Staff takes precedence
// when the actor is both the customer and staff of the business.
func (a Actor) cancelledBy(b *Booking) (string, bool) {
	switch {
	case a.IsStaffOf(b.BusinessID):
		return "business:" + a.ID, true
	case a.ID != "" && a.ID == b.CustomerID:
		return "customer:" + a.ID, true
	}
	return "", false
}

type Filter struct {
	CustomerID string
	BusinessID string
	ServiceID  string
	Status     string
	StartTime  *time.Time // bookings ending after this time
	EndTime    *time.Time // bookings starting before this time
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
