package booking

import (
	"time"

	"github.com/nekogravitycat/booking-engine/internal/outbox"
)

const (
	TopicConfirmed = "booking.confirmed"
	TopicCancelled = "booking.cancelled"
	TopicCompleted = "booking.completed"
)

// LifecycleEvent is the payload of booking.confirmed and booking.completed.
type LifecycleEvent struct {
	BookingID  string    `json:"bookingId"`
	CustomerID string    `json:"customerId"`
	ServiceID  string    `json:"serviceId"`
	BusinessID string    `json:"businessId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
}

// CancelledEvent is the payload of booking.cancelled.
type CancelledEvent struct {
	BookingID          string    `json:"bookingId"`
	CustomerID         string    `json:"customerId"`
	ServiceID          string    `json:"serviceId"`
	BusinessID         string    `json:"businessId"`
	StartTime          time.Time `json:"startTime"`
	CancellationReason *string   `json:"cancellationReason,omitempty"`
	CancelledBy        string    `json:"cancelledBy"`
}

func lifecycleEvent(topic string, b *Booking) (outbox.Event, error) {
	return outbox.New(topic, b.ID, LifecycleEvent{
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		ServiceID:  b.ServiceID,
		BusinessID: b.BusinessID,
		StartTime:  b.StartTime.UTC(),
		EndTime:    b.EndTime.UTC(),
	})
}

func confirmedEvent(b *Booking) (outbox.Event, error) {
	return lifecycleEvent(TopicConfirmed, b)
}

// CompletedEvent builds the booking.completed event of b.
func CompletedEvent(b *Booking) (outbox.Event, error) {
	return lifecycleEvent(TopicCompleted, b)
}

func cancelledEvent(b *Booking) (outbox.Event, error) {
	by := ""
	if b.CancelledBy != nil {
		by = *b.CancelledBy
	}
	return outbox.New(TopicCancelled, b.ID, CancelledEvent{
		BookingID:          b.ID,
		CustomerID:         b.CustomerID,
		ServiceID:          b.ServiceID,
		BusinessID:         b.BusinessID,
		StartTime:          b.StartTime.UTC(),
		CancellationReason: b.CancellationReason,
		CancelledBy:        by,
	})
}
