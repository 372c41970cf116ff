package http

import (
	"time"

	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/pkg/request"
)

// ListBookingsRequest defines query parameters for listing bookings.
type ListBookingsRequest struct {
	request.ListParams
	ServiceID     string     `form:"service_id"`
	CustomerID    string     `form:"customer_id"`
	Status        string     `form:"status" binding:"omitempty,oneof=PENDING_PAYMENT CONFIRMED CANCELLED COMPLETED"`
	StartTimeFrom *time.Time `form:"start_time_from" time_format:"2006-01-02T15:04:05Z07:00"`
	StartTimeTo   *time.Time `form:"start_time_to" time_format:"2006-01-02T15:04:05Z07:00"`
	SortBy        string     `form:"sort_by" binding:"omitempty,oneof=start_time end_time created_at status"`
}

// Validate performs custom validation for ListBookingsRequest.
func (r *ListBookingsRequest) Validate() error {
	if r.StartTimeFrom != nil && r.StartTimeTo != nil && r.StartTimeFrom.After(*r.StartTimeTo) {
		return booking.ErrInvalidTime
	}
	return nil
}

type BookingResponse struct {
	ID                 string    `json:"id"`
	BusinessID         string    `json:"business_id"`
	ServiceID          string    `json:"service_id"`
	CustomerID         string    `json:"customer_id"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	Status             string    `json:"status"`
	PaymentIntentID    *string   `json:"payment_intent_id,omitempty"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	CancelledBy        *string   `json:"cancelled_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func NewBookingResponse(b *booking.Booking) BookingResponse {
	return BookingResponse{
		ID:                 b.ID,
		BusinessID:         b.BusinessID,
		ServiceID:          b.ServiceID,
		CustomerID:         b.CustomerID,
		StartTime:          b.StartTime.UTC(),
		EndTime:            b.EndTime.UTC(),
		Status:             string(b.Status),
		PaymentIntentID:    b.PaymentIntentID,
		CancellationReason: b.CancellationReason,
		CancelledBy:        b.CancelledBy,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

type CreateBookingRequest struct {
	BusinessID string    `json:"business_id" binding:"required"`
	ServiceID  string    `json:"service_id" binding:"required"`
	StartTime  time.Time `json:"start_time" binding:"required"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=PENDING_PAYMENT CONFIRMED CANCELLED COMPLETED"`
	Reason string `json:"reason" binding:"max=500"`
}

type PaymentIntentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required,max=255"`
}
