package http

import (
	"time"

	"github.com/nekogravitycat/booking-engine/internal/slot"
)

type SlotsURI struct {
	BusinessID string `uri:"business_id" binding:"required"`
	ServiceID  string `uri:"service_id" binding:"required"`
}

type SlotsQuery struct {
	Date string `form:"date" binding:"required"`
}

type SlotResponse struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func NewSlotResponse(s slot.Slot) SlotResponse {
	return SlotResponse{StartTime: s.StartTime.UTC(), EndTime: s.EndTime.UTC()}
}
