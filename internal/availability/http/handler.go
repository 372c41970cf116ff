package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nekogravitycat/booking-engine/internal/availability"
	"github.com/nekogravitycat/booking-engine/internal/pkg/response"
	"github.com/nekogravitycat/booking-engine/internal/slot"
)

type Handler struct {
	service availability.Service
}

func NewHandler(service availability.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Slots(c *gin.Context) {
	var uri SlotsURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.BadRequest(c, "invalid path parameters", err)
		return
	}
	var query SlotsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.BadRequest(c, "date is required", err)
		return
	}
	date, err := slot.ParseDate(query.Date)
	if err != nil {
		response.Error(c, availability.ErrInvalidDate)
		return
	}

	slots, err := h.service.GetAvailableSlots(c.Request.Context(), uri.BusinessID, uri.ServiceID, date)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]SlotResponse, len(slots))
	for i, s := range slots {
		items[i] = NewSlotResponse(s)
	}
	c.JSON(http.StatusOK, response.NewListResponse(items))
}
