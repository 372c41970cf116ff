package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nekogravitycat/booking-engine/internal/auth"
	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/pkg/request"
	"github.com/nekogravitycat/booking-engine/internal/pkg/response"
)

type Handler struct {
	service booking.Service
}

func NewHandler(service booking.Service) *Handler {
	return &Handler{service: service}
}

func actorOf(c *gin.Context) booking.Actor {
	return booking.Actor{ID: auth.GetUserID(c), BusinessID: auth.GetBusinessID(c)}
}

// List returns the caller's own bookings, or the bookings of the caller's business for staff.
func (h *Handler) List(c *gin.Context) {
	var req ListBookingsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "invalid query parameters", err)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(c, err)
		return
	}

	actor := actorOf(c)
	filter := booking.Filter{
		CustomerID: actor.ID,
		ServiceID:  req.ServiceID,
		Status:     req.Status,
		StartTime:  req.StartTimeFrom,
		EndTime:    req.StartTimeTo,
		Page:       req.Page,
		PageSize:   req.PageSize,
		SortBy:     req.SortBy,
		SortOrder:  req.SortOrder,
	}
	if actor.BusinessID != "" {
		filter.BusinessID = actor.BusinessID
		filter.CustomerID = req.CustomerID
	}

	bookings, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]BookingResponse, len(bookings))
	for i, b := range bookings {
		items[i] = NewBookingResponse(b)
	}
	c.JSON(http.StatusOK, response.NewPageResponse(items, req.Page, req.PageSize, total))
}

func (h *Handler) Create(c *gin.Context) {
	var body CreateBookingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body", err)
		return
	}

	b, err := h.service.Create(c.Request.Context(), booking.CreateRequest{
		BusinessID: body.BusinessID,
		ServiceID:  body.ServiceID,
		CustomerID: auth.GetUserID(c),
		StartTime:  body.StartTime,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, NewBookingResponse(b))
}

func (h *Handler) Get(c *gin.Context) {
	var uri request.ByIDRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		response.BadRequest(c, "invalid booking id", err)
		return
	}

	b, err := h.service.Get(c.Request.Context(), uri.ID, actorOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, NewBookingResponse(b))
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var uri request.ByIDRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		response.BadRequest(c, "invalid booking id", err)
		return
	}

	var body UpdateStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body", err)
		return
	}
	status, err := booking.ParseStatus(body.Status)
	if err != nil {
		response.Error(c, err)
		return
	}

	b, err := h.service.UpdateStatus(c.Request.Context(), uri.ID, status, actorOf(c), body.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, NewBookingResponse(b))
}

func (h *Handler) AttachPaymentIntent(c *gin.Context) {
	var uri request.ByIDRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		response.BadRequest(c, "invalid booking id", err)
		return
	}

	var body PaymentIntentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body", err)
		return
	}

	b, err := h.service.AttachPaymentIntent(c.Request.Context(), uri.ID, body.PaymentIntentID, actorOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, NewBookingResponse(b))
}
