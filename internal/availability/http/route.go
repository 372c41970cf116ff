package http

import "github.com/gin-gonic/gin"

func RegisterRoutes(g *gin.RouterGroup, h *Handler) {
	g.GET("/businesses/:business_id/services/:service_id/slots", h.Slots)
}
