package api

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nekogravitycat/booking-engine/internal/auth"
	"github.com/nekogravitycat/booking-engine/internal/availability"
	availabilityHttp "github.com/nekogravitycat/booking-engine/internal/availability/http"
	"github.com/nekogravitycat/booking-engine/internal/booking"
	bookingHttp "github.com/nekogravitycat/booking-engine/internal/booking/http"
)

// Config holds the dependencies required to build the router.
type Config struct {
	IsProduction   bool
	AllowedOrigins []string

	AvailabilityService availability.Service
	BookingService      booking.Service
	JWTManager          *auth.JWTManager

	// Health reports storage reachability for /healthz. Optional.
	Health func(ctx context.Context) error
}

// NewRouter initializes the HTTP router engine.
// It assembles middleware (CORS, Logger, Auth) and registers the routes of each module.
func NewRouter(cfg Config) *gin.Engine {
	r := gin.New()

	// Logger logs each request; Recovery turns panics into 500 responses.
	r.Use(gin.Logger(), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.IsProduction {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) {
		if cfg.Health != nil {
			if err := cfg.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMiddleware := auth.AuthRequired(cfg.JWTManager)

	availabilityHandler := availabilityHttp.NewHandler(cfg.AvailabilityService)
	bookingHandler := bookingHttp.NewHandler(cfg.BookingService)

	v1 := r.Group("/v1")
	{
		availabilityHttp.RegisterRoutes(v1, availabilityHandler)
		bookingHttp.RegisterRoutes(v1, bookingHandler, authMiddleware)
	}

	return r
}
