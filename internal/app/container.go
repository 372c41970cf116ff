package app

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nekogravitycat/booking-engine/internal/api"
	"github.com/nekogravitycat/booking-engine/internal/auth"
	"github.com/nekogravitycat/booking-engine/internal/availability"
	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/ingest"
	"github.com/nekogravitycat/booking-engine/internal/memstore"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
)

// Config holds the dependencies and settings required to start the application.
// A nil DBPool selects the in-memory store.
type Config struct {
	IsProduction   bool
	AllowedOrigins []string
	DBPool         *pgxpool.Pool
	JWTSecret      string
	JWTTTL         time.Duration

	DefaultTimezone *time.Location
	Defaults        ingest.Defaults
	RequestTimeout  time.Duration

	// Now replaces the wall clock. Optional.
	Now func() time.Time
}

// Container holds the initialized components that are needed externally.
type Container struct {
	Router         *gin.Engine
	JWTManager     *auth.JWTManager
	Catalog        catalog.Replica
	BookingService booking.Service
	IngestHandler  *ingest.Handler
	Outbox         outbox.Store
}

// NewContainer initializes all modules and returns the container.
func NewContainer(cfg Config) *Container {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)

	// Storage
	var (
		replica     catalog.Replica
		bookingRepo booking.Repository
		events      outbox.Store
		health      func(ctx context.Context) error
	)
	if cfg.DBPool != nil {
		replica = catalog.NewPgxRepository(cfg.DBPool)
		bookingRepo = booking.NewPgxRepository(cfg.DBPool)
		events = outbox.NewPgxRepository(cfg.DBPool)
		health = cfg.DBPool.Ping
	} else {
		store := memstore.New()
		replica, bookingRepo, events = store, store, store
	}
	zones := catalog.NewZones(replica, cfg.DefaultTimezone)

	// Booking Module
	bookingService := booking.NewService(bookingRepo, replica, zones,
		booking.WithClock(now),
		booking.WithTimeout(cfg.RequestTimeout),
	)

	// Availability Module
	availabilityService := availability.NewService(replica, zones, bookingRepo, now)

	// Ingest
	ingestHandler := ingest.NewHandler(replica, bookingService, cfg.Defaults)

	router := api.NewRouter(api.Config{
		IsProduction:        cfg.IsProduction,
		AllowedOrigins:      cfg.AllowedOrigins,
		AvailabilityService: availabilityService,
		BookingService:      bookingService,
		JWTManager:          jwtManager,
		Health:              health,
	})

	return &Container{
		Router:         router,
		JWTManager:     jwtManager,
		Catalog:        replica,
		BookingService: bookingService,
		IngestHandler:  ingestHandler,
		Outbox:         events,
	}
}
