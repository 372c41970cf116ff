package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nekogravitycat/booking-engine/internal/app"
	"github.com/nekogravitycat/booking-engine/internal/config"
	"github.com/nekogravitycat/booking-engine/internal/db"
	"github.com/nekogravitycat/booking-engine/internal/ingest"
	"github.com/nekogravitycat/booking-engine/internal/jobs"
	"github.com/nekogravitycat/booking-engine/internal/messaging"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
	"github.com/nekogravitycat/booking-engine/internal/pkg/obs"
)

const serviceName = "booking-engine"

func main() {
	// For receiving Ctrl+C / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownTracer, err := obs.InitTracer(ctx, serviceName, cfg.AppEnv, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	// Connect DB
	var pool *pgxpool.Pool
	if cfg.StorageDriver == config.DriverPostgres {
		pool, err = db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatalf("failed to connect to db: %v", err)
		}
		defer pool.Close()

		if cfg.DBAutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				log.Fatalf("failed to migrate db: %v", err)
			}
		}
	} else {
		log.Println("using in-memory storage, data is lost on exit")
	}

	defaultZone, _ := time.LoadLocation(cfg.DefaultTimezone) // validated by config.Load

	container := app.NewContainer(app.Config{
		IsProduction:    cfg.IsProduction,
		AllowedOrigins:  cfg.AllowedOrigins(),
		DBPool:          pool,
		JWTSecret:       cfg.JWTSecret,
		JWTTTL:          cfg.JWTAccessTokenTTL,
		DefaultTimezone: defaultZone,
		Defaults: ingest.Defaults{
			MinAdvanceHours: cfg.DefaultMinAdvanceHours,
			MaxAdvanceDays:  cfg.DefaultMaxAdvanceDays,
		},
		RequestTimeout: cfg.RequestTimeout,
	})

	var workers sync.WaitGroup

	// Outbox relay; without a broker events only go to the log.
	var publisher outbox.Publisher = outbox.LogPublisher{}
	if cfg.AMQPURL != "" {
		p, err := messaging.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to connect publisher: %v", err)
		}
		defer p.Close()
		publisher = p

		consumer, err := messaging.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPIngestQueue, ingest.Keys, 16)
		if err != nil {
			log.Fatalf("failed to connect consumer: %v", err)
		}
		defer consumer.Close()

		deliveries, err := consumer.Deliveries(ctx, serviceName)
		if err != nil {
			log.Fatalf("failed to start consuming: %v", err)
		}
		ingestConsumer := ingest.NewConsumer(container.IngestHandler, cfg.RequestTimeout)
		workers.Add(1)
		go func() {
			defer workers.Done()
			ingestConsumer.Run(ctx, deliveries)
			if ctx.Err() == nil {
				log.Println("ingest consumer stopped unexpectedly, shutting down")
				stop()
			}
		}()
		log.Printf("ingest consuming %s on %s", cfg.AMQPIngestQueue, cfg.AMQPExchange)
	} else {
		log.Println("AMQP_URL not set, ingest consumer disabled")
	}

	relay := outbox.NewRelay(container.Outbox, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	workers.Add(1)
	go func() {
		defer workers.Done()
		relay.Run(ctx)
	}()

	completionJob := jobs.NewCompletionJob(container.BookingService, cfg.CompletionSweepInterval)
	completionJob.Start(ctx)

	// Use http.Server for graceful shutdown
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: container.Router,
	}

	// Run server in separate goroutine
	go func() {
		log.Printf("server running on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for Ctrl+C
	<-ctx.Done()
	log.Println("shutdown signal received")

	// Create a shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	completionJob.Stop()
	workers.Wait()

	// Publish what was committed before the signal.
	if _, err := relay.Flush(shutdownCtx); err != nil {
		log.Printf("final outbox flush failed: %v", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("tracer shutdown failed: %v", err)
	}

	log.Println("server exited gracefully")
}
