package booking_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/db"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
)

// newTestPool connects to TEST_DB_DSN and skips the test when it is not set.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is not set")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, pool))

	_, err = pool.Exec(ctx, "TRUNCATE TABLE public.bookings, public.outbox_events, public.availability_rules, public.business_profiles, public.services CASCADE")
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newPgxService(t *testing.T, pool *pgxpool.Pool, now time.Time) booking.Service {
	t.Helper()
	ctx := context.Background()
	replica := catalog.NewPgxRepository(pool)
	require.NoError(t, replica.UpsertService(ctx, &catalog.ServiceDefinition{
		ID: paidSvc, BusinessID: businessID, Name: "Massage", DurationMinutes: 60,
		Price: 5000, Currency: "USD", IsActive: true, MinAdvanceMinutes: 0, MaxAdvanceDays: 30,
	}))
	require.NoError(t, replica.ReplaceAvailability(ctx, businessID,
		&catalog.BusinessProfile{BusinessID: businessID, Timezone: "UTC"},
		[]catalog.AvailabilityRule{{DayOfWeek: time.Monday, StartTime: 9 * 60, EndTime: 17 * 60}},
	))
	return booking.NewService(booking.NewPgxRepository(pool), replica, catalog.NewZones(replica, time.UTC),
		booking.WithClock(func() time.Time { return now }))
}

func TestPgxConcurrentCreate(t *testing.T) {
	pool := newTestPool(t)
	svc := newPgxService(t, pool, time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC))
	start := time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), booking.CreateRequest{
				BusinessID: businessID, ServiceID: paidSvc, CustomerID: customer,
				StartTime: start.Add(time.Duration(i%3) * 20 * time.Minute),
			})
			if err != nil && !errors.Is(err, booking.ErrSlotConflict) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "every candidate overlaps every other")
}

func TestPgxExclusionConstraint(t *testing.T) {
	pool := newTestPool(t)
	newPgxService(t, pool, time.Now())
	repo := booking.NewPgxRepository(pool)
	ctx := context.Background()

	mk := func(start time.Time) *booking.Booking {
		return &booking.Booking{
			ID: uuid.NewString(), BusinessID: businessID, ServiceID: paidSvc, CustomerID: customer,
			StartTime: start, EndTime: start.Add(time.Hour), Status: booking.StatusPendingPayment,
		}
	}
	start := time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.WithBusinessLock(ctx, businessID, func(tx booking.GuardTx) error {
		return tx.Insert(ctx, mk(start))
	}))

	// Skipping HasOverlap still cannot produce an overlap.
	err := repo.WithBusinessLock(ctx, businessID, func(tx booking.GuardTx) error {
		return tx.Insert(ctx, mk(start.Add(30*time.Minute)))
	})
	assert.ErrorIs(t, err, booking.ErrSlotConflict)

	err = repo.WithBusinessLock(ctx, businessID, func(tx booking.GuardTx) error {
		b := mk(start.Add(2 * time.Hour))
		b.ServiceID = "svc-missing"
		return tx.Insert(ctx, b)
	})
	assert.ErrorIs(t, err, booking.ErrServiceNotFound)

	require.NoError(t, repo.WithBusinessLock(ctx, businessID, func(tx booking.GuardTx) error {
		return tx.Insert(ctx, mk(start.Add(time.Hour)))
	}), "adjacent intervals do not conflict")
}

func TestPgxTransitionWritesOutbox(t *testing.T) {
	pool := newTestPool(t)
	svc := newPgxService(t, pool, time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC))
	ctx := context.Background()

	b, err := svc.Create(ctx, booking.CreateRequest{
		BusinessID: businessID, ServiceID: paidSvc, CustomerID: customer,
		StartTime: time.Date(2026, 10, 12, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := svc.Confirm(ctx, booking.ConfirmRequest{BookingID: b.ID, PaymentIntentID: "pi_pg"})
		require.NoError(t, err)
		assert.Equal(t, booking.StatusConfirmed, got.Status)
	}

	n, err := svc.CompleteDue(ctx, time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var topics []string
	_, err = outbox.NewPgxRepository(pool).Drain(ctx, 10, func(ctx context.Context, e outbox.Event) error {
		topics = append(topics, e.Topic)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{booking.TopicConfirmed, booking.TopicCompleted}, topics)

	page, total, err := svc.List(ctx, booking.Filter{BusinessID: businessID, Status: string(booking.StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, b.ID, page[0].ID)
}
