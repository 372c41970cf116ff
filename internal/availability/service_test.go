package availability_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-engine/internal/availability"
	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/memstore"
	"github.com/nekogravitycat/booking-engine/internal/slot"
)

var monday = slot.Date{Year: 2026, Month: time.October, Day: 12}

type fixture struct {
	store    *memstore.Store
	slots    availability.Service
	bookings booking.Service
	loc      *time.Location
}

// newFixture opens a Taipei business on Mondays 09:00-12:00 with a 60 minute service
// bookable one hour ahead. The clock is Monday 08:30 local.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)

	store := memstore.New()
	for _, s := range []catalog.ServiceDefinition{
		{ID: "svc-1", BusinessID: "biz-1", DurationMinutes: 60, Price: 1200, Currency: "TWD", IsActive: true, MinAdvanceMinutes: 60, MaxAdvanceDays: 30},
		{ID: "svc-off", BusinessID: "biz-1", DurationMinutes: 60, Currency: "TWD", IsActive: false, MinAdvanceMinutes: 60, MaxAdvanceDays: 30},
		{ID: "svc-2", BusinessID: "biz-2", DurationMinutes: 60, Currency: "TWD", IsActive: true, MinAdvanceMinutes: 0, MaxAdvanceDays: 30},
	} {
		require.NoError(t, store.UpsertService(ctx, &s))
	}
	require.NoError(t, store.ReplaceAvailability(ctx, "biz-1",
		&catalog.BusinessProfile{BusinessID: "biz-1", Timezone: "Asia/Taipei"},
		[]catalog.AvailabilityRule{{DayOfWeek: time.Monday, StartTime: 9 * 60, EndTime: 12 * 60}},
	))

	now := time.Date(2026, 10, 12, 8, 30, 0, 0, loc)
	clock := func() time.Time { return now }
	zones := catalog.NewZones(store, time.UTC)
	return &fixture{
		store:    store,
		slots:    availability.NewService(store, zones, store, clock),
		bookings: booking.NewService(store, store, zones, booking.WithClock(clock)),
		loc:      loc,
	}
}

func (f *fixture) at(h int) time.Time {
	return time.Date(2026, 10, 12, h, 0, 0, 0, f.loc)
}

func starts(slots []slot.Slot, loc *time.Location) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.StartTime.In(loc).Format("15:04") + "-" + s.EndTime.In(loc).Format("15:04")
	}
	return out
}

func TestGetAvailableSlots(t *testing.T) {
	ctx := context.Background()

	t.Run("Minimum advance excludes the first slot", func(t *testing.T) {
		f := newFixture(t)
		got, err := f.slots.GetAvailableSlots(ctx, "biz-1", "svc-1", monday)
		require.NoError(t, err)
		assert.Equal(t, []string{"10:00-11:00", "11:00-12:00"}, starts(got, f.loc))
		for _, s := range got {
			assert.Equal(t, time.UTC, s.StartTime.Location())
		}
	})

	t.Run("Booked intervals are excluded", func(t *testing.T) {
		f := newFixture(t)
		b, err := f.bookings.Create(ctx, booking.CreateRequest{
			BusinessID: "biz-1", ServiceID: "svc-1", CustomerID: "cust-1", StartTime: f.at(10),
		})
		require.NoError(t, err)

		got, err := f.slots.GetAvailableSlots(ctx, "biz-1", "svc-1", monday)
		require.NoError(t, err)
		assert.Equal(t, []string{"11:00-12:00"}, starts(got, f.loc))

		_, err = f.bookings.Cancel(ctx, b.ID, booking.Actor{ID: "cust-1"}, "")
		require.NoError(t, err)

		got, err = f.slots.GetAvailableSlots(ctx, "biz-1", "svc-1", monday)
		require.NoError(t, err)
		assert.Len(t, got, 2, "cancelled bookings free their slot")
	})

	t.Run("Empty replace leaves no slots", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.ReplaceAvailability(ctx, "biz-1", nil, nil))
		got, err := f.slots.GetAvailableSlots(ctx, "biz-1", "svc-1", monday)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Day without rules", func(t *testing.T) {
		f := newFixture(t)
		got, err := f.slots.GetAvailableSlots(ctx, "biz-1", "svc-1", monday.AddDays(1))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Deactivated service", func(t *testing.T) {
		f := newFixture(t)
		got, err := f.slots.GetAvailableSlots(ctx, "biz-1", "svc-off", monday)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Unknown service", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.slots.GetAvailableSlots(ctx, "biz-1", "svc-missing", monday)
		assert.ErrorIs(t, err, catalog.ErrServiceNotFound)

		_, err = f.slots.GetAvailableSlots(ctx, "biz-1", "svc-2", monday)
		assert.ErrorIs(t, err, catalog.ErrServiceNotFound, "service of another business")
	})

	t.Run("Business without profile uses the fallback zone", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.ReplaceAvailability(ctx, "biz-2", nil,
			[]catalog.AvailabilityRule{{DayOfWeek: time.Monday, StartTime: 9 * 60, EndTime: 11 * 60}},
		))
		got, err := f.slots.GetAvailableSlots(ctx, "biz-2", "svc-2", monday)
		require.NoError(t, err)
		assert.Equal(t, []string{"09:00-10:00", "10:00-11:00"}, starts(got, time.UTC))
	})
}
