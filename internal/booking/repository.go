package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/db"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
	"github.com/nekogravitycat/booking-engine/internal/slot"
)

// GuardTx is the unit of work of the conflict guard. All calls run while the
// business's booking lock is held, and nothing is visible to others until the
// surrounding WithBusinessLock returns nil.
type GuardTx interface {
	RulesForDay(ctx context.Context, businessID string, day time.Weekday) ([]catalog.AvailabilityRule, error)
	// HasOverlap reports whether an active booking of the business intersects [start, end).
	HasOverlap(ctx context.Context, businessID string, start, end time.Time) (bool, error)
	// Insert stores b and events. An overlapping active booking yields ErrSlotConflict.
	Insert(ctx context.Context, b *Booking, events ...outbox.Event) error
}

// TransitionFunc mutates a locked booking and returns the events to commit with it.
// Returning an error aborts the transition.
type TransitionFunc func(b *Booking) ([]outbox.Event, error)

type Repository interface {
	// WithBusinessLock runs fn exclusively with respect to every other guard of the same
	// business. Guards of different businesses never block each other.
	WithBusinessLock(ctx context.Context, businessID string, fn func(tx GuardTx) error) error

	GetByID(ctx context.Context, id string) (*Booking, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Booking, error)
	List(ctx context.Context, filter Filter) ([]*Booking, int, error)

	// ActiveIntervals returns the intervals of active bookings of the business that
	// intersect [from, to).
	ActiveIntervals(ctx context.Context, businessID string, from, to time.Time) ([]slot.Interval, error)

	// Transition locks the booking, applies fn and persists the result with the events
	// fn returned. When fn leaves the state unchanged nothing is written.
	Transition(ctx context.Context, id string, fn TransitionFunc) (*Booking, error)

	// CompleteDue moves up to limit CONFIRMED bookings with EndTime <= now to COMPLETED,
	// writing one event per booking built by event.
	CompleteDue(ctx context.Context, now time.Time, limit int, event func(*Booking) (outbox.Event, error)) ([]*Booking, error)
}

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var bookingColumns = []string{
	"id", "business_id", "service_id", "customer_id", "start_time", "end_time", "status",
	"payment_intent_id", "cancellation_reason", "cancelled_by", "created_at", "updated_at",
}

var sortColumns = map[string]string{
	"start_time": "start_time",
	"end_time":   "end_time",
	"created_at": "created_at",
	"status":     "status",
}

type pgxRepository struct {
	pool *pgxpool.Pool
}

func NewPgxRepository(pool *pgxpool.Pool) Repository {
	return &pgxRepository{pool: pool}
}

func scanBooking(row pgx.Row, extra ...any) (*Booking, error) {
	var b Booking
	dest := []any{
		&b.ID, &b.BusinessID, &b.ServiceID, &b.CustomerID, &b.StartTime, &b.EndTime, &b.Status,
		&b.PaymentIntentID, &b.CancellationReason, &b.CancelledBy, &b.CreatedAt, &b.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &b, nil
}

// mapWriteError translates constraint violations into domain errors.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.ExclusionViolation:
		return ErrSlotConflict
	case pgerrcode.UniqueViolation:
		return ErrIntentInUse
	case pgerrcode.ForeignKeyViolation:
		return ErrServiceNotFound
	}
	return err
}

func (r *pgxRepository) WithBusinessLock(ctx context.Context, businessID string, fn func(tx GuardTx) error) error {
	return db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", businessID); err != nil {
			return fmt.Errorf("acquire business lock failed: %w", err)
		}
		return fn(&pgxGuardTx{tx: tx, rules: catalog.NewPgxReader(tx)})
	})
}

type pgxGuardTx struct {
	tx    pgx.Tx
	rules catalog.Reader
}

func (g *pgxGuardTx) RulesForDay(ctx context.Context, businessID string, day time.Weekday) ([]catalog.AvailabilityRule, error) {
	return g.rules.RulesForDay(ctx, businessID, day)
}

func (g *pgxGuardTx) HasOverlap(ctx context.Context, businessID string, start, end time.Time) (bool, error) {
	sub, args, err := psql.Select("1").
		From("public.bookings").
		Where(squirrel.Eq{"business_id": businessID}).
		Where(squirrel.Eq{"status": []Status{StatusPendingPayment, StatusConfirmed}}).
		Where(squirrel.Lt{"start_time": end}).
		Where(squirrel.Gt{"end_time": start}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build check overlap query failed: %w", err)
	}

	var exists bool
	if err := g.tx.QueryRow(ctx, "SELECT EXISTS ("+sub+")", args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check overlap failed: %w", err)
	}
	return exists, nil
}

func (g *pgxGuardTx) Insert(ctx context.Context, b *Booking, events ...outbox.Event) error {
	query, args, err := psql.Insert("public.bookings").
		Columns(
			"id", "business_id", "service_id", "customer_id", "start_time", "end_time", "status",
			"payment_intent_id",
		).
		Values(b.ID, b.BusinessID, b.ServiceID, b.CustomerID, b.StartTime, b.EndTime, b.Status, b.PaymentIntentID).
		Suffix("RETURNING created_at, updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build create booking query failed: %w", err)
	}

	if err := g.tx.QueryRow(ctx, query, args...).Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("create booking failed: %w", err)
	}
	return outbox.Insert(ctx, g.tx, events...)
}

func (r *pgxRepository) getOne(ctx context.Context, q db.Querier, where squirrel.Sqlizer, forUpdate bool) (*Booking, error) {
	builder := psql.Select(bookingColumns...).
		From("public.bookings").
		Where(where)
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get booking query failed: %w", err)
	}

	b, err := scanBooking(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get booking failed: %w", err)
	}
	return b, nil
}

func (r *pgxRepository) GetByID(ctx context.Context, id string) (*Booking, error) {
	return r.getOne(ctx, r.pool, squirrel.Eq{"id": id}, false)
}

func (r *pgxRepository) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Booking, error) {
	return r.getOne(ctx, r.pool, squirrel.Eq{"payment_intent_id": paymentIntentID}, false)
}

func (r *pgxRepository) List(ctx context.Context, filter Filter) ([]*Booking, int, error) {
	query := psql.Select(append(bookingColumns, "count(*) OVER() AS total_count")...).
		From("public.bookings")

	if filter.CustomerID != "" {
		query = query.Where(squirrel.Eq{"customer_id": filter.CustomerID})
	}
	if filter.BusinessID != "" {
		query = query.Where(squirrel.Eq{"business_id": filter.BusinessID})
	}
	if filter.ServiceID != "" {
		query = query.Where(squirrel.Eq{"service_id": filter.ServiceID})
	}
	if filter.Status != "" {
		query = query.Where(squirrel.Eq{"status": filter.Status})
	}
	if filter.StartTime != nil {
		query = query.Where(squirrel.Gt{"end_time": *filter.StartTime})
	}
	if filter.EndTime != nil {
		query = query.Where(squirrel.Lt{"start_time": *filter.EndTime})
	}

	orderBy := "start_time"
	if col, ok := sortColumns[filter.SortBy]; ok {
		orderBy = col
	}
	orderDir := "DESC"
	if filter.SortOrder == "asc" || filter.SortOrder == "ASC" {
		orderDir = "ASC"
	}
	query = query.OrderBy(orderBy+" "+orderDir, "id")

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 20
	}
	offset := (filter.Page - 1) * filter.PageSize
	query = query.Limit(uint64(filter.PageSize)).Offset(uint64(offset))

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list bookings query failed: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings failed: %w", err)
	}
	defer rows.Close()

	var bookings []*Booking
	var total int
	for rows.Next() {
		b, err := scanBooking(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan booking failed: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate bookings failed: %w", err)
	}
	return bookings, total, nil
}

func (r *pgxRepository) ActiveIntervals(ctx context.Context, businessID string, from, to time.Time) ([]slot.Interval, error) {
	query, args, err := psql.Select("start_time", "end_time").
		From("public.bookings").
		Where(squirrel.Eq{"business_id": businessID}).
		Where(squirrel.Eq{"status": []Status{StatusPendingPayment, StatusConfirmed}}).
		Where(squirrel.Lt{"start_time": to}).
		Where(squirrel.Gt{"end_time": from}).
		OrderBy("start_time").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active intervals query failed: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active intervals failed: %w", err)
	}
	defer rows.Close()

	var busy []slot.Interval
	for rows.Next() {
		var iv slot.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("scan interval failed: %w", err)
		}
		busy = append(busy, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervals failed: %w", err)
	}
	return busy, nil
}

func (r *pgxRepository) Transition(ctx context.Context, id string, fn TransitionFunc) (*Booking, error) {
	var result *Booking
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := r.getOne(ctx, tx, squirrel.Eq{"id": id}, true)
		if err != nil {
			return err
		}

		next := current.Clone()
		events, err := fn(next)
		if err != nil {
			return err
		}
		if next.SameState(current) {
			result = current
			return nil
		}

		query, args, err := psql.Update("public.bookings").
			Set("status", next.Status).
			Set("payment_intent_id", next.PaymentIntentID).
			Set("cancellation_reason", next.CancellationReason).
			Set("cancelled_by", next.CancelledBy).
			Set("updated_at", squirrel.Expr("now()")).
			Where(squirrel.Eq{"id": id}).
			Suffix("RETURNING updated_at").
			ToSql()
		if err != nil {
			return fmt.Errorf("build update booking query failed: %w", err)
		}
		if err := tx.QueryRow(ctx, query, args...).Scan(&next.UpdatedAt); err != nil {
			if mapped := mapWriteError(err); mapped != err {
				return mapped
			}
			return fmt.Errorf("update booking failed: %w", err)
		}
		if err := outbox.Insert(ctx, tx, events...); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pgxRepository) CompleteDue(ctx context.Context, now time.Time, limit int, event func(*Booking) (outbox.Event, error)) ([]*Booking, error) {
	var completed []*Booking
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		query, args, err := psql.Select(bookingColumns...).
			From("public.bookings").
			Where(squirrel.Eq{"status": StatusConfirmed}).
			Where(squirrel.LtOrEq{"end_time": now}).
			OrderBy("end_time", "id").
			Limit(uint64(limit)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("build due bookings query failed: %w", err)
		}

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select due bookings failed: %w", err)
		}
		var due []*Booking
		for rows.Next() {
			b, err := scanBooking(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan booking failed: %w", err)
			}
			due = append(due, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due bookings failed: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]string, len(due))
		events := make([]outbox.Event, len(due))
		for i, b := range due {
			b.Status = StatusCompleted
			ids[i] = b.ID
			if events[i], err = event(b); err != nil {
				return err
			}
		}

		update, args, err := psql.Update("public.bookings").
			Set("status", StatusCompleted).
			Set("updated_at", squirrel.Expr("now()")).
			Where(squirrel.Eq{"id": ids}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build complete bookings query failed: %w", err)
		}
		if _, err := tx.Exec(ctx, update, args...); err != nil {
			return fmt.Errorf("complete bookings failed: %w", err)
		}
		if err := outbox.Insert(ctx, tx, events...); err != nil {
			return err
		}
		completed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}
