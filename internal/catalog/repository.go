package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nekogravitycat/booking-engine/internal/db"
)

// Reader is the query side of the replica.
type Reader interface {
	// GetService returns the definition regardless of IsActive, or ErrServiceNotFound
	// when the replica never received it.
	GetService(ctx context.Context, serviceID string) (*ServiceDefinition, error)
	// RulesForDay returns the business's rules for one weekday ordered by start time.
	RulesForDay(ctx context.Context, businessID string, day time.Weekday) ([]AvailabilityRule, error)
	// ListRules returns every rule of the business ordered by day and start time.
	ListRules(ctx context.Context, businessID string) ([]AvailabilityRule, error)
	// GetProfile returns the business profile and false when none was replicated.
	GetProfile(ctx context.Context, businessID string) (*BusinessProfile, bool, error)
}

// Writer applies upstream changes. Both operations are idempotent.
type Writer interface {
	// UpsertService creates or fully overwrites the service keyed by its ID.
	UpsertService(ctx context.Context, svc *ServiceDefinition) error
	// ReplaceAvailability deletes all rules of the business and inserts rules in one
	// transaction. A non-nil profile is upserted in the same transaction.
	ReplaceAvailability(ctx context.Context, businessID string, profile *BusinessProfile, rules []AvailabilityRule) error
}

// Replica is the full availability store.
type Replica interface {
	Reader
	Writer
}

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type pgxReader struct {
	q db.Querier
}

// NewPgxReader returns a Reader running on q, so callers holding a transaction
// can read rules inside it.
func NewPgxReader(q db.Querier) Reader {
	return &pgxReader{q: q}
}

type pgxRepository struct {
	Reader
	pool *pgxpool.Pool
}

// NewPgxRepository creates the postgres-backed replica.
func NewPgxRepository(pool *pgxpool.Pool) Replica {
	return &pgxRepository{Reader: NewPgxReader(pool), pool: pool}
}

func (r *pgxReader) GetService(ctx context.Context, serviceID string) (*ServiceDefinition, error) {
	query, args, err := psql.Select(
		"id", "business_id", "name", "description", "duration_minutes", "price", "currency",
		"is_active", "min_advance_minutes", "max_advance_days", "updated_at",
	).
		From("public.services").
		Where(squirrel.Eq{"id": serviceID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get service query failed: %w", err)
	}

	var s ServiceDefinition
	if err := r.q.QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.BusinessID, &s.Name, &s.Description, &s.DurationMinutes, &s.Price, &s.Currency,
		&s.IsActive, &s.MinAdvanceMinutes, &s.MaxAdvanceDays, &s.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("get service failed: %w", err)
	}
	return &s, nil
}

func (r *pgxReader) RulesForDay(ctx context.Context, businessID string, day time.Weekday) ([]AvailabilityRule, error) {
	return r.listRules(ctx, squirrel.Eq{"business_id": businessID, "day_of_week": int(day)})
}

func (r *pgxReader) ListRules(ctx context.Context, businessID string) ([]AvailabilityRule, error) {
	return r.listRules(ctx, squirrel.Eq{"business_id": businessID})
}

func (r *pgxReader) listRules(ctx context.Context, where squirrel.Eq) ([]AvailabilityRule, error) {
	query, args, err := psql.Select("business_id", "day_of_week", "start_minute", "end_minute").
		From("public.availability_rules").
		Where(where).
		OrderBy("day_of_week", "start_minute", "end_minute").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list rules query failed: %w", err)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules failed: %w", err)
	}
	defer rows.Close()

	var rules []AvailabilityRule
	for rows.Next() {
		var (
			rule       AvailabilityRule
			day        int16
			start, end int16
		)
		if err := rows.Scan(&rule.BusinessID, &day, &start, &end); err != nil {
			return nil, fmt.Errorf("scan rule failed: %w", err)
		}
		rule.DayOfWeek = time.Weekday(day)
		rule.StartTime = Clock(start)
		rule.EndTime = Clock(end)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules failed: %w", err)
	}
	return rules, nil
}

func (r *pgxReader) GetProfile(ctx context.Context, businessID string) (*BusinessProfile, bool, error) {
	query, args, err := psql.Select("business_id", "timezone").
		From("public.business_profiles").
		Where(squirrel.Eq{"business_id": businessID}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build get profile query failed: %w", err)
	}

	var p BusinessProfile
	if err := r.q.QueryRow(ctx, query, args...).Scan(&p.BusinessID, &p.Timezone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get profile failed: %w", err)
	}
	return &p, true, nil
}

// UpsertService leaves updated_at alone when the stored row already matches.
func (r *pgxRepository) UpsertService(ctx context.Context, s *ServiceDefinition) error {
	query, args, err := psql.Insert("public.services").
		Columns(
			"id", "business_id", "name", "description", "duration_minutes", "price", "currency",
			"is_active", "min_advance_minutes", "max_advance_days",
		).
		Values(
			s.ID, s.BusinessID, s.Name, s.Description, s.DurationMinutes, s.Price, s.Currency,
			s.IsActive, s.MinAdvanceMinutes, s.MaxAdvanceDays,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			business_id = EXCLUDED.business_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			duration_minutes = EXCLUDED.duration_minutes,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			is_active = EXCLUDED.is_active,
			min_advance_minutes = EXCLUDED.min_advance_minutes,
			max_advance_days = EXCLUDED.max_advance_days,
			updated_at = now()
		WHERE (services.business_id, services.name, services.description, services.duration_minutes,
			services.price, services.currency, services.is_active, services.min_advance_minutes,
			services.max_advance_days)
		IS DISTINCT FROM (EXCLUDED.business_id, EXCLUDED.name, EXCLUDED.description, EXCLUDED.duration_minutes,
			EXCLUDED.price, EXCLUDED.currency, EXCLUDED.is_active, EXCLUDED.min_advance_minutes,
			EXCLUDED.max_advance_days)
		RETURNING updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert service query failed: %w", err)
	}

	err = r.pool.QueryRow(ctx, query, args...).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unchanged row: the conflict update was skipped.
		err = r.pool.QueryRow(ctx, "SELECT updated_at FROM public.services WHERE id = $1", s.ID).Scan(&s.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("upsert service failed: %w", err)
	}
	return nil
}

func (r *pgxRepository) ReplaceAvailability(ctx context.Context, businessID string, profile *BusinessProfile, rules []AvailabilityRule) error {
	return db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		if profile != nil {
			query, args, err := psql.Insert("public.business_profiles").
				Columns("business_id", "timezone").
				Values(businessID, profile.Timezone).
				Suffix("ON CONFLICT (business_id) DO UPDATE SET timezone = EXCLUDED.timezone, updated_at = now()").
				ToSql()
			if err != nil {
				return fmt.Errorf("build upsert profile query failed: %w", err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert profile failed: %w", err)
			}
		}

		query, args, err := psql.Delete("public.availability_rules").
			Where(squirrel.Eq{"business_id": businessID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete rules query failed: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("delete rules failed: %w", err)
		}

		rules = DedupeRules(rules)
		if len(rules) == 0 {
			return nil
		}

		insert := psql.Insert("public.availability_rules").
			Columns("business_id", "day_of_week", "start_minute", "end_minute")
		for _, rule := range rules {
			insert = insert.Values(businessID, int(rule.DayOfWeek), int(rule.StartTime), int(rule.EndTime))
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return fmt.Errorf("build insert rules query failed: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert rules failed: %w", err)
		}
		return nil
	})
}
