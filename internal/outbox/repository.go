package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nekogravitycat/booking-engine/internal/db"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Insert writes events using q, normally the transaction that changed the aggregate.
func Insert(ctx context.Context, q db.Querier, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	insert := psql.Insert("public.outbox_events").
		Columns("id", "topic", "aggregate_id", "payload", "created_at")
	for _, e := range events {
		insert = insert.Values(e.ID, e.Topic, e.AggregateID, []byte(e.Payload), e.CreatedAt)
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert outbox query failed: %w", err)
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outbox events failed: %w", err)
	}
	return nil
}

type pgxRepository struct {
	pool *pgxpool.Pool
}

func NewPgxRepository(pool *pgxpool.Pool) Store {
	return &pgxRepository{pool: pool}
}

func (r *pgxRepository) Drain(ctx context.Context, limit int, publish func(ctx context.Context, e Event) error) (int, error) {
	marked := 0
	var publishErr error

	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		query, args, err := psql.Select("id", "topic", "aggregate_id", "payload", "created_at").
			From("public.outbox_events").
			Where(squirrel.Eq{"published_at": nil}).
			OrderBy("created_at", "id").
			Limit(uint64(limit)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("build select outbox query failed: %w", err)
		}

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select outbox events failed: %w", err)
		}
		var events []Event
		for rows.Next() {
			var e Event
			var payload []byte
			if err := rows.Scan(&e.ID, &e.Topic, &e.AggregateID, &payload, &e.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox event failed: %w", err)
			}
			e.Payload = payload
			events = append(events, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox events failed: %w", err)
		}

		var published []string
		for _, e := range events {
			if publishErr = publish(ctx, e); publishErr != nil {
				break
			}
			published = append(published, e.ID)
		}
		if len(published) == 0 {
			return nil
		}

		update, args, err := psql.Update("public.outbox_events").
			Set("published_at", time.Now().UTC()).
			Where(squirrel.Eq{"id": published}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build mark published query failed: %w", err)
		}
		ct, err := tx.Exec(ctx, update, args...)
		if err != nil {
			return fmt.Errorf("mark outbox events published failed: %w", err)
		}
		marked = int(ct.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, publishErr
}
