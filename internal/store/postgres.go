package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check that Postgres satisfies the gateway contract.
var _ Gateway = (*Postgres)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS calls (
    id               UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    call_id          TEXT         NOT NULL UNIQUE,
    stream_id        TEXT         NOT NULL DEFAULT '',
    caller_phone     TEXT         NOT NULL DEFAULT '',
    restaurant_phone TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL DEFAULT 'in_progress',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    duration_seconds INTEGER,
    failure_reason   TEXT
);

CREATE INDEX IF NOT EXISTS idx_calls_status ON calls (status);

CREATE TABLE IF NOT EXISTS customers (
    id            UUID  PRIMARY KEY DEFAULT gen_random_uuid(),
    phone_number  TEXT  NOT NULL UNIQUE,
    name          TEXT  NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orders (
    id            UUID          PRIMARY KEY DEFAULT gen_random_uuid(),
    restaurant_id TEXT          NOT NULL,
    customer_id   UUID          NOT NULL REFERENCES customers (id),
    call_id       TEXT          NOT NULL DEFAULT '',
    status        TEXT          NOT NULL DEFAULT 'confirmed',
    total_amount  NUMERIC(10,2) NOT NULL,
    created_at    TIMESTAMPTZ   NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders (customer_id);

CREATE TABLE IF NOT EXISTS order_items (
    id             BIGSERIAL     PRIMARY KEY,
    order_id       UUID          NOT NULL REFERENCES orders (id),
    item_name      TEXT          NOT NULL,
    quantity       INTEGER       NOT NULL,
    unit_price     NUMERIC(10,2) NOT NULL,
    customizations JSONB         NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items (order_id);
`

// Postgres is the pgxpool-backed [Gateway] implementation. All methods are
// safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and runs the
// schema migration.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", classify(err))
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate ensures all required tables and indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", classify(err))
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping probes the database, for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CreateCall implements [Gateway].
func (p *Postgres) CreateCall(ctx context.Context, callID, streamID, callerPhone, restaurantPhone string) (CallRef, error) {
	if callID == "" {
		return CallRef{}, fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}
	if streamID == "" {
		return CallRef{}, fmt.Errorf("%w: stream id is required", ErrInvalidArgument)
	}

	const q = `
		INSERT INTO calls (call_id, stream_id, caller_phone, restaurant_phone, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, started_at`

	var ref CallRef
	err := p.pool.QueryRow(ctx, q, callID, streamID, callerPhone, restaurantPhone, StatusInProgress).
		Scan(&ref.ID, &ref.StartedAt)
	if err != nil {
		return CallRef{}, fmt.Errorf("store: create call: %w", classify(err))
	}
	return ref, nil
}

// CompleteCall implements [Gateway].
func (p *Postgres) CompleteCall(ctx context.Context, callID string, startedAt time.Time) error {
	if callID == "" {
		return fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}

	now := time.Now()
	duration := int(now.Sub(startedAt) / time.Second)

	const q = `
		UPDATE calls
		SET    status = $2, ended_at = $3, duration_seconds = $4
		WHERE  call_id = $1`

	return p.terminalUpdate(ctx, "complete call", q, callID, StatusCompleted, now, duration)
}

// EscalateCall implements [Gateway].
func (p *Postgres) EscalateCall(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}

	const q = `
		UPDATE calls
		SET    status = $2, ended_at = $3
		WHERE  call_id = $1`

	return p.terminalUpdate(ctx, "escalate call", q, callID, StatusEscalated, time.Now())
}

// FailCall implements [Gateway].
func (p *Postgres) FailCall(ctx context.Context, callID, reason string) error {
	if callID == "" {
		return fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}

	const q = `
		UPDATE calls
		SET    status = $2, ended_at = $3, failure_reason = NULLIF($4, '')
		WHERE  call_id = $1`

	return p.terminalUpdate(ctx, "fail call", q, callID, StatusFailed, time.Now(), reason)
}

func (p *Postgres) terminalUpdate(ctx context.Context, op, q string, args ...any) error {
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	return nil
}

// UpsertCustomer implements [Gateway].
func (p *Postgres) UpsertCustomer(ctx context.Context, phoneNumber, name string) (uuid.UUID, error) {
	if phoneNumber == "" {
		return uuid.Nil, fmt.Errorf("%w: phone number is required", ErrInvalidArgument)
	}

	const q = `
		INSERT INTO customers (phone_number, name)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	var id uuid.UUID
	if err := p.pool.QueryRow(ctx, q, phoneNumber, name).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("store: upsert customer: %w", classify(err))
	}
	return id, nil
}

// InsertOrder implements [Gateway].
func (p *Postgres) InsertOrder(ctx context.Context, o Order) (uuid.UUID, error) {
	if o.RestaurantID == "" {
		return uuid.Nil, fmt.Errorf("%w: restaurant id is required", ErrInvalidArgument)
	}
	if o.CustomerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: customer id is required", ErrInvalidArgument)
	}

	const q = `
		INSERT INTO orders (restaurant_id, customer_id, call_id, status, total_amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id uuid.UUID
	err := p.pool.QueryRow(ctx, q, o.RestaurantID, o.CustomerID, o.CallID, o.Status, o.TotalAmount).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert order: %w", classify(err))
	}
	return id, nil
}

// InsertOrderItems implements [Gateway]. The batch is sent as a single
// pipeline round trip.
func (p *Postgres) InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []OrderItem) error {
	if orderID == uuid.Nil {
		return fmt.Errorf("%w: order id is required", ErrInvalidArgument)
	}
	if len(items) == 0 {
		return nil
	}

	const q = `
		INSERT INTO order_items (order_id, item_name, quantity, unit_price, customizations)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for _, it := range items {
		custom := it.Customizations
		if custom == nil {
			custom = map[string]string{}
		}
		batch.Queue(q, orderID, it.ItemName, it.Quantity, it.UnitPrice, custom)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: insert order items: %w", classify(err))
		}
	}
	return nil
}

// classify maps a driver error onto one of the store's error kinds so that
// callers can make retry decisions without importing pgx.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "23"): // other integrity violations
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		case strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsRetryable reports whether err is worth another attempt: anything except
// invalid arguments and permanent protocol failures.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrInvalidArgument) && !errors.Is(err, ErrPermanent)
}
