// Package store persists call and order records to PostgreSQL.
//
// The [Gateway] interface is the persistence contract consumed by the tool
// router and the session orchestrator; [Postgres] is the pgx-backed
// implementation. Failures of the call-lifecycle methods are non-fatal to
// callers by contract: the telephony call must not end because the database
// sneezed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error kinds crossing the store boundary. Callers classify with errors.Is.
var (
	// ErrInvalidArgument marks missing or ill-typed inputs. Never retried.
	ErrInvalidArgument = errors.New("store: invalid argument")

	// ErrNotFound marks a row that does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict marks a uniqueness or constraint violation.
	ErrConflict = errors.New("store: conflict")

	// ErrTransient marks a network or service blip worth retrying.
	ErrTransient = errors.New("store: transient failure")

	// ErrPermanent marks a failure that will not heal on retry.
	ErrPermanent = errors.New("store: permanent failure")
)

// Call statuses. A call transitions from in_progress to exactly one
// terminal value.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusEscalated  = "escalated"
	StatusFailed     = "failed"
)

// OrderStatusConfirmed is the only status an order row is ever written with.
const OrderStatusConfirmed = "confirmed"

// CallRef identifies a freshly inserted call row.
type CallRef struct {
	ID        uuid.UUID
	StartedAt time.Time
}

// Order is the header row persisted on order completion.
type Order struct {
	RestaurantID string
	CustomerID   uuid.UUID
	CallID       string
	Status       string
	TotalAmount  float64
}

// OrderItem is one persisted line item. Customizations carries the free-form
// notes bag; it is empty when the cart line had no notes.
type OrderItem struct {
	ItemName       string
	Quantity       int
	UnitPrice      float64
	Customizations map[string]string
}

// Gateway is the persistence contract over the calls, customers, orders and
// order_items tables.
type Gateway interface {
	// CreateCall inserts an in_progress call row and returns its server-side
	// identity. Missing required fields are rejected with ErrInvalidArgument.
	CreateCall(ctx context.Context, callID, streamID, callerPhone, restaurantPhone string) (CallRef, error)

	// CompleteCall marks the call completed, stamping endedAt and the whole
	// seconds elapsed since startedAt.
	CompleteCall(ctx context.Context, callID string, startedAt time.Time) error

	// EscalateCall marks the call escalated and stamps endedAt.
	EscalateCall(ctx context.Context, callID string) error

	// FailCall marks the call failed, stamping endedAt and, when non-empty,
	// the failure reason.
	FailCall(ctx context.Context, callID, reason string) error

	// UpsertCustomer inserts or updates a customer keyed by phone number; on
	// conflict the name is refreshed. Returns the row id.
	UpsertCustomer(ctx context.Context, phoneNumber, name string) (uuid.UUID, error)

	// InsertOrder inserts an order header row and returns its id.
	InsertOrder(ctx context.Context, o Order) (uuid.UUID, error)

	// InsertOrderItems inserts the line items of an order as one batch.
	InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []OrderItem) error
}
