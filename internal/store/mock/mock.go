// Package mock provides an in-memory [store.Gateway] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilobco/sb-voice-gateway/internal/store"
)

// Compile-time check.
var _ store.Gateway = (*Gateway)(nil)

// TerminalWrite records one call-lifecycle terminal transition.
type TerminalWrite struct {
	CallID string
	Status string
	Reason string
}

// InsertedOrder pairs an order header with its assigned id.
type InsertedOrder struct {
	ID    uuid.UUID
	Order store.Order
}

// Gateway is a scriptable in-memory [store.Gateway]. Inject errors via the
// *Err fields; inspect recorded writes afterwards. Safe for concurrent use.
type Gateway struct {
	mu sync.Mutex

	CreateCallErr       error
	CompleteCallErr     error
	EscalateCallErr     error
	FailCallErr         error
	UpsertCustomerErr   error
	InsertOrderErr      error
	InsertOrderItemsErr error

	// InsertOrderErrs, when non-empty, is consumed one error per InsertOrder
	// call before InsertOrderErr applies. Nil entries mean success.
	InsertOrderErrs []error

	Calls          []store.CallRef
	Terminals      []TerminalWrite
	Customers      map[string]uuid.UUID
	Orders         []InsertedOrder
	ItemsByOrder   map[uuid.UUID][]store.OrderItem
	UpsertedNames  map[string]string
	CreateCallArgs [][4]string
}

// NewGateway returns an empty mock gateway.
func NewGateway() *Gateway {
	return &Gateway{
		Customers:     make(map[string]uuid.UUID),
		ItemsByOrder:  make(map[uuid.UUID][]store.OrderItem),
		UpsertedNames: make(map[string]string),
	}
}

func (g *Gateway) CreateCall(_ context.Context, callID, streamID, callerPhone, restaurantPhone string) (store.CallRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateCallErr != nil {
		return store.CallRef{}, g.CreateCallErr
	}
	ref := store.CallRef{ID: uuid.New(), StartedAt: time.Now()}
	g.Calls = append(g.Calls, ref)
	g.CreateCallArgs = append(g.CreateCallArgs, [4]string{callID, streamID, callerPhone, restaurantPhone})
	return ref, nil
}

func (g *Gateway) CompleteCall(_ context.Context, callID string, _ time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CompleteCallErr != nil {
		return g.CompleteCallErr
	}
	g.Terminals = append(g.Terminals, TerminalWrite{CallID: callID, Status: store.StatusCompleted})
	return nil
}

func (g *Gateway) EscalateCall(_ context.Context, callID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.EscalateCallErr != nil {
		return g.EscalateCallErr
	}
	g.Terminals = append(g.Terminals, TerminalWrite{CallID: callID, Status: store.StatusEscalated})
	return nil
}

func (g *Gateway) FailCall(_ context.Context, callID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailCallErr != nil {
		return g.FailCallErr
	}
	g.Terminals = append(g.Terminals, TerminalWrite{CallID: callID, Status: store.StatusFailed, Reason: reason})
	return nil
}

func (g *Gateway) UpsertCustomer(_ context.Context, phoneNumber, name string) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.UpsertCustomerErr != nil {
		return uuid.Nil, g.UpsertCustomerErr
	}
	id, ok := g.Customers[phoneNumber]
	if !ok {
		id = uuid.New()
		g.Customers[phoneNumber] = id
	}
	g.UpsertedNames[phoneNumber] = name
	return id, nil
}

func (g *Gateway) InsertOrder(_ context.Context, o store.Order) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.InsertOrderErrs) > 0 {
		err := g.InsertOrderErrs[0]
		g.InsertOrderErrs = g.InsertOrderErrs[1:]
		if err != nil {
			return uuid.Nil, err
		}
	} else if g.InsertOrderErr != nil {
		return uuid.Nil, g.InsertOrderErr
	}
	id := uuid.New()
	g.Orders = append(g.Orders, InsertedOrder{ID: id, Order: o})
	return id, nil
}

func (g *Gateway) InsertOrderItems(_ context.Context, orderID uuid.UUID, items []store.OrderItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.InsertOrderItemsErr != nil {
		return g.InsertOrderItemsErr
	}
	g.ItemsByOrder[orderID] = append(g.ItemsByOrder[orderID], items...)
	return nil
}

// TerminalsFor returns the terminal writes recorded for callID.
func (g *Gateway) TerminalsFor(callID string) []TerminalWrite {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []TerminalWrite
	for _, t := range g.Terminals {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	return out
}
