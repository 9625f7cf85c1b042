// Package tools dispatches model-issued tool calls against the session's
// cart and the persistence gateway.
//
// The tool surface is a fixed closed set. Argument validation happens once
// here at the boundary — handlers only ever see well-typed values — and a
// dispatch never raises into the session loop: every failure path collapses
// into a user-safe result payload.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kilobco/sb-voice-gateway/internal/observe"
	"github.com/kilobco/sb-voice-gateway/internal/order"
	"github.com/kilobco/sb-voice-gateway/internal/resilience"
	"github.com/kilobco/sb-voice-gateway/internal/store"
)

// Tool names recognised by the router.
const (
	ToolSearchMenu             = "searchMenu"
	ToolManageOrder            = "manageOrder"
	ToolCollectCustomerDetails = "collectCustomerDetails"
	ToolCompleteOrder          = "completeOrder"
)

// errorResult is the user-safe payload returned for any invalid or failed
// dispatch. Raw error text never reaches the caller.
func errorResult() map[string]any {
	return map[string]any{"result": "Sorry, there was a brief error. Please try again."}
}

// Config wires a router to its session-owned collaborators.
type Config struct {
	Cart         *order.Cart
	Gateway      store.Gateway
	RestaurantID string
	CallID       string

	// Retry wraps the order persistence pipeline. Zero value means the
	// default three attempts, one second apart.
	Retry resilience.Policy

	// Metrics may be nil in tests.
	Metrics *observe.Metrics
}

// Router executes tool calls for exactly one session. The session calls it
// from its tool-batch worker goroutine, not from the session loop; it holds
// no locks.
type Router struct {
	cfg Config

	// Customer details stashed by collectCustomerDetails, used as a fallback
	// when completeOrder arrives without them.
	custName  string
	custPhone string
}

// New creates a router for one session.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Dispatch executes one tool call and returns its response payload. Unknown
// tools and invalid arguments produce the user-safe error payload; Dispatch
// never returns an error.
func (r *Router) Dispatch(ctx context.Context, name string, args map[string]any) map[string]any {
	started := time.Now()
	result, status := r.dispatch(ctx, name, args)

	if m := r.cfg.Metrics; m != nil {
		attrs := metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("status", status),
		)
		m.ToolCalls.Add(ctx, 1, attrs)
		m.ToolExecutionDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
	}
	return result
}

func (r *Router) dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, string) {
	switch name {
	case ToolSearchMenu:
		return r.searchMenu(args)
	case ToolManageOrder:
		return r.manageOrder(args)
	case ToolCollectCustomerDetails:
		return r.collectCustomerDetails(args)
	case ToolCompleteOrder:
		return r.completeOrder(ctx, args)
	default:
		slog.Warn("tool router: unknown tool", "tool", name)
		return errorResult(), "unknown"
	}
}

// ── searchMenu ────────────────────────────────────────────────────────────────

func (r *Router) searchMenu(args map[string]any) (map[string]any, string) {
	v := newValidator(ToolSearchMenu, args, "query")
	query := v.requiredString("query")
	if !v.ok() {
		return errorResult(), "invalid"
	}

	name, price, found := findMenuItem(query)
	if !found {
		return map[string]any{"result": fmt.Sprintf("No menu item matched %q.", query)}, "not_found"
	}
	return map[string]any{"itemName": name, "price": price}, "ok"
}

// findMenuItem resolves a free-form query against the price map: exact match
// first, then case-insensitive, then closest Levenshtein distance within a
// small edit budget so "masala dosa" and "masala dossa" both land.
func findMenuItem(query string) (string, float64, bool) {
	if price, ok := order.LookupPrice(query); ok {
		return query, price, true
	}

	lowered := strings.ToLower(strings.TrimSpace(query))
	bestName := ""
	bestDist := 4 // max edits considered a plausible restatement
	for name := range order.PriceMap {
		candidate := strings.ToLower(name)
		if candidate == lowered {
			return name, order.PriceMap[name], true
		}
		if d := matchr.Levenshtein(lowered, candidate); d < bestDist {
			bestDist = d
			bestName = name
		}
	}
	if bestName == "" {
		return "", 0, false
	}
	return bestName, order.PriceMap[bestName], true
}

// ── manageOrder ───────────────────────────────────────────────────────────────

func (r *Router) manageOrder(args map[string]any) (map[string]any, string) {
	v := newValidator(ToolManageOrder, args, "action", "itemName", "quantity", "price", "notes")
	action := v.requiredString("action")
	itemName := v.requiredString("itemName")
	if !v.ok() {
		return errorResult(), "invalid"
	}

	switch action {
	case "add":
		quantity := v.requiredInt("quantity")
		price := v.requiredNumber("price")
		notes := v.optionalString("notes")
		if !v.ok() || quantity < 1 || price < 0 {
			slog.Warn("tool router: rejecting manageOrder add", "item", itemName, "quantity", quantity, "price", price)
			return errorResult(), "invalid"
		}
		r.cfg.Cart.Add(itemName, quantity, price, notes)
	case "remove":
		r.cfg.Cart.Remove(itemName)
	default:
		slog.Warn("tool router: unknown manageOrder action", "action", action)
		return errorResult(), "invalid"
	}

	slog.Info("cart updated",
		"call_id", r.cfg.CallID,
		"action", action,
		"item", itemName,
		"items", r.cfg.Cart.ItemCount(),
		"subtotal", r.cfg.Cart.Subtotal(),
	)
	return map[string]any{"result": "Cart updated successfully."}, "ok"
}

// ── collectCustomerDetails ────────────────────────────────────────────────────

func (r *Router) collectCustomerDetails(args map[string]any) (map[string]any, string) {
	v := newValidator(ToolCollectCustomerDetails, args, "customerName", "phoneNumber")
	name := v.requiredString("customerName")
	phone := v.requiredString("phoneNumber")
	if !v.ok() {
		return errorResult(), "invalid"
	}

	r.custName = name
	r.custPhone = phone
	return map[string]any{"result": "Customer details saved."}, "ok"
}

// ── completeOrder ─────────────────────────────────────────────────────────────

func (r *Router) completeOrder(ctx context.Context, args map[string]any) (map[string]any, string) {
	v := newValidator(ToolCompleteOrder, args, "customerName", "phoneNumber")
	name := v.optionalString("customerName")
	phone := v.optionalString("phoneNumber")
	if name == "" {
		name = r.custName
	}
	if phone == "" {
		phone = r.custPhone
	}
	if !v.ok() || name == "" || phone == "" {
		slog.Warn("tool router: completeOrder missing customer identity", "call_id", r.cfg.CallID)
		return errorResult(), "invalid"
	}

	if r.cfg.Cart.ItemCount() == 0 {
		return map[string]any{"result": "Error: cart is empty", "orderId": nil}, "empty_cart"
	}

	// Snapshot the cart up front: the persisted line items are the cart as it
	// stood when completion began, even if retries stretch out.
	items := r.cfg.Cart.Items()
	subtotal := r.cfg.Cart.Subtotal()
	total := order.Total(subtotal)

	started := time.Now()
	orderID, err := r.persistOrder(ctx, name, phone, items, total)
	if m := r.cfg.Metrics; m != nil {
		m.OrderPipelineDuration.Record(ctx, time.Since(started).Seconds())
	}
	if err != nil {
		slog.Error("order persistence exhausted retries",
			"call_id", r.cfg.CallID,
			"customer_phone", phone,
			"err", err,
		)
		if m := r.cfg.Metrics; m != nil {
			m.OrdersFailed.Add(ctx, 1)
		}
		// The cart stays resident so a human callback can recover the order.
		return map[string]any{
			"result":  "I'm so sorry, I couldn't save your order just now. A team member will call you right back to confirm it.",
			"orderId": nil,
		}, "failed"
	}

	orderNumber := FormatOrderNumber(orderID)
	r.cfg.Cart.Clear()
	if m := r.cfg.Metrics; m != nil {
		m.OrdersCompleted.Add(ctx, 1)
	}

	slog.Info("order persisted",
		"call_id", r.cfg.CallID,
		"order_id", orderID,
		"order_number", orderNumber,
		"total", total,
	)
	return map[string]any{
		"result": fmt.Sprintf(
			"Order confirmed. The order number is %s and the total with tax is $%.2f.",
			orderNumber, total,
		),
		"orderId":     orderID,
		"orderNumber": orderNumber,
		"total":       total,
	}, "ok"
}

// persistOrder runs one customer-order-items write sequence under the retry
// policy. Every step failure is retried; only a fully successful attempt
// returns the order id.
func (r *Router) persistOrder(ctx context.Context, name, phone string, items []order.Item, total float64) (string, error) {
	var orderID string

	err := r.cfg.Retry.Do(ctx, "persist order", func(ctx context.Context) error {
		customerID, err := r.cfg.Gateway.UpsertCustomer(ctx, phone, name)
		if err != nil {
			return err
		}

		id, err := r.cfg.Gateway.InsertOrder(ctx, store.Order{
			RestaurantID: r.cfg.RestaurantID,
			CustomerID:   customerID,
			CallID:       r.cfg.CallID,
			Status:       store.OrderStatusConfirmed,
			TotalAmount:  total,
		})
		if err != nil {
			return err
		}

		rows := make([]store.OrderItem, len(items))
		for i, it := range items {
			custom := map[string]string{}
			if it.Notes != "" {
				custom["notes"] = it.Notes
			}
			rows[i] = store.OrderItem{
				ItemName:       it.Name,
				Quantity:       it.Quantity,
				UnitPrice:      it.UnitPrice,
				Customizations: custom,
			}
		}
		if err := r.cfg.Gateway.InsertOrderItems(ctx, id, rows); err != nil {
			return err
		}

		orderID = id.String()
		return nil
	})
	return orderID, err
}

// FormatOrderNumber derives the human-readable order number spoken back to
// the caller from a persisted order id.
func FormatOrderNumber(orderID string) string {
	hex := strings.ToUpper(strings.ReplaceAll(orderID, "-", ""))
	if len(hex) > 6 {
		hex = hex[:6]
	}
	return "SB-IRV-" + hex
}
