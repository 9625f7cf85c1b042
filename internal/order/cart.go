// Package order holds the session-local cart, the restaurant's authoritative
// price map, and the order total arithmetic.
package order

import (
	"log/slog"
	"math"
)

// TaxRate is the sales tax applied to the cart subtotal at completion.
const TaxRate = 0.0825

// Item is one cart line. UnitPrice is authoritative: it comes from the
// PriceMap whenever the name is known there.
type Item struct {
	Name      string
	Quantity  int
	UnitPrice float64
	Notes     string
}

// Cart is the per-call order state. It is deliberately unsynchronised and
// must only be used by one goroutine at a time; in a call session that is the
// tool-batch worker that runs the session's tool router, not the session loop.
type Cart struct {
	items []Item
}

// NewCart returns an empty cart.
func NewCart() *Cart {
	return &Cart{}
}

// Add inserts or updates an item and returns a short confirmation token.
//
// The unit price is taken from the PriceMap when the name is known; otherwise
// the model-supplied price is used and a warning is logged, since a free-form
// agent cannot be trusted with prices. A second Add with the same name
// replaces quantity and price, and replaces notes only when the new notes are
// non-empty — callers restate quantities ("make that three") far more often
// than they clear customizations.
func (c *Cart) Add(name string, quantity int, modelPrice float64, notes string) string {
	price, ok := LookupPrice(name)
	if !ok {
		price = modelPrice
		slog.Warn("price_map_miss: using model-supplied price",
			"item", name,
			"model_price", modelPrice,
		)
	}

	for i := range c.items {
		if c.items[i].Name == name {
			c.items[i].Quantity = quantity
			c.items[i].UnitPrice = price
			if notes != "" {
				c.items[i].Notes = notes
			}
			return "updated"
		}
	}

	c.items = append(c.items, Item{
		Name:      name,
		Quantity:  quantity,
		UnitPrice: price,
		Notes:     notes,
	})
	return "added"
}

// Remove drops every entry whose name equals name and returns a short
// confirmation token.
func (c *Cart) Remove(name string) string {
	kept := c.items[:0]
	for _, it := range c.items {
		if it.Name != name {
			kept = append(kept, it)
		}
	}
	c.items = kept
	return "removed"
}

// Items returns a copy of the current cart lines.
func (c *Cart) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// ItemCount returns the number of distinct cart lines.
func (c *Cart) ItemCount() int {
	return len(c.items)
}

// Subtotal returns the pre-tax sum of quantity times unit price.
func (c *Cart) Subtotal() float64 {
	var sum float64
	for _, it := range c.items {
		sum += float64(it.Quantity) * it.UnitPrice
	}
	return sum
}

// Clear empties the cart. Called only after an order has been persisted.
func (c *Cart) Clear() {
	c.items = nil
}

// Total applies sales tax to a subtotal and rounds half-away-from-zero at
// the cent.
func Total(subtotal float64) float64 {
	return Round2(subtotal * (1 + TaxRate))
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
