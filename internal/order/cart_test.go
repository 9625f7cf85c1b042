package order_test

import (
	"math"
	"testing"

	"github.com/kilobco/sb-voice-gateway/internal/order"
)

func TestAddUsesPriceMapOverModelPrice(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	c.Add("Masala Dosa", 2, 9.99, "")

	items := c.Items()
	if len(items) != 1 {
		t.Fatalf("ItemCount = %d, want 1", len(items))
	}
	if items[0].UnitPrice != 11.49 {
		t.Errorf("UnitPrice = %v, want authoritative 11.49", items[0].UnitPrice)
	}
	if items[0].Quantity != 2 {
		t.Errorf("Quantity = %d, want 2", items[0].Quantity)
	}
}

func TestAddUnknownItemFallsBackToModelPrice(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	token := c.Add("Moon Cheese Dosa", 1, 13.37, "")
	if token != "added" {
		t.Errorf("token = %q, want %q", token, "added")
	}
	if got := c.Items()[0].UnitPrice; got != 13.37 {
		t.Errorf("UnitPrice = %v, want model-supplied 13.37", got)
	}
}

func TestDuplicateAddReplaces(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	c.Add("Plain Dosa", 1, 9.99, "")
	c.Add("Plain Dosa", 3, 9.99, "extra crispy")

	items := c.Items()
	if len(items) != 1 {
		t.Fatalf("ItemCount = %d, want 1", len(items))
	}
	if items[0].Quantity != 3 {
		t.Errorf("Quantity = %d, want 3", items[0].Quantity)
	}
	if items[0].Notes != "extra crispy" {
		t.Errorf("Notes = %q, want %q", items[0].Notes, "extra crispy")
	}
}

func TestDuplicateAddKeepsNotesWhenNewNotesEmpty(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	c.Add("Plain Dosa", 1, 9.99, "no ghee")
	c.Add("Plain Dosa", 2, 9.99, "")

	if got := c.Items()[0].Notes; got != "no ghee" {
		t.Errorf("Notes = %q, want preserved %q", got, "no ghee")
	}
}

func TestRemoveDropsAllMatching(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	c.Add("Idli", 2, 7.99, "")
	c.Add("Medu Vada", 1, 8.49, "")
	token := c.Remove("Idli")

	if token != "removed" {
		t.Errorf("token = %q, want %q", token, "removed")
	}
	if c.ItemCount() != 1 {
		t.Fatalf("ItemCount = %d, want 1", c.ItemCount())
	}
	if c.Items()[0].Name != "Medu Vada" {
		t.Errorf("remaining item = %q, want %q", c.Items()[0].Name, "Medu Vada")
	}
}

func TestSubtotalAndTotal(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	c.Add("Masala Dosa", 1, 0, "")
	c.Add("Mango Lassi", 1, 0, "")

	sub := c.Subtotal()
	if math.Abs(sub-17.98) > 1e-9 {
		t.Errorf("Subtotal = %v, want 17.98", sub)
	}
	// 17.98 * 1.0825 = 19.46335, which rounds to 19.46 at the cent.
	if got := order.Total(sub); got != 19.46 {
		t.Errorf("Total = %v, want 19.46", got)
	}
}

func TestRound2HalfAwayFromZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want float64
	}{
		{0.125, 0.13},
		{-0.125, -0.13},
		{1.006, 1.01},
		{19.4733, 19.47},
	}
	for _, tc := range cases {
		if got := order.Round2(tc.in); got != tc.want {
			t.Errorf("Round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := order.NewCart()
	c.Add("Idli", 1, 0, "")
	c.Clear()
	if c.ItemCount() != 0 {
		t.Errorf("ItemCount after Clear = %d, want 0", c.ItemCount())
	}
	if c.Subtotal() != 0 {
		t.Errorf("Subtotal after Clear = %v, want 0", c.Subtotal())
	}
}
