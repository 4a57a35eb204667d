package pricing

import "github.com/shopspring/decimal"

// Scale is the number of decimal places kept for stored money amounts.
const Scale = 2

// Round rounds an amount to money precision.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Floor clamps d to be non-negative.
func Floor(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Percent returns amount * pct / 100.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(decimal.NewFromInt(100))
}

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice decimal.Decimal
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

// Compute calculates cart totals. discount is the cart discount and
// shippingDiscount reduces shipping; both are capped at what they discount.
func Compute(items []Item, discount, tax, shipping, shippingDiscount decimal.Decimal) Summary {
	subtotal := decimal.Zero
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Qty))))
	}
	discount = Floor(discount)
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	shipping = Floor(shipping)
	shippingDiscount = Floor(shippingDiscount)
	if shippingDiscount.GreaterThan(shipping) {
		shippingDiscount = shipping
	}
	netShipping := shipping.Sub(shippingDiscount)
	total := subtotal.Sub(discount).Add(Floor(tax)).Add(netShipping)
	return Summary{
		Subtotal: Round(subtotal),
		Discount: Round(discount),
		Tax:      Round(Floor(tax)),
		Shipping: Round(netShipping),
		Total:    Round(total),
	}
}
