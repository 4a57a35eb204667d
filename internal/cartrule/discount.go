package cartrule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/condition"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/rules"
)

// Item is one cart line. UnitPrice already includes compiled catalog
// discounts. UnitPriceInclTax is optional and only used to derive the
// tax-inclusive discount.
type Item struct {
	Key              string          `json:"key"`
	SKU              string          `json:"sku"`
	ProductID        int64           `json:"product_id"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	UnitPriceInclTax decimal.Decimal `json:"unit_price_incl_tax"`
	Attributes       map[string]any  `json:"attributes,omitempty"`
}

// Input is everything a cart evaluation looks at. A zero Subtotal is
// computed from the items.
type Input struct {
	PaymentMethod   string
	ShippingMethod  string
	ShippingCost    decimal.Decimal
	Items           []Item
	ShippingAddress *pricing.Address
	CouponCode      string
	Customer        Customer
	Subtotal        decimal.Decimal
}

// DiscountResult is the outcome of one evaluation. Item discounts are per
// unit and never negative.
type DiscountResult struct {
	CartDiscount        decimal.Decimal `json:"cart_discount"`
	CartDiscountInclTax decimal.Decimal `json:"cart_discount_incl_tax"`
	ShippingDiscount    decimal.Decimal `json:"shipping_discount"`
	FreeShipping        bool            `json:"free_shipping"`
	FreeShippingOptions []string        `json:"free_shipping_options"`
	// FreeShippingMethods holds the options of the rules that granted free
	// shipping. FreeShippingAnyMethod is set when one of them named none.
	FreeShippingMethods   []string                   `json:"free_shipping_methods"`
	FreeShippingAnyMethod bool                       `json:"free_shipping_any_method"`
	AddShippingOptions    []string                   `json:"add_shipping_options"`
	ActiveRules           []int64                    `json:"active_rules"`
	AppliedRules          []int64                    `json:"applied_rules"`
	ItemDiscounts         map[string]decimal.Decimal `json:"item_discounts"`
	ItemDiscountsInclTax  map[string]decimal.Decimal `json:"item_discounts_incl_tax"`
}

// ItemDiscount returns the per-unit discount of key.
func (r DiscountResult) ItemDiscount(key string) decimal.Decimal {
	return r.ItemDiscounts[key]
}

// EvaluateDiscount runs the active cart rules over in. Later rules see the
// subtotal and discount left by earlier ones. Shipping discounts never feed
// back into those running values.
func (s *Session) EvaluateDiscount(ctx context.Context, in Input) (DiscountResult, error) {
	active, err := s.ActiveRules(ctx, in.CouponCode, in.Customer)
	if err != nil {
		return DiscountResult{}, err
	}

	lines := make([]rules.CartLine, 0, len(in.Items))
	index := make(map[string]int, len(in.Items))
	for i, it := range in.Items {
		key := lineKey(it, i, index)
		index[key] = i
		lines = append(lines, rules.CartLine{Key: key, SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	subtotal := in.Subtotal
	if subtotal.IsZero() {
		for _, l := range lines {
			if l.Quantity > 0 {
				subtotal = subtotal.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
			}
		}
	}
	running := decimal.Zero
	result := DiscountResult{
		ShippingDiscount: decimal.Zero,
		ActiveRules:      []int64{},
		AppliedRules:     []int64{},
	}
	freeOptions := map[string]struct{}{}
	freeMethods := map[string]struct{}{}
	addOptions := map[string]struct{}{}
	base := baseFields(in, s.groupOf(in.Customer))

	for _, r := range active {
		fields := cartFields(base, lines, subtotal, running)
		if !r.Condition.IsTrue(fields) {
			continue
		}
		remainingShipping := pricing.Floor(in.ShippingCost.Sub(result.ShippingDiscount))
		eff, err := r.Action.Cart(rules.CartState{Lines: lines, ShippingCost: remainingShipping}, s.e.ext)
		if err != nil {
			s.e.logger.Warn().Err(err).Int64("rule_id", r.ID).Msg("cart rule action failed; treating as no match")
			obs.IncRuleFailure(string(rules.KindCart))
			continue
		}

		if eff.ShippingDiscount {
			result.ShippingDiscount = result.ShippingDiscount.Add(eff.Amount)
		} else {
			for key, d := range eff.ItemDiscounts {
				if i, ok := index[key]; ok {
					lines[i].Discount = lines[i].Discount.Add(d)
				}
			}
			subtotal = subtotal.Sub(eff.Amount)
			running = running.Add(eff.Amount)
		}

		result.ActiveRules = append(result.ActiveRules, r.ID)
		if eff.Applied() {
			result.AppliedRules = append(result.AppliedRules, r.ID)
		}
		scoped := false
		for _, opt := range r.FreeShippingOptions {
			if opt = strings.TrimSpace(opt); opt != "" {
				freeOptions[opt] = struct{}{}
				if eff.FreeShipping {
					freeMethods[opt] = struct{}{}
					scoped = true
				}
			}
		}
		if eff.FreeShipping {
			result.FreeShipping = true
			if !scoped {
				result.FreeShippingAnyMethod = true
			}
		}
		if eff.AddShippingOption != "" {
			addOptions[eff.AddShippingOption] = struct{}{}
		}
		if r.Terminating && eff.Amount.IsPositive() {
			break
		}
	}

	result.ItemDiscounts = make(map[string]decimal.Decimal, len(lines))
	result.ItemDiscountsInclTax = make(map[string]decimal.Decimal, len(lines))
	total, totalInclTax := decimal.Zero, decimal.Zero
	for i, l := range lines {
		d := pricing.Floor(l.Discount)
		dIncl := inclTax(d, in.Items[i])
		result.ItemDiscounts[l.Key] = d
		result.ItemDiscountsInclTax[l.Key] = dIncl
		if l.Quantity > 0 {
			qty := decimal.NewFromInt(int64(l.Quantity))
			total = total.Add(d.Mul(qty))
			totalInclTax = totalInclTax.Add(dIncl.Mul(qty))
		}
	}
	result.CartDiscount = pricing.Round(total)
	result.CartDiscountInclTax = pricing.Round(totalInclTax)
	result.ShippingDiscount = pricing.Round(result.ShippingDiscount)
	result.FreeShippingOptions = sortedSet(freeOptions)
	result.FreeShippingMethods = sortedSet(freeMethods)
	result.AddShippingOptions = sortedSet(addOptions)

	if obs.DiscountEvaluationsTotal != nil {
		outcome := "none"
		if len(result.AppliedRules) > 0 {
			outcome = "applied"
		}
		obs.DiscountEvaluationsTotal.WithLabelValues(outcome).Inc()
	}
	return result, nil
}

// lineKey returns Key, then SKU, suffixed with the line index when that
// value is empty or already taken by an earlier line.
func lineKey(it Item, i int, taken map[string]int) string {
	key := it.Key
	if key == "" {
		key = it.SKU
	}
	if _, dup := taken[key]; key != "" && !dup {
		return key
	}
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s#%d", key, i)
		if n > 0 {
			candidate = fmt.Sprintf("%s#%d.%d", key, i, n)
		}
		if _, dup := taken[candidate]; !dup {
			return candidate
		}
	}
}

// inclTax scales a per-unit discount by the item's tax-inclusive to
// tax-exclusive price ratio.
func inclTax(d decimal.Decimal, it Item) decimal.Decimal {
	if d.IsZero() || !it.UnitPrice.IsPositive() || !it.UnitPriceInclTax.IsPositive() {
		return d
	}
	return d.Mul(it.UnitPriceInclTax).DivRound(it.UnitPrice, 10)
}

func baseFields(in Input, group int64) condition.Fields {
	f := condition.Fields{
		"payment_method":  in.PaymentMethod,
		"shipping_method": in.ShippingMethod,
		"shipping_cost":   in.ShippingCost,
		"customer":        map[string]any{"id": in.Customer.ID, "group": group},
		"customer_group":  group,
	}
	if code := strings.TrimSpace(in.CouponCode); code != "" {
		f["coupon_code"] = code
	}
	if in.ShippingAddress != nil {
		f["shipping_address"] = in.ShippingAddress.Fields()
	}
	return f
}

func cartFields(base condition.Fields, lines []rules.CartLine, subtotal, discount decimal.Decimal) condition.Fields {
	out := make(condition.Fields, len(base)+5)
	for k, v := range base {
		out[k] = v
	}
	items := make([]any, 0, len(lines))
	skus := make([]any, 0, len(lines))
	count := 0
	for _, l := range lines {
		items = append(items, map[string]any{
			"sku":      l.SKU,
			"quantity": l.Quantity,
			"price":    l.Current(),
		})
		skus = append(skus, l.SKU)
		if l.Quantity > 0 {
			count += l.Quantity
		}
	}
	out["items"] = items
	out["skus"] = skus
	out["item_count"] = count
	out["subtotal"] = subtotal
	out["cart_discount"] = discount
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
