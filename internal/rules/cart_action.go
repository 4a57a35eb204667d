package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// divScale bounds the precision of per-unit allocations.
const divScale = 10

// CartLine is one cart item as seen by a cart action. Discount is the per-unit
// discount already allocated by earlier rules.
type CartLine struct {
	Key       string
	SKU       string
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

// Current is the per-unit price after earlier discounts.
func (l CartLine) Current() decimal.Decimal {
	return l.UnitPrice.Sub(l.Discount)
}

func (l CartLine) qty() decimal.Decimal {
	return decimal.NewFromInt(int64(l.Quantity))
}

// CartState is the running cart handed to a cart action.
type CartState struct {
	Lines        []CartLine
	ShippingCost decimal.Decimal
}

// CartEffect is what a cart action asks for. ItemDiscounts are per unit.
type CartEffect struct {
	ItemDiscounts     map[string]decimal.Decimal
	Amount            decimal.Decimal
	ShippingDiscount  bool
	FreeShipping      bool
	AddShippingOption string
}

// Applied reports whether the effect changes anything.
func (e CartEffect) Applied() bool {
	return !e.Amount.IsZero() || e.FreeShipping || e.AddShippingOption != ""
}

// Cart evaluates a cart-level action against the running state.
func (a Action) Cart(state CartState, ext Extensions) (CartEffect, error) {
	switch a.Kind {
	case ActionFixedDiscount, ActionPercentDiscount:
		if a.Target == TargetShipping {
			return a.shippingEffect(state), nil
		}
		if a.Kind == ActionFixedDiscount {
			return a.allocateFixed(state), nil
		}
		return a.perUnit(state, func(l CartLine) decimal.Decimal {
			return pricing.Percent(l.Current(), a.Value)
		}), nil
	case ActionFixedPrice:
		if a.Value.IsNegative() {
			return CartEffect{}, fmt.Errorf("%w: fixed price must not be negative", ErrInvalidAction)
		}
		return a.perUnit(state, func(l CartLine) decimal.Decimal {
			return l.Current().Sub(a.Value)
		}), nil
	case ActionFreeShipping:
		return CartEffect{FreeShipping: true}, nil
	case ActionShippingOption:
		option := strings.TrimSpace(a.ShippingOption)
		if option == "" {
			return CartEffect{}, fmt.Errorf("%w: shipping option is required", ErrInvalidAction)
		}
		return CartEffect{AddShippingOption: option}, nil
	case ActionExtension:
		if ext == nil {
			return CartEffect{}, fmt.Errorf("%w: extension %q", ErrUnknownAction, a.Extension)
		}
		return ext.CartEffect(a.Extension, a.Params, state)
	default:
		return CartEffect{}, fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
}

func (a Action) eligible(l CartLine) bool {
	if l.Quantity <= 0 {
		return false
	}
	if len(a.SKUs) == 0 {
		return true
	}
	for _, sku := range a.SKUs {
		if strings.EqualFold(strings.TrimSpace(sku), strings.TrimSpace(l.SKU)) {
			return true
		}
	}
	return false
}

func (a Action) perUnit(state CartState, discount func(CartLine) decimal.Decimal) CartEffect {
	eff := CartEffect{ItemDiscounts: map[string]decimal.Decimal{}}
	total := decimal.Zero
	for _, l := range state.Lines {
		if !a.eligible(l) {
			continue
		}
		d := discount(l)
		eff.ItemDiscounts[l.Key] = d
		total = total.Add(d.Mul(l.qty()))
	}
	eff.Amount = total
	return eff
}

// allocateFixed spreads a fixed amount over eligible lines in proportion to
// their current line totals. Positive amounts are capped at the eligible base.
func (a Action) allocateFixed(state CartState) CartEffect {
	eff := CartEffect{ItemDiscounts: map[string]decimal.Decimal{}}
	base := decimal.Zero
	for _, l := range state.Lines {
		if a.eligible(l) {
			base = base.Add(pricing.Floor(l.Current()).Mul(l.qty()))
		}
	}
	if !base.IsPositive() {
		return eff
	}
	amount := a.Value
	if amount.GreaterThan(base) {
		amount = base
	}
	total := decimal.Zero
	for _, l := range state.Lines {
		if !a.eligible(l) {
			continue
		}
		line := pricing.Floor(l.Current()).Mul(l.qty())
		share := amount.Mul(line).DivRound(base, divScale)
		unit := share.DivRound(l.qty(), divScale)
		eff.ItemDiscounts[l.Key] = unit
		total = total.Add(unit.Mul(l.qty()))
	}
	eff.Amount = total
	return eff
}

func (a Action) shippingEffect(state CartState) CartEffect {
	amount := a.Value
	if a.Kind == ActionPercentDiscount {
		amount = pricing.Percent(state.ShippingCost, a.Value)
	} else if state.ShippingCost.IsPositive() && amount.GreaterThan(state.ShippingCost) {
		amount = state.ShippingCost
	}
	return CartEffect{Amount: pricing.Round(amount), ShippingDiscount: true}
}
