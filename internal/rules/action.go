package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// ActionKind enumerates the supported rule effects.
type ActionKind string

const (
	ActionFixedDiscount   ActionKind = "fixed_discount"
	ActionPercentDiscount ActionKind = "percent_discount"
	ActionFixedPrice      ActionKind = "fixed_price"
	ActionFreeShipping    ActionKind = "free_shipping"
	ActionShippingOption  ActionKind = "shipping_option"
	ActionExtension       ActionKind = "extension"
)

// Target selects what a fixed or percentage discount reduces.
type Target string

const (
	TargetItems    Target = "items"
	TargetShipping Target = "shipping"
)

var (
	// ErrUnknownAction is returned for action kinds or extensions nobody handles.
	ErrUnknownAction = errors.New("rules: unknown action")
	// ErrInvalidAction is returned for misconfigured actions.
	ErrInvalidAction = errors.New("rules: invalid action")
)

// Action is the effect of a matching rule. Value holds the fixed amount, the
// percentage, or the override price depending on Kind.
type Action struct {
	Kind           ActionKind      `json:"kind"`
	Value          decimal.Decimal `json:"value"`
	Target         Target          `json:"target,omitempty"`
	SKUs           []string        `json:"skus,omitempty"`
	ShippingOption string          `json:"shipping_option,omitempty"`
	Extension      string          `json:"extension,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
}

// Extensions dispatches host-specific actions by identifier.
type Extensions interface {
	CatalogPrice(name string, params map[string]any, price decimal.Decimal) (decimal.Decimal, error)
	CartEffect(name string, params map[string]any, state CartState) (CartEffect, error)
}

// Validate reports configuration problems detectable without a context.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionFixedDiscount, ActionPercentDiscount:
	case ActionFixedPrice:
		if a.Value.IsNegative() {
			return fmt.Errorf("%w: fixed price must not be negative", ErrInvalidAction)
		}
	case ActionFreeShipping:
	case ActionShippingOption:
		if strings.TrimSpace(a.ShippingOption) == "" {
			return fmt.Errorf("%w: shipping option is required", ErrInvalidAction)
		}
	case ActionExtension:
		if strings.TrimSpace(a.Extension) == "" {
			return fmt.Errorf("%w: extension name is required", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
	switch a.Target {
	case "", TargetItems, TargetShipping:
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidAction, a.Target)
	}
	return nil
}

// NewPrice applies a catalog action to price. Shipping actions leave the
// price untouched. The result is rounded to money precision and never negative.
func (a Action) NewPrice(price decimal.Decimal, ext Extensions) (decimal.Decimal, error) {
	var next decimal.Decimal
	switch a.Kind {
	case ActionFixedDiscount:
		if a.Target == TargetShipping {
			return price, nil
		}
		next = price.Sub(a.Value)
	case ActionPercentDiscount:
		if a.Target == TargetShipping {
			return price, nil
		}
		next = price.Sub(pricing.Percent(price, a.Value))
	case ActionFixedPrice:
		if a.Value.IsNegative() {
			return price, fmt.Errorf("%w: fixed price must not be negative", ErrInvalidAction)
		}
		next = a.Value
	case ActionFreeShipping, ActionShippingOption:
		return price, nil
	case ActionExtension:
		if ext == nil {
			return price, fmt.Errorf("%w: extension %q", ErrUnknownAction, a.Extension)
		}
		p, err := ext.CatalogPrice(a.Extension, a.Params, price)
		if err != nil {
			return price, err
		}
		next = p
	default:
		return price, fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
	return pricing.Round(pricing.Floor(next)), nil
}
