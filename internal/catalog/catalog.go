package catalog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/rules"
)

// ErrProductNotFound is returned when a product id is unknown.
var ErrProductNotFound = errors.New("catalog: product not found")

// Tiers maps a purchase quantity threshold to its unit price.
type Tiers map[int]decimal.Decimal

// Quantities returns the tier thresholds in ascending order.
func (t Tiers) Quantities() []int {
	out := make([]int, 0, len(t))
	for q := range t {
		out = append(out, q)
	}
	sort.Ints(out)
	return out
}

// Clone copies the tier table.
func (t Tiers) Clone() Tiers {
	out := make(Tiers, len(t))
	for q, p := range t {
		out[q] = p
	}
	return out
}

// Product is a catalog record together with its base tier prices per
// customer group.
type Product struct {
	ID         int64           `json:"id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	TaxClassID int64           `json:"tax_class_id"`
	BasePrice  decimal.Decimal `json:"base_price"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	Tiers      map[int64]Tiers `json:"tiers,omitempty"`
	Variants   []Variant       `json:"variants,omitempty"`
}

// Variant is an Option-Matrix record. Tier prices it does not define fall
// back to the parent product's.
type Variant struct {
	ID         int64           `json:"id"`
	SKU        string          `json:"sku"`
	BasePrice  decimal.Decimal `json:"base_price"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	Tiers      map[int64]Tiers `json:"tiers,omitempty"`
}

// TiersFor returns the product's own tiers for group. A group without a tier
// table gets the base price at quantity one, when a base price is set.
func (p Product) TiersFor(group int64) Tiers {
	if t := p.Tiers[group]; len(t) > 0 {
		return t.Clone()
	}
	if p.BasePrice.IsPositive() {
		return Tiers{1: p.BasePrice}
	}
	return nil
}

// VariantTiersFor resolves a variant's tiers for group, substituting the
// variant's own table where present and otherwise the parent's.
func (p Product) VariantTiersFor(v Variant, group int64) Tiers {
	if t := v.Tiers[group]; len(t) > 0 {
		return t.Clone()
	}
	if parent := p.Tiers[group]; len(parent) > 0 {
		return parent.Clone()
	}
	if v.BasePrice.IsPositive() {
		return Tiers{1: v.BasePrice}
	}
	return p.TiersFor(group)
}

// Variant returns the variant with id.
func (p Product) Variant(id int64) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Group is a customer group. Guests belong to a configured group too.
type Group struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	TaxExempt bool   `json:"tax_exempt"`
}

// Repository is the narrow view of the catalog store the pricing engine
// reads from.
type Repository interface {
	FindActiveRules(ctx context.Context, kind rules.Kind, asOf time.Time) ([]rules.Rule, error)
	BaseTierPrices(ctx context.Context, productID, variantID, groupID int64) (Tiers, error)
	CustomerGroups(ctx context.Context) ([]Group, error)
	Product(ctx context.Context, id int64) (Product, error)
	ProductIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}
