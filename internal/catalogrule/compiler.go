package catalogrule

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/condition"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricemap"
	"github.com/noah-isme/toko-pricing/internal/rules"
)

// Compiler turns catalog rules into compiled price maps. It holds no state
// between calls and never mutates the rules it is given.
type Compiler struct {
	ext    rules.Extensions
	logger zerolog.Logger
}

// NewCompiler constructs a compiler. ext may be nil when no extension actions
// are registered.
func NewCompiler(ext rules.Extensions, logger zerolog.Logger) *Compiler {
	return &Compiler{ext: ext, logger: logger}
}

// tierSource yields the base tiers of one record for a group.
type tierSource func(group int64) catalog.Tiers

// Compile builds the price map of product and one map per variant. Rules of
// the wrong kind or flagged inactive are ignored.
func (c *Compiler) Compile(ctx context.Context, product catalog.Product, groups []catalog.Group, active []rules.Rule) (pricemap.Map, []pricemap.Map, error) {
	if err := ctx.Err(); err != nil {
		return pricemap.Map{}, nil, err
	}
	ordered := applicable(active)
	groupIDs := sortedGroupIDs(groups)

	base := c.compileRecord(product.ID, 0, productFields(product, nil), product.TiersFor, groupIDs, ordered)

	variants := make([]pricemap.Map, 0, len(product.Variants))
	for _, v := range product.Variants {
		if err := ctx.Err(); err != nil {
			return pricemap.Map{}, nil, err
		}
		variant := v
		tiers := func(group int64) catalog.Tiers { return product.VariantTiersFor(variant, group) }
		variants = append(variants, c.compileRecord(product.ID, variant.ID, productFields(product, &variant), tiers, groupIDs, ordered))
	}
	return base, variants, nil
}

// compileRecord runs the rule cascade for one product or variant record. The
// loop is rules, then groups, then tiers. A terminating rule that touched a
// group stops every later rule for that group on this record.
func (c *Compiler) compileRecord(productID, variantID int64, fields condition.Fields, tiers tierSource, groupIDs []int64, ordered []rules.Rule) pricemap.Map {
	out := pricemap.New(productID, variantID)
	current := make(map[int64]catalog.Tiers, len(groupIDs))
	for _, g := range groupIDs {
		if t := tiers(g); len(t) > 0 {
			current[g] = t
		}
	}
	terminated := make(map[int64]bool, len(groupIDs))

	for _, r := range ordered {
		pending, touched, ok := c.applyRule(r, fields, groupIDs, current, terminated, productID, variantID)
		if !ok {
			continue
		}
		for g, t := range pending {
			current[g] = t
			out.Attribute(g, r.ID)
		}
		if r.Terminating {
			for _, g := range touched {
				terminated[g] = true
			}
		}
	}

	for g, t := range current {
		for q, p := range t {
			out.Set(g, q, p)
		}
	}
	return out
}

// applyRule computes the effect of r on every eligible group without
// touching current. A failing action discards the rule's whole effect for
// the record.
func (c *Compiler) applyRule(r rules.Rule, fields condition.Fields, groupIDs []int64, current map[int64]catalog.Tiers, terminated map[int64]bool, productID, variantID int64) (map[int64]catalog.Tiers, []int64, bool) {
	pending := map[int64]catalog.Tiers{}
	var touched []int64
	for _, g := range groupIDs {
		if terminated[g] || !r.AppliesToGroup(g) {
			continue
		}
		t, ok := current[g]
		if !ok {
			continue
		}
		next := t.Clone()
		matched := false
		for _, q := range t.Quantities() {
			price := next[q]
			if !r.Condition.IsTrue(tierFields(fields, g, q, price)) {
				continue
			}
			p, err := r.Action.NewPrice(price, c.ext)
			if err != nil {
				c.logger.Warn().Err(err).
					Int64("rule_id", r.ID).
					Int64("product_id", productID).
					Int64("variant_id", variantID).
					Msg("catalog rule action failed; skipping rule for product")
				obs.IncRuleFailure(string(rules.KindCatalog))
				return nil, nil, false
			}
			next[q] = p
			matched = true
		}
		if matched {
			pending[g] = next
			touched = append(touched, g)
		}
	}
	return pending, touched, true
}

func applicable(list []rules.Rule) []rules.Rule {
	out := make([]rules.Rule, 0, len(list))
	for _, r := range list {
		if !r.Active {
			continue
		}
		if r.Kind != "" && r.Kind != rules.KindCatalog {
			continue
		}
		out = append(out, r)
	}
	rules.Sort(out)
	return out
}

func sortedGroupIDs(groups []catalog.Group) []int64 {
	seen := make(map[int64]struct{}, len(groups))
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		if _, ok := seen[g.ID]; ok {
			continue
		}
		seen[g.ID] = struct{}{}
		ids = append(ids, g.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func productFields(p catalog.Product, v *catalog.Variant) condition.Fields {
	attrs := make(map[string]any, len(p.Attributes))
	for k, val := range p.Attributes {
		attrs[k] = val
	}
	product := map[string]any{
		"id":           p.ID,
		"sku":          p.SKU,
		"name":         p.Name,
		"tax_class_id": p.TaxClassID,
		"base_price":   p.BasePrice,
		"attributes":   attrs,
	}
	if v != nil {
		for k, val := range v.Attributes {
			attrs[k] = val
		}
		product["variant_id"] = v.ID
		if v.SKU != "" {
			product["sku"] = v.SKU
		}
	}
	return condition.Fields{"product": product}
}

func tierFields(base condition.Fields, group int64, qty int, price decimal.Decimal) condition.Fields {
	out := make(condition.Fields, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	out["customer_group"] = group
	out["quantity"] = qty
	out["price"] = price
	return out
}
