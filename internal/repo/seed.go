package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/rules"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

// Seed upserts a fixture into Postgres. Rates, tiers and usages of the
// seeded records are replaced, so seeding twice leaves the same state. Run
// it inside a transaction.
func Seed(ctx context.Context, db Querier, f Fixture) error {
	for _, g := range f.Groups {
		if _, err := db.Exec(ctx, `INSERT INTO customer_groups (id, code, tax_exempt) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, tax_exempt = EXCLUDED.tax_exempt`, g.ID, g.Code, g.TaxExempt); err != nil {
			return fmt.Errorf("seed group %d: %w", g.ID, err)
		}
	}
	for _, c := range f.TaxClasses {
		if err := seedTaxClass(ctx, db, c); err != nil {
			return err
		}
	}
	for _, p := range f.Products {
		if err := seedProduct(ctx, db, p); err != nil {
			return err
		}
	}
	ruleIDs := make([]int64, 0, len(f.Rules))
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if err := seedRule(ctx, db, r); err != nil {
			return err
		}
		ruleIDs = append(ruleIDs, r.ID)
	}
	return seedUsages(ctx, db, f, ruleIDs)
}

func seedTaxClass(ctx context.Context, db Querier, c tax.Class) error {
	if _, err := db.Exec(ctx, `INSERT INTO tax_classes (id, code, name) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name`, c.ID, c.Code, c.Name); err != nil {
		return fmt.Errorf("seed tax class %d: %w", c.ID, err)
	}
	if _, err := db.Exec(ctx, `DELETE FROM tax_rates WHERE tax_class_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clear tax rates of class %d: %w", c.ID, err)
	}
	for i, row := range c.Rates {
		if _, err := db.Exec(ctx, `INSERT INTO tax_rates (tax_class_id, position, country, state, zip, city, rate, priority, compound, name)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)`,
			c.ID, i, wildcard(row.Country), wildcard(row.State), wildcard(row.Zip), wildcard(row.City),
			row.Rate.String(), row.Priority, row.Compound, row.Name); err != nil {
			return fmt.Errorf("seed tax rate %d of class %d: %w", i, c.ID, err)
		}
	}
	return nil
}

func seedProduct(ctx context.Context, db Querier, p catalog.Product) error {
	attrs, err := attributesJSON(p.Attributes)
	if err != nil {
		return fmt.Errorf("product %d attributes: %w", p.ID, err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO products (id, sku, name, tax_class_id, base_price, attributes)
VALUES ($1, $2, $3, $4, $5::numeric, $6)
ON CONFLICT (id) DO UPDATE SET sku = EXCLUDED.sku, name = EXCLUDED.name, tax_class_id = EXCLUDED.tax_class_id,
    base_price = EXCLUDED.base_price, attributes = EXCLUDED.attributes`,
		p.ID, p.SKU, p.Name, p.TaxClassID, p.BasePrice.String(), attrs); err != nil {
		return fmt.Errorf("seed product %d: %w", p.ID, err)
	}
	if _, err := db.Exec(ctx, `DELETE FROM tier_prices WHERE product_id = $1`, p.ID); err != nil {
		return fmt.Errorf("clear tiers of product %d: %w", p.ID, err)
	}
	if err := seedTiers(ctx, db, p.ID, 0, p.Tiers); err != nil {
		return err
	}
	for _, v := range p.Variants {
		attrs, err := attributesJSON(v.Attributes)
		if err != nil {
			return fmt.Errorf("variant %d attributes: %w", v.ID, err)
		}
		if _, err := db.Exec(ctx, `INSERT INTO product_variants (id, product_id, sku, base_price, attributes)
VALUES ($1, $2, $3, $4::numeric, $5)
ON CONFLICT (id) DO UPDATE SET product_id = EXCLUDED.product_id, sku = EXCLUDED.sku,
    base_price = EXCLUDED.base_price, attributes = EXCLUDED.attributes`,
			v.ID, p.ID, v.SKU, v.BasePrice.String(), attrs); err != nil {
			return fmt.Errorf("seed variant %d: %w", v.ID, err)
		}
		if err := seedTiers(ctx, db, p.ID, v.ID, v.Tiers); err != nil {
			return err
		}
	}
	return nil
}

func seedTiers(ctx context.Context, db Querier, productID, variantID int64, tiers map[int64]catalog.Tiers) error {
	for group, table := range tiers {
		for _, qty := range table.Quantities() {
			if _, err := db.Exec(ctx, `INSERT INTO tier_prices (product_id, variant_id, customer_group_id, quantity, price)
VALUES ($1, $2, $3, $4, $5::numeric)`, productID, variantID, group, qty, table[qty].String()); err != nil {
				return fmt.Errorf("seed tier %d/%d group %d qty %d: %w", productID, variantID, group, qty, err)
			}
		}
	}
	return nil
}

func seedRule(ctx context.Context, db Querier, r rules.Rule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("rule %d condition: %w", r.ID, err)
	}
	action, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("rule %d action: %w", r.ID, err)
	}
	groups := r.CustomerGroupIDs
	if groups == nil {
		groups = []int64{}
	}
	options := r.FreeShippingOptions
	if options == nil {
		options = []string{}
	}
	var code *string
	if c := strings.TrimSpace(r.CouponCode); c != "" {
		code = &c
	}
	if _, err := db.Exec(ctx, `INSERT INTO price_rules (id, kind, name, active, sort_order, date_start, date_end, terminating,
    customer_group_ids, condition, action, coupon_id, coupon_code, max_coupon_uses, max_customer_uses, free_shipping_options)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, name = EXCLUDED.name, active = EXCLUDED.active,
    sort_order = EXCLUDED.sort_order, date_start = EXCLUDED.date_start, date_end = EXCLUDED.date_end,
    terminating = EXCLUDED.terminating, customer_group_ids = EXCLUDED.customer_group_ids,
    condition = EXCLUDED.condition, action = EXCLUDED.action, coupon_id = EXCLUDED.coupon_id,
    coupon_code = EXCLUDED.coupon_code, max_coupon_uses = EXCLUDED.max_coupon_uses,
    max_customer_uses = EXCLUDED.max_customer_uses, free_shipping_options = EXCLUDED.free_shipping_options`,
		r.ID, string(r.Kind), r.Name, r.Active, r.SortOrder, r.DateStart, r.DateEnd, r.Terminating,
		groups, cond, action, r.CouponID, code, r.MaxCouponUses, r.MaxCustomerUses, options); err != nil {
		return fmt.Errorf("seed rule %d: %w", r.ID, err)
	}
	return nil
}

// seedUsages replays fixture usage counts as rule_usages rows. Coupon uses
// are attributed to the first rule carrying the code.
func seedUsages(ctx context.Context, db Querier, f Fixture, ruleIDs []int64) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	if _, err := db.Exec(ctx, `DELETE FROM rule_usages WHERE rule_id = ANY($1)`, ruleIDs); err != nil {
		return fmt.Errorf("clear rule usages: %w", err)
	}
	sorted := append([]rules.Rule(nil), f.Rules...)
	rules.Sort(sorted)
	for code, count := range f.CouponUses {
		var owner int64
		for _, r := range sorted {
			if r.HasCoupon() && r.MatchesCoupon(code) {
				owner = r.ID
				break
			}
		}
		if owner == 0 {
			return fmt.Errorf("coupon uses of %q: no rule carries the code", code)
		}
		for i := 0; i < count; i++ {
			if _, err := db.Exec(ctx, `INSERT INTO rule_usages (rule_id, coupon_code) VALUES ($1, $2)`, owner, couponKey(code)); err != nil {
				return fmt.Errorf("seed coupon use %q: %w", code, err)
			}
		}
	}
	for _, u := range f.CustomerUses {
		for i := 0; i < u.Count; i++ {
			if _, err := db.Exec(ctx, `INSERT INTO rule_usages (rule_id, customer_id) VALUES ($1, $2)`, u.RuleID, u.CustomerID); err != nil {
				return fmt.Errorf("seed customer use %d/%d: %w", u.CustomerID, u.RuleID, err)
			}
		}
	}
	return nil
}

func attributesJSON(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func wildcard(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "*"
	}
	return s
}
