package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/rules"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

// DefaultShippingClassCode is the reserved tax class code for shipping.
const DefaultShippingClassCode = "shipping"

// ErrUnavailable indicates the database pool is not configured.
var ErrUnavailable = errors.New("repo: database unavailable")

// Querier is the subset of pgxpool.Pool the repositories use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Querier = (*pgxpool.Pool)(nil)

// Postgres serves the catalog, usage and tax reads from PostgreSQL.
type Postgres struct {
	db                Querier
	shippingClassCode string
	loc               *time.Location
}

// PostgresOption customises a Postgres repository.
type PostgresOption func(*Postgres)

// WithShippingClassCode overrides the reserved shipping tax class code.
func WithShippingClassCode(code string) PostgresOption {
	return func(p *Postgres) {
		if code = strings.TrimSpace(code); code != "" {
			p.shippingClassCode = code
		}
	}
}

// WithLocation sets the zone rule date windows are read in.
func WithLocation(loc *time.Location) PostgresOption {
	return func(p *Postgres) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// NewPostgres wraps a pool.
func NewPostgres(db Querier, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, shippingClassCode: DefaultShippingClassCode, loc: time.UTC}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const ruleColumns = `id, kind, name, active, sort_order, date_start, date_end, terminating,
customer_group_ids, condition, action, coupon_id, coupon_code, max_coupon_uses,
max_customer_uses, free_shipping_options`

// FindActiveRules returns active rules of kind whose date window covers asOf,
// sorted by sort order then id.
func (p *Postgres) FindActiveRules(ctx context.Context, kind rules.Kind, asOf time.Time) ([]rules.Rule, error) {
	if p == nil || p.db == nil {
		return nil, ErrUnavailable
	}
	// The SQL window is widened by a day on both ends; ActiveAt applies the
	// exact inclusive bound in the configured zone.
	rows, err := p.db.Query(ctx, `SELECT `+ruleColumns+` FROM price_rules
WHERE kind = $1 AND active
  AND (date_start IS NULL OR date_start <= $2::timestamptz + INTERVAL '1 day')
  AND (date_end IS NULL OR date_end >= $2::timestamptz - INTERVAL '1 day')
ORDER BY sort_order, id`, string(kind), asOf)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	list, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, r := range list {
		if r.ActiveAt(asOf, p.loc) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindCouponRules returns every cart rule carrying code.
func (p *Postgres) FindCouponRules(ctx context.Context, code string) ([]rules.Rule, error) {
	if p == nil || p.db == nil {
		return nil, ErrUnavailable
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, `SELECT `+ruleColumns+` FROM price_rules
WHERE kind = 'cart' AND UPPER(coupon_code) = UPPER($1)
ORDER BY sort_order, id`, code)
	if err != nil {
		return nil, fmt.Errorf("query coupon rules: %w", err)
	}
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]rules.Rule, error) {
	defer rows.Close()
	out := make([]rules.Rule, 0)
	for rows.Next() {
		var (
			r               rules.Rule
			kind            string
			condition       []byte
			action          []byte
			couponCode      *string
			maxCouponUses   *int32
			maxCustomerUses *int32
		)
		if err := rows.Scan(&r.ID, &kind, &r.Name, &r.Active, &r.SortOrder, &r.DateStart, &r.DateEnd, &r.Terminating,
			&r.CustomerGroupIDs, &condition, &action, &r.CouponID, &couponCode, &maxCouponUses,
			&maxCustomerUses, &r.FreeShippingOptions); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Kind = rules.Kind(kind)
		if len(condition) > 0 {
			if err := json.Unmarshal(condition, &r.Condition); err != nil {
				return nil, fmt.Errorf("rule %d condition: %w", r.ID, err)
			}
		}
		if err := json.Unmarshal(action, &r.Action); err != nil {
			return nil, fmt.Errorf("rule %d action: %w", r.ID, err)
		}
		if couponCode != nil {
			r.CouponCode = *couponCode
		}
		r.MaxCouponUses = intPtr(maxCouponUses)
		r.MaxCustomerUses = intPtr(maxCustomerUses)
		out = append(out, r)
	}
	return out, rows.Err()
}

// BaseTierPrices returns the tier table of a product or variant for group.
// Variants fall back to their parent's table.
func (p *Postgres) BaseTierPrices(ctx context.Context, productID, variantID, groupID int64) (catalog.Tiers, error) {
	product, err := p.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if variantID == 0 {
		return product.TiersFor(groupID), nil
	}
	v, ok := product.Variant(variantID)
	if !ok {
		return nil, fmt.Errorf("%w: variant %d of product %d", catalog.ErrProductNotFound, variantID, productID)
	}
	return product.VariantTiersFor(v, groupID), nil
}

// CustomerGroups lists every customer group by id.
func (p *Postgres) CustomerGroups(ctx context.Context) ([]catalog.Group, error) {
	if p == nil || p.db == nil {
		return nil, ErrUnavailable
	}
	rows, err := p.db.Query(ctx, `SELECT id, code, tax_exempt FROM customer_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query customer groups: %w", err)
	}
	defer rows.Close()
	out := make([]catalog.Group, 0)
	for rows.Next() {
		var g catalog.Group
		if err := rows.Scan(&g.ID, &g.Code, &g.TaxExempt); err != nil {
			return nil, fmt.Errorf("scan customer group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Product loads a product with its variants and tier tables.
func (p *Postgres) Product(ctx context.Context, id int64) (catalog.Product, error) {
	if p == nil || p.db == nil {
		return catalog.Product{}, ErrUnavailable
	}
	var (
		product    catalog.Product
		basePrice  string
		attributes []byte
	)
	err := p.db.QueryRow(ctx, `SELECT id, sku, name, tax_class_id, base_price::text, attributes
FROM products WHERE id = $1`, id).Scan(&product.ID, &product.SKU, &product.Name, &product.TaxClassID, &basePrice, &attributes)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Product{}, fmt.Errorf("%w: %d", catalog.ErrProductNotFound, id)
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("query product %d: %w", id, err)
	}
	if product.BasePrice, err = decimal.NewFromString(basePrice); err != nil {
		return catalog.Product{}, fmt.Errorf("product %d base price: %w", id, err)
	}
	if product.Attributes, err = decodeAttributes(attributes); err != nil {
		return catalog.Product{}, fmt.Errorf("product %d attributes: %w", id, err)
	}

	if product.Variants, err = p.variants(ctx, id); err != nil {
		return catalog.Product{}, err
	}
	tiers, err := p.tiers(ctx, id)
	if err != nil {
		return catalog.Product{}, err
	}
	product.Tiers = tiers[0]
	for i := range product.Variants {
		product.Variants[i].Tiers = tiers[product.Variants[i].ID]
	}
	return product, nil
}

func (p *Postgres) variants(ctx context.Context, productID int64) ([]catalog.Variant, error) {
	rows, err := p.db.Query(ctx, `SELECT id, sku, base_price::text, attributes
FROM product_variants WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, fmt.Errorf("query variants of %d: %w", productID, err)
	}
	defer rows.Close()
	var out []catalog.Variant
	for rows.Next() {
		var (
			v          catalog.Variant
			basePrice  string
			attributes []byte
		)
		if err := rows.Scan(&v.ID, &v.SKU, &basePrice, &attributes); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if v.BasePrice, err = decimal.NewFromString(basePrice); err != nil {
			return nil, fmt.Errorf("variant %d base price: %w", v.ID, err)
		}
		if v.Attributes, err = decodeAttributes(attributes); err != nil {
			return nil, fmt.Errorf("variant %d attributes: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// tiers groups the tier rows of a product by variant id, then customer group.
func (p *Postgres) tiers(ctx context.Context, productID int64) (map[int64]map[int64]catalog.Tiers, error) {
	rows, err := p.db.Query(ctx, `SELECT variant_id, customer_group_id, quantity, price::text
FROM tier_prices WHERE product_id = $1`, productID)
	if err != nil {
		return nil, fmt.Errorf("query tier prices of %d: %w", productID, err)
	}
	defer rows.Close()
	out := map[int64]map[int64]catalog.Tiers{}
	for rows.Next() {
		var (
			variantID, groupID int64
			qty                int
			price              string
		)
		if err := rows.Scan(&variantID, &groupID, &qty, &price); err != nil {
			return nil, fmt.Errorf("scan tier price: %w", err)
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("tier price of %d: %w", productID, err)
		}
		byGroup, ok := out[variantID]
		if !ok {
			byGroup = map[int64]catalog.Tiers{}
			out[variantID] = byGroup
		}
		if byGroup[groupID] == nil {
			byGroup[groupID] = catalog.Tiers{}
		}
		byGroup[groupID][qty] = d
	}
	return out, rows.Err()
}

// ProductIDs pages product ids in ascending order after afterID.
func (p *Postgres) ProductIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if p == nil || p.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.Query(ctx, `SELECT id FROM products WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query product ids: %w", err)
	}
	defer rows.Close()
	out := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CouponUseCount counts recorded uses of a coupon code.
func (p *Postgres) CouponUseCount(ctx context.Context, code string) (int, error) {
	if p == nil || p.db == nil {
		return 0, ErrUnavailable
	}
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM rule_usages WHERE UPPER(coupon_code) = UPPER($1)`, strings.TrimSpace(code)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count coupon uses: %w", err)
	}
	return n, nil
}

// CustomerRuleUseCount counts how often customerID benefited from ruleID.
func (p *Postgres) CustomerRuleUseCount(ctx context.Context, customerID, ruleID int64) (int, error) {
	if p == nil || p.db == nil {
		return 0, ErrUnavailable
	}
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM rule_usages WHERE customer_id = $1 AND rule_id = $2`, customerID, ruleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count customer uses: %w", err)
	}
	return n, nil
}

// RecordUse stores one use of a rule by an order. A zero customerID is a
// guest.
func (p *Postgres) RecordUse(ctx context.Context, ruleID int64, couponCode string, customerID int64) error {
	if p == nil || p.db == nil {
		return ErrUnavailable
	}
	var code, customer any
	if c := strings.TrimSpace(couponCode); c != "" {
		code = c
	}
	if customerID != 0 {
		customer = customerID
	}
	_, err := p.db.Exec(ctx, `INSERT INTO rule_usages (rule_id, coupon_code, customer_id) VALUES ($1, $2, $3)`, ruleID, code, customer)
	if err != nil {
		return fmt.Errorf("record rule use: %w", err)
	}
	return nil
}

// TaxClass loads a class with its rate rows in stored order.
func (p *Postgres) TaxClass(ctx context.Context, id int64) (tax.Class, error) {
	return p.taxClass(ctx, `SELECT id, code, name FROM tax_classes WHERE id = $1`, id)
}

// ShippingTaxClass loads the class with the reserved shipping code.
func (p *Postgres) ShippingTaxClass(ctx context.Context) (tax.Class, bool, error) {
	class, err := p.taxClass(ctx, `SELECT id, code, name FROM tax_classes WHERE code = $1`, p.shippingClassCode)
	if errors.Is(err, tax.ErrClassNotFound) {
		return tax.Class{}, false, nil
	}
	if err != nil {
		return tax.Class{}, false, err
	}
	return class, true, nil
}

func (p *Postgres) taxClass(ctx context.Context, query string, arg any) (tax.Class, error) {
	if p == nil || p.db == nil {
		return tax.Class{}, ErrUnavailable
	}
	var class tax.Class
	err := p.db.QueryRow(ctx, query, arg).Scan(&class.ID, &class.Code, &class.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return tax.Class{}, tax.ErrClassNotFound
	}
	if err != nil {
		return tax.Class{}, fmt.Errorf("query tax class: %w", err)
	}
	rows, err := p.db.Query(ctx, `SELECT country, state, zip, city, rate::text, priority, compound, name
FROM tax_rates WHERE tax_class_id = $1 ORDER BY position, id`, class.ID)
	if err != nil {
		return tax.Class{}, fmt.Errorf("query tax rates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row  tax.RateRow
			rate string
		)
		if err := rows.Scan(&row.Country, &row.State, &row.Zip, &row.City, &rate, &row.Priority, &row.Compound, &row.Name); err != nil {
			return tax.Class{}, fmt.Errorf("scan tax rate: %w", err)
		}
		if row.Rate, err = decimal.NewFromString(rate); err != nil {
			return tax.Class{}, fmt.Errorf("tax rate %q: %w", row.Name, err)
		}
		class.Rates = append(class.Rates, row)
	}
	return class, rows.Err()
}

func decodeAttributes(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
