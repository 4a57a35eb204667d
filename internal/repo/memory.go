package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/rules"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

// Fixture is the document a Memory repository is built from.
type Fixture struct {
	Groups       []catalog.Group   `json:"groups"`
	Products     []catalog.Product `json:"products"`
	Rules        []rules.Rule      `json:"rules"`
	TaxClasses   []tax.Class       `json:"tax_classes"`
	CouponUses   map[string]int    `json:"coupon_uses"`
	CustomerUses []CustomerUse     `json:"customer_uses"`
}

// CustomerUse seeds the per-customer usage count of a rule.
type CustomerUse struct {
	CustomerID int64 `json:"customer_id"`
	RuleID     int64 `json:"rule_id"`
	Count      int   `json:"count"`
}

type usageKey struct {
	customer int64
	rule     int64
}

// Memory is an in-process repository for fixtures, tests and offline
// previews. It serves the same reads as Postgres.
type Memory struct {
	mu                sync.RWMutex
	groups            []catalog.Group
	products          map[int64]catalog.Product
	productIDs        []int64
	rules             []rules.Rule
	classes           map[int64]tax.Class
	couponUses        map[string]int
	customerUses      map[usageKey]int
	shippingClassCode string
	loc               *time.Location
}

// NewMemory indexes f. Rules failing validation are rejected.
func NewMemory(f Fixture) (*Memory, error) {
	m := &Memory{
		products:          map[int64]catalog.Product{},
		classes:           map[int64]tax.Class{},
		couponUses:        map[string]int{},
		customerUses:      map[usageKey]int{},
		shippingClassCode: DefaultShippingClassCode,
		loc:               time.UTC,
	}
	m.groups = append(m.groups, f.Groups...)
	sort.Slice(m.groups, func(i, j int) bool { return m.groups[i].ID < m.groups[j].ID })
	for _, p := range f.Products {
		if _, dup := m.products[p.ID]; dup {
			return nil, fmt.Errorf("fixture: duplicate product %d", p.ID)
		}
		m.products[p.ID] = p
		m.productIDs = append(m.productIDs, p.ID)
	}
	sort.Slice(m.productIDs, func(i, j int) bool { return m.productIDs[i] < m.productIDs[j] })
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("fixture: rule %d: %w", r.ID, err)
		}
		m.rules = append(m.rules, r)
	}
	for _, c := range f.TaxClasses {
		m.classes[c.ID] = c
	}
	for code, n := range f.CouponUses {
		m.couponUses[couponKey(code)] += n
	}
	for _, u := range f.CustomerUses {
		m.customerUses[usageKey{u.CustomerID, u.RuleID}] += u.Count
	}
	return m, nil
}

// SetShippingClassCode overrides the reserved shipping tax class code.
func (m *Memory) SetShippingClassCode(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code = strings.TrimSpace(code); code != "" {
		m.shippingClassCode = code
	}
}

// SetLocation sets the zone rule date windows are read in.
func (m *Memory) SetLocation(loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc != nil {
		m.loc = loc
	}
}

// FindActiveRules returns active rules of kind whose window covers asOf.
func (m *Memory) FindActiveRules(_ context.Context, kind rules.Kind, asOf time.Time) ([]rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Rule, 0)
	for _, r := range m.rules {
		if r.Kind == kind && r.Active && r.ActiveAt(asOf, m.loc) {
			out = append(out, r)
		}
	}
	rules.Sort(out)
	return out, nil
}

// FindCouponRules returns every cart rule carrying code.
func (m *Memory) FindCouponRules(_ context.Context, code string) ([]rules.Rule, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Rule, 0)
	for _, r := range m.rules {
		if r.Kind == rules.KindCart && r.HasCoupon() && r.MatchesCoupon(code) {
			out = append(out, r)
		}
	}
	rules.Sort(out)
	return out, nil
}

// BaseTierPrices returns the tier table of a product or variant for group.
func (m *Memory) BaseTierPrices(ctx context.Context, productID, variantID, groupID int64) (catalog.Tiers, error) {
	p, err := m.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if variantID == 0 {
		return p.TiersFor(groupID), nil
	}
	v, ok := p.Variant(variantID)
	if !ok {
		return nil, fmt.Errorf("%w: variant %d of product %d", catalog.ErrProductNotFound, variantID, productID)
	}
	return p.VariantTiersFor(v, groupID), nil
}

// CustomerGroups lists the groups by id.
func (m *Memory) CustomerGroups(context.Context) ([]catalog.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]catalog.Group(nil), m.groups...), nil
}

// Product returns a product by id.
func (m *Memory) Product(_ context.Context, id int64) (catalog.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("%w: %d", catalog.ErrProductNotFound, id)
	}
	return p, nil
}

// ProductIDs pages ids in ascending order after afterID.
func (m *Memory) ProductIDs(_ context.Context, afterID int64, limit int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}
	start := sort.Search(len(m.productIDs), func(i int) bool { return m.productIDs[i] > afterID })
	end := start + limit
	if end > len(m.productIDs) {
		end = len(m.productIDs)
	}
	return append([]int64(nil), m.productIDs[start:end]...), nil
}

// CouponUseCount counts recorded uses of a coupon code.
func (m *Memory) CouponUseCount(_ context.Context, code string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.couponUses[couponKey(code)], nil
}

// CustomerRuleUseCount counts how often customerID benefited from ruleID.
func (m *Memory) CustomerRuleUseCount(_ context.Context, customerID, ruleID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customerUses[usageKey{customerID, ruleID}], nil
}

// RecordUse stores one use of a rule. A zero customerID is a guest.
func (m *Memory) RecordUse(_ context.Context, ruleID int64, couponCode string, customerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key := couponKey(couponCode); key != "" {
		m.couponUses[key]++
	}
	if customerID != 0 {
		m.customerUses[usageKey{customerID, ruleID}]++
	}
	return nil
}

// PutTaxClass inserts or replaces a class.
func (m *Memory) PutTaxClass(c tax.Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[c.ID] = c
}

// TaxClass returns a class by id.
func (m *Memory) TaxClass(_ context.Context, id int64) (tax.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[id]
	if !ok {
		return tax.Class{}, tax.ErrClassNotFound
	}
	return c, nil
}

// ShippingTaxClass returns the class with the reserved shipping code.
func (m *Memory) ShippingTaxClass(context.Context) (tax.Class, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.classes {
		if strings.EqualFold(c.Code, m.shippingClassCode) {
			return c, true, nil
		}
	}
	return tax.Class{}, false, nil
}

func couponKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
