package tax

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// ErrClassNotFound is returned by repositories for unknown tax classes.
var ErrClassNotFound = errors.New("tax: class not found")

var hundred = decimal.NewFromInt(100)

// Repository loads tax classes.
type Repository interface {
	TaxClass(ctx context.Context, id int64) (Class, error)
	// ShippingTaxClass returns the reserved shipping class, if configured.
	ShippingTaxClass(ctx context.Context) (Class, bool, error)
}

// GroupLookup resolves customer groups for the tax-exempt flag.
type GroupLookup interface {
	Get(ctx context.Context, id int64) (catalog.Group, bool, error)
}

// Options carry the per-request context of a tax computation.
type Options struct {
	Exempt          bool
	CustomerGroupID int64
}

// Line is one applied tax. Total is the tax amount; AddedTax and CompoundTax
// split it by kind so callers can sum either side.
type Line struct {
	Name        string          `json:"name"`
	Rate        decimal.Decimal `json:"rate"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Total       decimal.Decimal `json:"total"`
	AddedTax    decimal.Decimal `json:"added_tax"`
	CompoundTax decimal.Decimal `json:"compound_tax"`
	Compound    bool            `json:"compound"`
}

// Item is a cart line to tax. UnitPrice is the discounted per-unit price.
type Item struct {
	Key        string          `json:"key"`
	TaxClassID int64           `json:"tax_class_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Result aggregates the taxes of a cart.
type Result struct {
	TaxTotal    decimal.Decimal            `json:"tax_total"`
	TaxesByName map[string]decimal.Decimal `json:"taxes_by_name"`
	ItemTaxes   map[string]decimal.Decimal `json:"item_taxes"`
}

// Engine computes forward and reverse taxes. Class lookups are cached until
// Reset.
type Engine struct {
	repo   Repository
	groups GroupLookup
	logger zerolog.Logger

	mu              sync.Mutex
	classes         map[int64]Class
	missing         map[int64]bool
	shipping        *Class
	shippingChecked bool
}

// NewEngine builds an engine. groups may be nil when no group is ever tax
// exempt.
func NewEngine(repo Repository, groups GroupLookup, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		groups:  groups,
		logger:  logger,
		classes: map[int64]Class{},
		missing: map[int64]bool{},
	}
}

// Reset drops cached tax classes.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.classes = map[int64]Class{}
	e.missing = map[int64]bool{}
	e.shipping = nil
	e.shippingChecked = false
}

// Rates resolves the rates of class classID for addr.
func (e *Engine) Rates(ctx context.Context, classID int64, addr *pricing.Address, opts Options) ([]Rate, error) {
	exempt, err := e.exempt(ctx, opts)
	if err != nil || exempt {
		return nil, err
	}
	class, ok, err := e.class(ctx, classID)
	if err != nil || !ok {
		return nil, err
	}
	return ResolveUpToTwoRates(class, addr), nil
}

// TaxRates computes the taxes on amount. Compound taxes apply to amount plus
// every added tax.
func (e *Engine) TaxRates(ctx context.Context, classID int64, amount decimal.Decimal, addr *pricing.Address, opts Options) ([]Line, error) {
	rates, err := e.Rates(ctx, classID, addr, opts)
	if err != nil {
		return nil, err
	}
	return lines(rates, amount), nil
}

// Subtotal derives the pre-tax amount from a tax-inclusive total. Added
// rates divide by their sum, compound rates multiply in on top.
func (e *Engine) Subtotal(ctx context.Context, classID int64, total decimal.Decimal, addr *pricing.Address, opts Options) (decimal.Decimal, error) {
	rates, err := e.Rates(ctx, classID, addr, opts)
	if err != nil {
		return decimal.Zero, err
	}
	return pricing.Round(reverse(rates, total)), nil
}

// CalculateTaxes taxes every item at its discounted unit price. Compound
// taxes are computed per tax class on the class amount plus its added taxes.
func (e *Engine) CalculateTaxes(ctx context.Context, items []Item, addr *pricing.Address, opts Options) (Result, error) {
	res := Result{
		TaxTotal:    decimal.Zero,
		TaxesByName: map[string]decimal.Decimal{},
		ItemTaxes:   map[string]decimal.Decimal{},
	}
	exempt, err := e.exempt(ctx, opts)
	if err != nil || exempt {
		return res, err
	}

	type bucket struct {
		amount decimal.Decimal
		added  decimal.Decimal
		items  []Item
		rates  []Rate
	}
	buckets := map[int64]*bucket{}
	classIDs := []int64{}
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		b, ok := buckets[it.TaxClassID]
		if !ok {
			class, found, err := e.class(ctx, it.TaxClassID)
			if err != nil {
				return Result{}, err
			}
			b = &bucket{amount: decimal.Zero, added: decimal.Zero}
			if found {
				b.rates = ResolveUpToTwoRates(class, addr)
			}
			buckets[it.TaxClassID] = b
			classIDs = append(classIDs, it.TaxClassID)
		}
		b.amount = b.amount.Add(lineAmount(it))
		b.items = append(b.items, it)
	}
	sort.Slice(classIDs, func(i, j int) bool { return classIDs[i] < classIDs[j] })

	byName := map[string]decimal.Decimal{}
	for _, id := range classIDs {
		b := buckets[id]
		if len(b.rates) == 0 {
			continue
		}
		for _, r := range b.rates {
			if r.Compound {
				continue
			}
			tax := pricing.Percent(b.amount, r.Rate)
			b.added = b.added.Add(tax)
			byName[r.Name] = byName[r.Name].Add(tax)
		}
		base := b.amount.Add(b.added)
		for _, r := range b.rates {
			if r.Compound {
				byName[r.Name] = byName[r.Name].Add(pricing.Percent(base, r.Rate))
			}
		}
		for _, it := range b.items {
			res.ItemTaxes[itemKey(it)] = pricing.Round(itemTax(b.rates, lineAmount(it)))
		}
	}

	total := decimal.Zero
	for name, amount := range byName {
		rounded := pricing.Round(amount)
		res.TaxesByName[name] = rounded
		total = total.Add(rounded)
	}
	res.TaxTotal = total
	return res, nil
}

// ShippingTax taxes a shipping amount with the reserved shipping class. No
// shipping class means no shipping tax.
func (e *Engine) ShippingTax(ctx context.Context, amount decimal.Decimal, addr *pricing.Address, opts Options) ([]Line, error) {
	exempt, err := e.exempt(ctx, opts)
	if err != nil || exempt {
		return nil, err
	}
	class, ok, err := e.shippingClass(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return lines(ResolveUpToTwoRates(class, addr), amount), nil
}

// Sum adds up the tax amounts of lines.
func Sum(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total)
	}
	return total
}

func lines(rates []Rate, amount decimal.Decimal) []Line {
	out := make([]Line, 0, len(rates))
	added := amount
	for _, r := range rates {
		if r.Compound {
			continue
		}
		tax := pricing.Percent(amount, r.Rate)
		added = added.Add(tax)
		out = append(out, Line{
			Name: r.Name, Rate: r.Rate, TaxRate: r.Rate.Div(hundred),
			Total: pricing.Round(tax), AddedTax: pricing.Round(tax), CompoundTax: decimal.Zero,
		})
	}
	for _, r := range rates {
		if !r.Compound {
			continue
		}
		tax := pricing.Percent(added, r.Rate)
		out = append(out, Line{
			Name: r.Name, Rate: r.Rate, TaxRate: r.Rate.Div(hundred),
			Total: pricing.Round(tax), AddedTax: decimal.Zero, CompoundTax: pricing.Round(tax), Compound: true,
		})
	}
	return out
}

func itemTax(rates []Rate, amount decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines(rates, amount) {
		total = total.Add(l.Total)
	}
	return total
}

// reverse inverts the forward computation. It is exact for up to one added
// and one compound rate, or two of the same kind.
func reverse(rates []Rate, total decimal.Decimal) decimal.Decimal {
	if len(rates) == 0 {
		return total
	}
	addedSum := decimal.Zero
	factor := decimal.NewFromInt(1)
	for _, r := range rates {
		if r.Compound {
			factor = factor.Mul(decimal.NewFromInt(1).Add(r.Rate.Div(hundred)))
		} else {
			addedSum = addedSum.Add(r.Rate.Div(hundred))
		}
	}
	factor = factor.Mul(decimal.NewFromInt(1).Add(addedSum))
	if factor.IsZero() {
		return total
	}
	return total.DivRound(factor, 10)
}

func lineAmount(it Item) decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

func itemKey(it Item) string {
	if it.Key != "" {
		return it.Key
	}
	return fmt.Sprintf("class-%d", it.TaxClassID)
}

func (e *Engine) exempt(ctx context.Context, opts Options) (bool, error) {
	if opts.Exempt {
		return true, nil
	}
	if e.groups == nil || opts.CustomerGroupID == 0 {
		return false, nil
	}
	group, ok, err := e.groups.Get(ctx, opts.CustomerGroupID)
	if err != nil {
		return false, fmt.Errorf("customer group: %w", err)
	}
	return ok && group.TaxExempt, nil
}

// class returns the cached class. Unknown ids resolve to no class so tax
// fails open to zero.
func (e *Engine) class(ctx context.Context, id int64) (Class, bool, error) {
	e.mu.Lock()
	if c, ok := e.classes[id]; ok {
		e.mu.Unlock()
		return c, true, nil
	}
	if e.missing[id] {
		e.mu.Unlock()
		return Class{}, false, nil
	}
	e.mu.Unlock()

	c, err := e.repo.TaxClass(ctx, id)
	if errors.Is(err, ErrClassNotFound) {
		e.logger.Warn().Int64("tax_class_id", id).Msg("tax class not found; applying zero tax")
		obs.IncTaxFallback("class_not_found")
		e.mu.Lock()
		e.missing[id] = true
		e.mu.Unlock()
		return Class{}, false, nil
	}
	if err != nil {
		return Class{}, false, fmt.Errorf("load tax class %d: %w", id, err)
	}
	e.mu.Lock()
	e.classes[id] = c
	e.mu.Unlock()
	return c, true, nil
}

func (e *Engine) shippingClass(ctx context.Context) (Class, bool, error) {
	e.mu.Lock()
	if e.shippingChecked {
		defer e.mu.Unlock()
		if e.shipping == nil {
			return Class{}, false, nil
		}
		return *e.shipping, true, nil
	}
	e.mu.Unlock()

	c, ok, err := e.repo.ShippingTaxClass(ctx)
	if err != nil {
		return Class{}, false, fmt.Errorf("load shipping tax class: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shippingChecked = true
	if ok {
		e.shipping = &c
	}
	return c, ok, nil
}
