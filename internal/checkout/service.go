package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pricing/internal/cartrule"
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricemap"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

// PriceMaps loads compiled catalog prices.
type PriceMaps interface {
	Load(ctx context.Context, productID, variantID int64) (pricemap.Map, error)
}

// ProductSource reads products and their uncompiled tier prices.
type ProductSource interface {
	Product(ctx context.Context, id int64) (catalog.Product, error)
	BaseTierPrices(ctx context.Context, productID, variantID, groupID int64) (catalog.Tiers, error)
}

// LineInput is one requested cart line. UnitPrice overrides catalog pricing
// when set.
type LineInput struct {
	Key       string           `json:"key"`
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	VariantID int64            `json:"variant_id" validate:"gte=0"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

// QuoteInput describes the cart to price.
type QuoteInput struct {
	Items           []LineInput      `json:"items" validate:"required,min=1,dive"`
	CustomerID      int64            `json:"customer_id" validate:"gte=0"`
	CustomerGroupID int64            `json:"customer_group_id" validate:"gte=0"`
	CouponCode      string           `json:"coupon_code" validate:"max=64"`
	PaymentMethod   string           `json:"payment_method"`
	ShippingMethod  string           `json:"shipping_method"`
	ShippingCost    decimal.Decimal  `json:"shipping_cost"`
	ShippingAddress *pricing.Address `json:"shipping_address"`
	TaxExempt       bool             `json:"tax_exempt"`
}

// QuoteLine is a priced cart line. UnitPrice is before cart discounts,
// Discount is per unit.
type QuoteLine struct {
	Key        string          `json:"key"`
	ProductID  int64           `json:"product_id"`
	VariantID  int64           `json:"variant_id,omitempty"`
	SKU        string          `json:"sku"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Discount   decimal.Decimal `json:"discount"`
	TaxClassID int64           `json:"tax_class_id"`
	Tax        decimal.Decimal `json:"tax"`
	PriceFrom  string          `json:"price_from"`
}

// Quote is the priced cart.
type Quote struct {
	CustomerGroupID int64                   `json:"customer_group_id"`
	Lines           []QuoteLine             `json:"lines"`
	Summary         pricing.Summary         `json:"summary"`
	Discount        cartrule.DiscountResult `json:"discount"`
	Taxes           tax.Result              `json:"taxes"`
	ShippingTaxes   []tax.Line              `json:"shipping_taxes"`
}

// Config groups Service dependencies.
type Config struct {
	Products     ProductSource
	PriceMaps    PriceMaps
	Discounts    *cartrule.Evaluator
	Taxes        *tax.Engine
	GuestGroupID int64
	Logger       zerolog.Logger
}

// Service assembles quotes from compiled prices, cart rules and taxes.
type Service struct {
	products   ProductSource
	priceMaps  PriceMaps
	discounts  *cartrule.Evaluator
	taxes      *tax.Engine
	guestGroup int64
	logger     zerolog.Logger
	validate   *validator.Validate
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Products == nil {
		return nil, errors.New("checkout: product source is required")
	}
	if cfg.Discounts == nil || cfg.Taxes == nil {
		return nil, errors.New("checkout: discount and tax engines are required")
	}
	return &Service{
		products:   cfg.Products,
		priceMaps:  cfg.PriceMaps,
		discounts:  cfg.Discounts,
		taxes:      cfg.Taxes,
		guestGroup: cfg.GuestGroupID,
		logger:     cfg.Logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Quote prices every line for the shopper's customer group, applies cart
// rules and taxes the discounted amounts.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (q Quote, err error) {
	ctx, span := obs.Tracer("checkout").Start(ctx, "checkout.quote")
	defer func() {
		if obs.QuoteTotal != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			obs.QuoteTotal.WithLabelValues(outcome).Inc()
		}
		obs.EndSpan(span, err)
	}()

	if err := s.check(in); err != nil {
		return Quote{}, err
	}
	if in.ShippingCost.IsNegative() {
		return Quote{}, common.NewAppError("VALIDATION_ERROR", "shipping_cost must not be negative", http.StatusUnprocessableEntity, nil)
	}
	group := s.groupOf(in.CustomerID, in.CustomerGroupID)
	span.SetAttributes(
		attribute.Int("checkout.items", len(in.Items)),
		attribute.Int64("checkout.customer_group", group),
	)

	opts := tax.Options{Exempt: in.TaxExempt, CustomerGroupID: group}
	lines := make([]QuoteLine, 0, len(in.Items))
	items := make([]cartrule.Item, 0, len(in.Items))
	seen := make(map[string]struct{}, len(in.Items))
	for i, li := range in.Items {
		line, attrs, err := s.priceLine(ctx, li, group)
		if err != nil {
			return Quote{}, err
		}
		if line.Key == "" {
			line.Key = fmt.Sprintf("%d:%d:%d", li.ProductID, li.VariantID, i)
		}
		if _, dup := seen[line.Key]; dup {
			return Quote{}, common.NewAppError("VALIDATION_ERROR", "duplicate line key "+line.Key, http.StatusUnprocessableEntity, nil)
		}
		seen[line.Key] = struct{}{}
		unitTaxes, err := s.taxes.TaxRates(ctx, line.TaxClassID, line.UnitPrice, in.ShippingAddress, opts)
		if err != nil {
			return Quote{}, fmt.Errorf("unit tax for %s: %w", line.Key, err)
		}
		lines = append(lines, line)
		items = append(items, cartrule.Item{
			Key:              line.Key,
			SKU:              line.SKU,
			ProductID:        line.ProductID,
			Quantity:         line.Quantity,
			UnitPrice:        line.UnitPrice,
			UnitPriceInclTax: line.UnitPrice.Add(tax.Sum(unitTaxes)),
			Attributes:       attrs,
		})
	}

	customer := cartrule.Customer{ID: in.CustomerID, GroupID: group}
	discount, err := s.discounts.NewSession().EvaluateDiscount(ctx, cartrule.Input{
		PaymentMethod:   in.PaymentMethod,
		ShippingMethod:  in.ShippingMethod,
		ShippingCost:    in.ShippingCost,
		Items:           items,
		ShippingAddress: in.ShippingAddress,
		CouponCode:      in.CouponCode,
		Customer:        customer,
	})
	if err != nil {
		return Quote{}, fmt.Errorf("evaluate cart rules: %w", err)
	}

	taxItems := make([]tax.Item, 0, len(lines))
	for i := range lines {
		lines[i].Discount = discount.ItemDiscount(lines[i].Key)
		net := lines[i].UnitPrice.Sub(lines[i].Discount)
		if net.IsNegative() {
			net = decimal.Zero
		}
		taxItems = append(taxItems, tax.Item{
			Key:        lines[i].Key,
			TaxClassID: lines[i].TaxClassID,
			Quantity:   lines[i].Quantity,
			UnitPrice:  net,
		})
	}
	taxes, err := s.taxes.CalculateTaxes(ctx, taxItems, in.ShippingAddress, opts)
	if err != nil {
		return Quote{}, fmt.Errorf("calculate taxes: %w", err)
	}
	for i := range lines {
		lines[i].Tax = taxes.ItemTaxes[lines[i].Key]
	}

	shippingDiscount := discount.ShippingDiscount
	if freeShipping(discount, in.ShippingMethod) {
		shippingDiscount = in.ShippingCost
	}
	if shippingDiscount.GreaterThan(in.ShippingCost) {
		shippingDiscount = in.ShippingCost
	}
	shippingTaxes, err := s.taxes.ShippingTax(ctx, in.ShippingCost.Sub(shippingDiscount), in.ShippingAddress, opts)
	if err != nil {
		return Quote{}, fmt.Errorf("shipping tax: %w", err)
	}

	summaryItems := make([]pricing.Item, 0, len(lines))
	for _, l := range lines {
		summaryItems = append(summaryItems, pricing.Item{Qty: l.Quantity, UnitPrice: l.UnitPrice})
	}
	totalTax := taxes.TaxTotal.Add(tax.Sum(shippingTaxes))
	summary := pricing.Compute(summaryItems, discount.CartDiscount, totalTax, in.ShippingCost, shippingDiscount)

	s.logger.Debug().
		Int64("customer_group", group).
		Int("lines", len(lines)).
		Ints64("applied_rules", discount.AppliedRules).
		Str("total", summary.Total.String()).
		Msg("quote computed")

	return Quote{
		CustomerGroupID: group,
		Lines:           lines,
		Summary:         summary,
		Discount:        discount,
		Taxes:           taxes,
		ShippingTaxes:   shippingTaxes,
	}, nil
}

// ValidateCoupon reports whether code is usable by the shopper.
func (s *Service) ValidateCoupon(ctx context.Context, code string, customerID, groupID int64) (cartrule.CouponCheck, error) {
	if customerID < 0 || groupID < 0 {
		return cartrule.CouponCheck{}, common.NewAppError("VALIDATION_ERROR", "ids must not be negative", http.StatusUnprocessableEntity, nil)
	}
	customer := cartrule.Customer{ID: customerID, GroupID: s.groupOf(customerID, groupID)}
	return s.discounts.NewSession().ValidateCoupon(ctx, code, customer)
}

// TaxRequest asks for the taxes of a single amount.
type TaxRequest struct {
	TaxClassID      int64            `json:"tax_class_id" validate:"required,gt=0"`
	Amount          decimal.Decimal  `json:"amount"`
	Address         *pricing.Address `json:"address"`
	CustomerGroupID int64            `json:"customer_group_id" validate:"gte=0"`
	Exempt          bool             `json:"exempt"`
}

// TaxRates returns the tax lines applied to req.Amount.
func (s *Service) TaxRates(ctx context.Context, req TaxRequest) ([]tax.Line, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	lines, err := s.taxes.TaxRates(ctx, req.TaxClassID, req.Amount, req.Address, tax.Options{Exempt: req.Exempt, CustomerGroupID: req.CustomerGroupID})
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []tax.Line{}
	}
	return lines, nil
}

// Subtotal derives the pre-tax amount of a tax-inclusive req.Amount.
func (s *Service) Subtotal(ctx context.Context, req TaxRequest) (decimal.Decimal, error) {
	if err := s.check(req); err != nil {
		return decimal.Zero, err
	}
	return s.taxes.Subtotal(ctx, req.TaxClassID, req.Amount, req.Address, tax.Options{Exempt: req.Exempt, CustomerGroupID: req.CustomerGroupID})
}

func (s *Service) groupOf(customerID, groupID int64) int64 {
	if groupID > 0 {
		return groupID
	}
	if customerID == 0 {
		return s.guestGroup
	}
	return groupID
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			appErr := common.NewAppError("VALIDATION_ERROR", "invalid request", http.StatusUnprocessableEntity, err)
			appErr.Details = fields
			return appErr
		}
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusUnprocessableEntity, err)
	}
	return nil
}

// priceLine resolves the unit price of li. The compiled price map wins;
// products not compiled yet fall back to their base tier table.
func (s *Service) priceLine(ctx context.Context, li LineInput, group int64) (QuoteLine, map[string]any, error) {
	product, err := s.products.Product(ctx, li.ProductID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return QuoteLine{}, nil, common.NewAppError("PRODUCT_NOT_FOUND", fmt.Sprintf("product %d not found", li.ProductID), http.StatusNotFound, err)
	}
	if err != nil {
		return QuoteLine{}, nil, fmt.Errorf("load product %d: %w", li.ProductID, err)
	}
	line := QuoteLine{
		Key:        strings.TrimSpace(li.Key),
		ProductID:  product.ID,
		VariantID:  li.VariantID,
		SKU:        product.SKU,
		Quantity:   li.Quantity,
		TaxClassID: product.TaxClassID,
	}
	attrs := make(map[string]any, len(product.Attributes)+1)
	for k, v := range product.Attributes {
		attrs[k] = v
	}
	if li.VariantID != 0 {
		variant, ok := product.Variant(li.VariantID)
		if !ok {
			return QuoteLine{}, nil, common.NewAppError("PRODUCT_NOT_FOUND", fmt.Sprintf("variant %d of product %d not found", li.VariantID, li.ProductID), http.StatusNotFound, nil)
		}
		if variant.SKU != "" {
			line.SKU = variant.SKU
		}
		for k, v := range variant.Attributes {
			attrs[k] = v
		}
	}
	attrs["sku"] = line.SKU

	if li.UnitPrice != nil {
		if li.UnitPrice.IsNegative() {
			return QuoteLine{}, nil, common.NewAppError("VALIDATION_ERROR", "unit_price must not be negative", http.StatusUnprocessableEntity, nil)
		}
		line.UnitPrice = *li.UnitPrice
		line.PriceFrom = "request"
		return line, attrs, nil
	}

	if s.priceMaps != nil {
		m, err := s.priceMaps.Load(ctx, li.ProductID, li.VariantID)
		switch {
		case err == nil:
			if price, ok := m.PriceFor(group, li.Quantity); ok {
				line.UnitPrice = price
				line.PriceFrom = "compiled"
				return line, attrs, nil
			}
		case errors.Is(err, pricemap.ErrNotFound):
		default:
			s.logger.Warn().Err(err).Int64("product_id", li.ProductID).Msg("price map unavailable, using base tiers")
		}
	}

	tiers, err := s.products.BaseTierPrices(ctx, li.ProductID, li.VariantID, group)
	if err != nil {
		return QuoteLine{}, nil, fmt.Errorf("base tiers of product %d: %w", li.ProductID, err)
	}
	price, ok := tierPrice(tiers, li.Quantity)
	if !ok {
		return QuoteLine{}, nil, common.NewAppError("PRICE_UNAVAILABLE", fmt.Sprintf("product %d has no price for group %d", li.ProductID, group), http.StatusUnprocessableEntity, nil)
	}
	line.UnitPrice = price
	line.PriceFrom = "base"
	return line, attrs, nil
}

// freeShipping reports whether a free-shipping rule covers method. Only
// rules that granted free shipping scope it, and one granting rule without
// options covers every method.
func freeShipping(d cartrule.DiscountResult, method string) bool {
	if !d.FreeShipping {
		return false
	}
	if d.FreeShippingAnyMethod {
		return true
	}
	method = strings.TrimSpace(method)
	for _, opt := range d.FreeShippingMethods {
		if strings.EqualFold(opt, method) {
			return true
		}
	}
	return false
}

// tierPrice picks the tier with the largest quantity not above qty.
func tierPrice(tiers catalog.Tiers, qty int) (decimal.Decimal, bool) {
	var (
		price decimal.Decimal
		found bool
	)
	for _, q := range tiers.Quantities() {
		if q > qty {
			break
		}
		price, found = tiers[q], true
	}
	return price, found
}
