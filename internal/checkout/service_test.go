package checkout_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/cartrule"
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/checkout"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/pricemap"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/repo"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(want)), "want %s, got %s", want, got.String())
}

type fixture struct {
	store  *repo.Memory
	prices *pricemap.MemoryStore
	svc    *checkout.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := repo.LoadMemoryFile("testdata/quote.yaml")
	require.NoError(t, err)
	store.SetLocation(time.UTC)

	clock := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	evaluator, err := cartrule.NewEvaluator(cartrule.Config{
		Rules:    store,
		Usage:    store,
		Location: time.UTC,
		Now:      func() time.Time { return clock },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	prices := pricemap.NewMemoryStore()
	svc, err := checkout.NewService(checkout.Config{
		Products:  store,
		PriceMaps: prices,
		Discounts: evaluator,
		Taxes:     tax.NewEngine(store, catalog.NewGroups(store), zerolog.Nop()),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return fixture{store: store, prices: prices, svc: svc}
}

var jakarta = &pricing.Address{Country: "ID", City: "Jakarta"}

func TestQuoteGuestUsesBaseTiers(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), checkout.QuoteInput{
		Items: []checkout.LineInput{
			{Key: "kopi", ProductID: 10, Quantity: 2},
			{Key: "teh", ProductID: 20, Quantity: 1},
		},
		ShippingCost:    dec("20"),
		ShippingAddress: jakarta,
	})
	require.NoError(t, err)
	require.Len(t, q.Lines, 2)
	require.Equal(t, "base", q.Lines[0].PriceFrom)
	requireDec(t, "100", q.Lines[0].UnitPrice)
	requireDec(t, "22", q.Lines[0].Tax)
	requireDec(t, "240", q.Summary.Subtotal)
	requireDec(t, "0", q.Summary.Discount)
	requireDec(t, "28.6", q.Summary.Tax)
	requireDec(t, "20", q.Summary.Shipping)
	requireDec(t, "288.6", q.Summary.Total)
	require.Empty(t, q.Discount.AppliedRules)
	require.Len(t, q.ShippingTaxes, 1)
	requireDec(t, "2.2", q.ShippingTaxes[0].Total)
}

func TestQuoteAppliesCouponAndFreeShipping(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), checkout.QuoteInput{
		Items:           []checkout.LineInput{{Key: "kopi", ProductID: 10, Quantity: 10}},
		CustomerID:      8,
		CustomerGroupID: 1,
		CouponCode:      "hemat10",
		ShippingCost:    dec("20"),
		ShippingAddress: jakarta,
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 5}, q.Discount.AppliedRules)
	require.True(t, q.Discount.FreeShipping)

	line := q.Lines[0]
	requireDec(t, "90", line.UnitPrice)
	requireDec(t, "9", line.Discount)
	requireDec(t, "89.1", line.Tax)
	requireDec(t, "99.9", q.Discount.CartDiscountInclTax)
	requireDec(t, "9.99", q.Discount.ItemDiscountsInclTax[line.Key])

	requireDec(t, "900", q.Summary.Subtotal)
	requireDec(t, "90", q.Summary.Discount)
	requireDec(t, "89.1", q.Summary.Tax)
	requireDec(t, "0", q.Summary.Shipping)
	requireDec(t, "899.1", q.Summary.Total)
	requireDec(t, "0", tax.Sum(q.ShippingTaxes))
}

func TestQuoteHonoursCustomerUsageLimit(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), checkout.QuoteInput{
		Items:           []checkout.LineInput{{ProductID: 10, Quantity: 1}},
		CustomerID:      7,
		CustomerGroupID: 1,
		CouponCode:      "HEMAT10",
		ShippingAddress: jakarta,
	})
	require.NoError(t, err)
	require.Empty(t, q.Discount.AppliedRules)
	requireDec(t, "0", q.Summary.Discount)
	require.Equal(t, "10:0:0", q.Lines[0].Key)

	check, err := f.svc.ValidateCoupon(context.Background(), "hemat10", 7, 1)
	require.NoError(t, err)
	require.False(t, check.Valid)
	require.Equal(t, cartrule.ReasonExceededUses, check.Reason)

	check, err = f.svc.ValidateCoupon(context.Background(), "hemat10", 8, 1)
	require.NoError(t, err)
	require.True(t, check.Valid)
	require.Equal(t, []int64{3}, check.RuleIDs)

	check, err = f.svc.ValidateCoupon(context.Background(), "NOPE", 0, 0)
	require.NoError(t, err)
	require.Equal(t, cartrule.ReasonNotFound, check.Reason)
}

func TestQuoteTaxExemptGroup(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), checkout.QuoteInput{
		Items:           []checkout.LineInput{{ProductID: 20, Quantity: 3}},
		CustomerGroupID: 9,
		ShippingCost:    dec("15"),
		ShippingAddress: jakarta,
	})
	require.NoError(t, err)
	requireDec(t, "0", q.Summary.Tax)
	require.Empty(t, q.ShippingTaxes)
	requireDec(t, "135", q.Summary.Total)
}

func TestQuotePrefersCompiledPrices(t *testing.T) {
	f := newFixture(t)
	m := pricemap.New(10, 0)
	m.Set(0, 1, dec("90"))
	m.Attribute(0, 1)
	require.NoError(t, f.prices.Save(context.Background(), m))

	q, err := f.svc.Quote(context.Background(), checkout.QuoteInput{
		Items: []checkout.LineInput{
			{Key: "kopi", ProductID: 10, Quantity: 1},
			{Key: "teh", ProductID: 20, Quantity: 1},
			{Key: "bean", ProductID: 10, VariantID: 11, Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "compiled", q.Lines[0].PriceFrom)
	requireDec(t, "90", q.Lines[0].UnitPrice)
	require.Equal(t, "base", q.Lines[1].PriceFrom)
	requireDec(t, "40", q.Lines[1].UnitPrice)
	require.Equal(t, "KOPI-250-BEAN", q.Lines[2].SKU)
	requireDec(t, "110", q.Lines[2].UnitPrice)
	requireDec(t, "0", q.Summary.Tax)
}

func TestQuoteExplicitUnitPrice(t *testing.T) {
	f := newFixture(t)
	price := dec("55.5")
	q, err := f.svc.Quote(context.Background(), checkout.QuoteInput{
		Items: []checkout.LineInput{{ProductID: 20, Quantity: 2, UnitPrice: &price}},
	})
	require.NoError(t, err)
	require.Equal(t, "request", q.Lines[0].PriceFrom)
	requireDec(t, "111", q.Summary.Subtotal)
}

func TestQuoteErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		in     checkout.QuoteInput
		code   string
		status int
	}{
		{"no items", checkout.QuoteInput{}, "VALIDATION_ERROR", http.StatusUnprocessableEntity},
		{"zero quantity", checkout.QuoteInput{Items: []checkout.LineInput{{ProductID: 10}}}, "VALIDATION_ERROR", http.StatusUnprocessableEntity},
		{"unknown product", checkout.QuoteInput{Items: []checkout.LineInput{{ProductID: 99, Quantity: 1}}}, "PRODUCT_NOT_FOUND", http.StatusNotFound},
		{"unknown variant", checkout.QuoteInput{Items: []checkout.LineInput{{ProductID: 10, VariantID: 99, Quantity: 1}}}, "PRODUCT_NOT_FOUND", http.StatusNotFound},
		{"duplicate key", checkout.QuoteInput{Items: []checkout.LineInput{
			{Key: "a", ProductID: 10, Quantity: 1},
			{Key: "a", ProductID: 20, Quantity: 1},
		}}, "VALIDATION_ERROR", http.StatusUnprocessableEntity},
		{"negative shipping", checkout.QuoteInput{
			Items:        []checkout.LineInput{{ProductID: 10, Quantity: 1}},
			ShippingCost: dec("-1"),
		}, "VALIDATION_ERROR", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Quote(ctx, tc.in)
			var appErr *common.AppError
			require.True(t, errors.As(err, &appErr), "got %v", err)
			require.Equal(t, tc.code, appErr.Code)
			require.Equal(t, tc.status, appErr.HTTPStatus)
		})
	}
}

func TestTaxRatesAndSubtotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lines, err := f.svc.TaxRates(ctx, checkout.TaxRequest{TaxClassID: 1, Amount: dec("100"), Address: jakarta})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "PPN", lines[0].Name)
	requireDec(t, "11", lines[0].Total)

	lines, err = f.svc.TaxRates(ctx, checkout.TaxRequest{TaxClassID: 1, Amount: dec("100"), Address: &pricing.Address{Country: "SG"}})
	require.NoError(t, err)
	require.Empty(t, lines)

	sub, err := f.svc.Subtotal(ctx, checkout.TaxRequest{TaxClassID: 1, Amount: dec("111"), Address: jakarta})
	require.NoError(t, err)
	requireDec(t, "100", sub)

	_, err = f.svc.Subtotal(ctx, checkout.TaxRequest{Amount: dec("111")})
	require.True(t, common.IsAppError(err))
}
