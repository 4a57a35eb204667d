package cartrule_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/cartrule"
	"github.com/noah-isme/toko-pricing/internal/condition"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/rules"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	wib   = time.FixedZone("WIB", 7*3600)
	clock = time.Date(2026, 6, 15, 10, 0, 0, 0, wib)
)

type fakeRules struct {
	list  []rules.Rule
	loads int
}

func (f *fakeRules) FindActiveRules(_ context.Context, kind rules.Kind, _ time.Time) ([]rules.Rule, error) {
	f.loads++
	out := []rules.Rule{}
	for _, r := range f.list {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) FindCouponRules(_ context.Context, code string) ([]rules.Rule, error) {
	out := []rules.Rule{}
	for _, r := range f.list {
		if strings.EqualFold(strings.TrimSpace(r.CouponCode), code) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeUsage struct {
	coupons   map[string]int
	customers map[[2]int64]int
	calls     int
}

func (f *fakeUsage) CouponUseCount(_ context.Context, code string) (int, error) {
	f.calls++
	return f.coupons[code], nil
}

func (f *fakeUsage) CustomerRuleUseCount(_ context.Context, customerID, ruleID int64) (int, error) {
	f.calls++
	return f.customers[[2]int64{customerID, ruleID}], nil
}

func newEvaluator(t *testing.T, list ...rules.Rule) (*cartrule.Evaluator, *fakeRules, *fakeUsage) {
	t.Helper()
	src := &fakeRules{list: list}
	usage := &fakeUsage{coupons: map[string]int{}, customers: map[[2]int64]int{}}
	ev, err := cartrule.NewEvaluator(cartrule.Config{
		Rules:        src,
		Usage:        usage,
		Location:     wib,
		Now:          func() time.Time { return clock },
		GuestGroupID: 1,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return ev, src, usage
}

func cartRule(id int64, order int, action rules.Action) rules.Rule {
	return rules.Rule{ID: id, Kind: rules.KindCart, Active: true, SortOrder: order, Action: action}
}

func pct(v string) rules.Action {
	return rules.Action{Kind: rules.ActionPercentDiscount, Value: dec(v)}
}

func amount(v string) rules.Action {
	return rules.Action{Kind: rules.ActionFixedDiscount, Value: dec(v)}
}

func basket() cartrule.Input {
	return cartrule.Input{
		PaymentMethod:  "bank_transfer",
		ShippingMethod: "jne-reg",
		ShippingCost:   dec("15"),
		Items: []cartrule.Item{
			{Key: "a", SKU: "A", Quantity: 1, UnitPrice: dec("100")},
			{Key: "b", SKU: "B", Quantity: 2, UnitPrice: dec("50")},
		},
		ShippingAddress: &pricing.Address{Country: "ID", City: "Bandung"},
	}
}

func TestEarlierRulesAreVisibleToLaterConditions(t *testing.T) {
	late := cartRule(2, 5, amount("20"))
	late.Condition = condition.Compare("cart_discount", condition.OpGt, 0)
	ev, _, _ := newEvaluator(t, late, cartRule(1, 1, pct("10")))

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.ActiveRules)
	require.Equal(t, []int64{1, 2}, res.AppliedRules)
	require.True(t, res.CartDiscount.Equal(dec("40")), res.CartDiscount.String())
}

func TestTerminatingRuleStopsOnlyWithNonZeroDiscount(t *testing.T) {
	idle := cartRule(1, 1, amount("0"))
	idle.Terminating = true
	stopper := cartRule(2, 2, pct("10"))
	stopper.Terminating = true
	ev, _, _ := newEvaluator(t, idle, stopper, cartRule(3, 3, pct("50")))

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.ActiveRules)
	require.Equal(t, []int64{2}, res.AppliedRules)
	require.True(t, res.CartDiscount.Equal(dec("20")))
}

func TestCouponUsageLimit(t *testing.T) {
	limit := 3
	coupon := cartRule(1, 1, pct("10"))
	coupon.CouponCode = "HEMAT"
	coupon.MaxCouponUses = &limit
	ev, _, usage := newEvaluator(t, coupon)
	in := basket()
	in.CouponCode = " hemat "

	usage.coupons["HEMAT"] = 2
	res, err := ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.AppliedRules)

	usage.coupons["HEMAT"] = 3
	res, err = ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Empty(t, res.ActiveRules)
	require.True(t, res.CartDiscount.IsZero())
}

func TestCouponGating(t *testing.T) {
	coupon := cartRule(1, 1, pct("10"))
	coupon.CouponCode = "HEMAT"
	ev, _, _ := newEvaluator(t, coupon, cartRule(2, 2, amount("5")))

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.Equal(t, []int64{2}, res.ActiveRules, "coupon rules need a code")

	in := basket()
	in.CouponCode = "HEMAT"
	res, err = ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.ActiveRules, "a code selects only its own rules")
}

func TestCustomerUsageLimitIgnoresGuests(t *testing.T) {
	once := 1
	r := cartRule(1, 1, pct("10"))
	r.MaxCustomerUses = &once
	ev, _, usage := newEvaluator(t, r)
	usage.customers[[2]int64{42, 1}] = 1

	in := basket()
	in.Customer = cartrule.Customer{ID: 42, GroupID: 1}
	res, err := ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Empty(t, res.ActiveRules)

	in.Customer = cartrule.Customer{}
	res, err = ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.ActiveRules)
}

func TestCustomerGroupGating(t *testing.T) {
	everyone := cartRule(1, 1, amount("1"))
	groupA := cartRule(2, 2, amount("1"))
	groupA.CustomerGroupIDs = []int64{5}
	ev, _, _ := newEvaluator(t, everyone, groupA)

	in := basket()
	in.Customer = cartrule.Customer{ID: 9, GroupID: 6}
	res, err := ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.ActiveRules)

	in.Customer.GroupID = 5
	res, err = ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.ActiveRules)
}

func TestPerItemDiscountsAreFlooredAtZero(t *testing.T) {
	surcharge := cartRule(1, 1, rules.Action{Kind: rules.ActionFixedDiscount, Value: dec("-20"), SKUs: []string{"A"}})
	ev, _, _ := newEvaluator(t, surcharge, cartRule(2, 2, pct("10")))

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.True(t, res.ItemDiscount("a").IsZero(), res.ItemDiscount("a").String())
	require.True(t, res.ItemDiscount("b").Equal(dec("5")))
	require.True(t, res.CartDiscount.Equal(dec("10")), res.CartDiscount.String())
}

func TestShippingDiscountDoesNotFeedSubtotal(t *testing.T) {
	shipping := cartRule(1, 1, rules.Action{Kind: rules.ActionFixedDiscount, Value: dec("10"), Target: rules.TargetShipping})
	shipping.FreeShippingOptions = []string{"jne-yes"}
	untouched := cartRule(2, 2, pct("10"))
	untouched.Condition = condition.All(
		condition.Compare("cart_discount", condition.OpEq, 0),
		condition.Compare("subtotal", condition.OpGte, 200),
	)
	ev, _, _ := newEvaluator(t, shipping, untouched)

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.AppliedRules)
	require.True(t, res.ShippingDiscount.Equal(dec("10")))
	require.True(t, res.CartDiscount.Equal(dec("20")))
	require.Equal(t, []string{"jne-yes"}, res.FreeShippingOptions)
}

func TestShippingEffectsAndConditionFields(t *testing.T) {
	grant := cartRule(1, 1, rules.Action{Kind: rules.ActionShippingOption, ShippingOption: "same-day"})
	grant.Condition = condition.All(
		condition.Compare("shipping_address.city", condition.OpEq, "bandung"),
		condition.Compare("skus", condition.OpContains, "B"),
		condition.Compare("payment_method", condition.OpIn, []any{"bank_transfer", "va"}),
	)
	free := cartRule(2, 2, rules.Action{Kind: rules.ActionFreeShipping})
	free.Condition = condition.Compare("shipping_address.zip", condition.OpEq, "40111")
	broken := cartRule(3, 3, rules.Action{Kind: "teleport"})
	ev, _, _ := newEvaluator(t, grant, free, broken)

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.ActiveRules, "missing zip is a non-match and broken actions are skipped")
	require.Equal(t, []string{"same-day"}, res.AddShippingOptions)
	require.False(t, res.FreeShipping)
	require.True(t, res.CartDiscount.IsZero())
}

func TestTaxInclusiveDiscount(t *testing.T) {
	ev, _, _ := newEvaluator(t, cartRule(1, 1, pct("10")))
	in := basket()
	in.Items[0].UnitPriceInclTax = dec("111")
	res, err := ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.CartDiscount.Equal(dec("20")))
	require.True(t, res.ItemDiscountsInclTax["a"].Equal(dec("11.1")))
	require.True(t, res.CartDiscountInclTax.Equal(dec("21.1")), res.CartDiscountInclTax.String())
}

func TestDateWindowUsesLocalTime(t *testing.T) {
	ended := clock.Add(-24 * time.Hour)
	endOfToday := time.Date(2026, 6, 15, 0, 0, 0, 0, wib)
	expired := cartRule(1, 1, amount("1"))
	expired.DateEnd = &ended
	today := cartRule(2, 2, amount("1"))
	today.DateEnd = &endOfToday
	ev, _, _ := newEvaluator(t, expired, today)

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.Equal(t, []int64{2}, res.ActiveRules)
}

func TestSessionCachesUntilReset(t *testing.T) {
	limit := 5
	r := cartRule(1, 1, pct("10"))
	r.CouponCode = "HEMAT"
	r.MaxCouponUses = &limit
	ev, src, usage := newEvaluator(t, r)
	in := basket()
	in.CouponCode = "HEMAT"

	session := ev.NewSession()
	first, err := session.EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	second, err := session.EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, src.loads)
	require.Equal(t, 1, usage.calls)

	session.Reset()
	_, err = session.EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads)
	require.Equal(t, 2, usage.calls)
}

func TestNewEvaluatorRequiresDependencies(t *testing.T) {
	_, err := cartrule.NewEvaluator(cartrule.Config{})
	require.Error(t, err)
}

func TestKeylessLinesSharingSKUKeepTheirOwnDiscount(t *testing.T) {
	follow := cartRule(2, 2, amount("3"))
	follow.Condition = condition.Compare("cart_discount", condition.OpEq, 2)
	ev, _, _ := newEvaluator(t, cartRule(1, 1, pct("10")), follow)

	in := cartrule.Input{Items: []cartrule.Item{
		{SKU: "A", Quantity: 1, UnitPrice: dec("10")},
		{SKU: "A", Quantity: 1, UnitPrice: dec("10")},
	}}
	res, err := ev.NewSession().EvaluateDiscount(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.AppliedRules, "second rule sees both lines discounted")
	require.Len(t, res.ItemDiscounts, 2)
	require.True(t, res.ItemDiscount("A").Equal(dec("2.5")), res.ItemDiscount("A").String())
	require.True(t, res.ItemDiscount("A#1").Equal(dec("2.5")), res.ItemDiscount("A#1").String())
	require.True(t, res.CartDiscount.Equal(dec("5")), res.CartDiscount.String())
}

func TestFreeShippingScopeComesFromGrantingRules(t *testing.T) {
	everywhere := cartRule(1, 1, rules.Action{Kind: rules.ActionFreeShipping})
	scopedDiscount := cartRule(2, 2, pct("10"))
	scopedDiscount.FreeShippingOptions = []string{"jne-yes"}
	ev, _, _ := newEvaluator(t, everywhere, scopedDiscount)

	res, err := ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.True(t, res.FreeShipping)
	require.True(t, res.FreeShippingAnyMethod)
	require.Empty(t, res.FreeShippingMethods)
	require.Equal(t, []string{"jne-yes"}, res.FreeShippingOptions)

	scoped := cartRule(3, 1, rules.Action{Kind: rules.ActionFreeShipping})
	scoped.FreeShippingOptions = []string{"same-day"}
	ev, _, _ = newEvaluator(t, scoped, scopedDiscount)
	res, err = ev.NewSession().EvaluateDiscount(context.Background(), basket())
	require.NoError(t, err)
	require.False(t, res.FreeShippingAnyMethod)
	require.Equal(t, []string{"same-day"}, res.FreeShippingMethods)
}
