package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/toko-pricing/internal/condition"
)

// Kind separates catalog rules (compiled ahead of time) from cart rules
// (evaluated per checkout).
type Kind string

const (
	KindCatalog Kind = "catalog"
	KindCart    Kind = "cart"
)

var (
	// ErrInvalidRule is returned by Validate when a rule cannot be saved.
	ErrInvalidRule = errors.New("rules: invalid rule")
	// ErrDateWindow indicates date_start falls after date_end.
	ErrDateWindow = errors.New("rules: date_start must not be after date_end")
)

// Rule is a catalog or cart price rule. Cart-only fields are ignored for
// catalog rules.
type Rule struct {
	ID               int64          `json:"id" validate:"required,gt=0"`
	Kind             Kind           `json:"kind" validate:"required,oneof=catalog cart"`
	Name             string         `json:"name"`
	Active           bool           `json:"active"`
	SortOrder        int            `json:"sort_order"`
	DateStart        *time.Time     `json:"date_start,omitempty"`
	DateEnd          *time.Time     `json:"date_end,omitempty"`
	Terminating      bool           `json:"terminating"`
	CustomerGroupIDs []int64        `json:"customer_group_ids,omitempty" validate:"dive,gt=0"`
	Condition        condition.Node `json:"condition"`
	Action           Action         `json:"action"`

	CouponID            *int64   `json:"coupon_id,omitempty"`
	CouponCode          string   `json:"coupon_code,omitempty"`
	MaxCouponUses       *int     `json:"max_coupon_uses,omitempty" validate:"omitempty,gte=0"`
	MaxCustomerUses     *int     `json:"max_customer_uses,omitempty" validate:"omitempty,gte=0"`
	FreeShippingOptions []string `json:"free_shipping_options,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate runs save-time checks. Evaluation never calls it: a stored rule
// with a broken window simply never matches.
func (r Rule) Validate() error {
	if err := structValidator().Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if r.DateStart != nil && r.DateEnd != nil && r.DateStart.After(*r.DateEnd) {
		return ErrDateWindow
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if r.Kind == KindCart && r.CouponCode == "" && r.CouponID != nil {
		return fmt.Errorf("%w: coupon id %d has no code", ErrInvalidRule, *r.CouponID)
	}
	return nil
}

// AppliesToGroup reports whether the rule targets group. An empty group set
// targets every group.
func (r Rule) AppliesToGroup(group int64) bool {
	if len(r.CustomerGroupIDs) == 0 {
		return true
	}
	for _, id := range r.CustomerGroupIDs {
		if id == group {
			return true
		}
	}
	return false
}

// ActiveAt reports whether now falls inside the inclusive date window,
// interpreted in loc. An end bound at local midnight covers that whole day.
func (r Rule) ActiveAt(now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	if r.DateStart != nil && local.Before(r.DateStart.In(loc)) {
		return false
	}
	if r.DateEnd != nil && local.After(windowEnd(*r.DateEnd, loc)) {
		return false
	}
	return true
}

// NotYetActive reports whether the window opens after now.
func (r Rule) NotYetActive(now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	return r.DateStart != nil && now.In(loc).Before(r.DateStart.In(loc))
}

// Expired reports whether the window closed before now.
func (r Rule) Expired(now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	return r.DateEnd != nil && now.In(loc).After(windowEnd(*r.DateEnd, loc))
}

func windowEnd(end time.Time, loc *time.Location) time.Time {
	e := end.In(loc)
	if e.Hour() == 0 && e.Minute() == 0 && e.Second() == 0 && e.Nanosecond() == 0 {
		return e.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return e
}

// MatchesCoupon compares coupon codes trimmed and case-insensitively. A rule
// without a coupon only matches an empty code.
func (r Rule) MatchesCoupon(code string) bool {
	return strings.EqualFold(strings.TrimSpace(r.CouponCode), strings.TrimSpace(code))
}

// HasCoupon reports whether the rule is coupon gated.
func (r Rule) HasCoupon() bool {
	return strings.TrimSpace(r.CouponCode) != ""
}

// Sort orders rules by ascending sort order, ties broken by ascending id.
func Sort(list []Rule) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].SortOrder != list[j].SortOrder {
			return list[i].SortOrder < list[j].SortOrder
		}
		return list[i].ID < list[j].ID
	})
}

// Sorted returns a sorted copy, leaving the input untouched.
func Sorted(list []Rule) []Rule {
	out := make([]Rule, len(list))
	copy(out, list)
	Sort(out)
	return out
}
