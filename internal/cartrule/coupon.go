package cartrule

import (
	"context"
	"fmt"

	"github.com/noah-isme/toko-pricing/internal/rules"
)

// CouponReason explains why a coupon cannot be used.
type CouponReason string

const (
	ReasonNone               CouponReason = ""
	ReasonNotFound           CouponReason = "not_found"
	ReasonNotYetActive       CouponReason = "not_yet_active"
	ReasonExpired            CouponReason = "expired"
	ReasonExceededUses       CouponReason = "exceeded_uses"
	ReasonWrongCustomerGroup CouponReason = "wrong_customer_group"
)

// CouponCheck is the result of ValidateCoupon.
type CouponCheck struct {
	Code    string       `json:"code"`
	Valid   bool         `json:"valid"`
	Reason  CouponReason `json:"reason,omitempty"`
	RuleIDs []int64      `json:"rule_ids,omitempty"`
}

// ValidateCoupon tells a shopper whether code can be used. The coupon is
// valid when any of its rules would be active. Otherwise the reason comes
// from the first rule in sort order.
func (s *Session) ValidateCoupon(ctx context.Context, code string, customer Customer) (CouponCheck, error) {
	check := CouponCheck{Code: normalizeCode(code)}
	if check.Code == "" {
		check.Reason = ReasonNotFound
		return check, nil
	}
	found, err := s.e.rules.FindCouponRules(ctx, check.Code)
	if err != nil {
		return CouponCheck{}, fmt.Errorf("load coupon rules: %w", err)
	}
	candidates := make([]rules.Rule, 0, len(found))
	for _, r := range found {
		if r.Active && (r.Kind == "" || r.Kind == rules.KindCart) && r.HasCoupon() && r.MatchesCoupon(check.Code) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		check.Reason = ReasonNotFound
		return check, nil
	}
	rules.Sort(candidates)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return CouponCheck{}, err
	}
	first := ReasonNone
	for _, r := range candidates {
		reason, err := s.couponReasonLocked(ctx, r, customer)
		if err != nil {
			return CouponCheck{}, err
		}
		if reason == ReasonNone {
			check.RuleIDs = append(check.RuleIDs, r.ID)
			continue
		}
		if first == ReasonNone {
			first = reason
		}
	}
	if len(check.RuleIDs) > 0 {
		check.Valid = true
		return check, nil
	}
	check.Reason = first
	return check, nil
}

func (s *Session) couponReasonLocked(ctx context.Context, r rules.Rule, customer Customer) (CouponReason, error) {
	switch {
	case r.NotYetActive(s.now, s.e.loc):
		return ReasonNotYetActive, nil
	case r.Expired(s.now, s.e.loc):
		return ReasonExpired, nil
	}
	exhausted, err := s.exhaustedLocked(ctx, r, customer)
	if err != nil {
		return ReasonNone, err
	}
	if exhausted {
		return ReasonExceededUses, nil
	}
	if !r.AppliesToGroup(s.groupOf(customer)) {
		return ReasonWrongCustomerGroup, nil
	}
	return ReasonNone, nil
}
