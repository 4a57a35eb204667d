package cartrule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/rules"
)

// RuleSource loads cart rules.
type RuleSource interface {
	FindActiveRules(ctx context.Context, kind rules.Kind, asOf time.Time) ([]rules.Rule, error)
	// FindCouponRules returns every cart rule carrying code, whatever its
	// date window, so coupon validation can explain why it does not apply.
	FindCouponRules(ctx context.Context, code string) ([]rules.Rule, error)
}

// UsageCounter reports how often coupons and rules were used by completed
// orders.
type UsageCounter interface {
	CouponUseCount(ctx context.Context, code string) (int, error)
	CustomerRuleUseCount(ctx context.Context, customerID, ruleID int64) (int, error)
}

// Customer identifies the shopper. A zero ID is a guest.
type Customer struct {
	ID      int64 `json:"id"`
	GroupID int64 `json:"group_id"`
}

// Config groups Evaluator dependencies.
type Config struct {
	Rules        RuleSource
	Usage        UsageCounter
	Extensions   rules.Extensions
	Location     *time.Location
	Now          func() time.Time
	GuestGroupID int64
	Logger       zerolog.Logger
}

// Evaluator is the long-lived half of cart rule evaluation. Per-request work
// goes through a Session.
type Evaluator struct {
	rules      RuleSource
	usage      UsageCounter
	ext        rules.Extensions
	loc        *time.Location
	now        func() time.Time
	guestGroup int64
	logger     zerolog.Logger
}

// NewEvaluator validates cfg and builds an evaluator.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Rules == nil {
		return nil, fmt.Errorf("cartrule: rule source is required")
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("cartrule: usage counter is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		rules:      cfg.Rules,
		usage:      cfg.Usage,
		ext:        cfg.Extensions,
		loc:        loc,
		now:        now,
		guestGroup: cfg.GuestGroupID,
		logger:     cfg.Logger,
	}, nil
}

// NewSession starts a request-scoped evaluation with empty caches.
func (e *Evaluator) NewSession() *Session {
	return &Session{e: e}
}

type activeKey struct {
	coupon   string
	customer int64
	group    int64
}

type usageKey struct {
	customer int64
	rule     int64
}

// Session caches the active rule list per (coupon, customer) and the usage
// counts behind it. It must not outlive the request it was created for.
type Session struct {
	e *Evaluator

	mu            sync.Mutex
	loaded        bool
	now           time.Time
	cartRules     []rules.Rule
	active        map[activeKey][]rules.Rule
	couponCounts  map[string]int
	customerCount map[usageKey]int
}

// Reset drops every cached rule list and usage count.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.cartRules = nil
	s.active = nil
	s.couponCounts = nil
	s.customerCount = nil
}

// groupOf maps guests without a group to the configured guest group.
func (s *Session) groupOf(c Customer) int64 {
	if c.GroupID == 0 {
		return s.e.guestGroup
	}
	return c.GroupID
}

// ActiveRules returns the sorted cart rules that may apply for coupon and
// customer right now.
func (s *Session) ActiveRules(ctx context.Context, coupon string, customer Customer) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	code := normalizeCode(coupon)
	key := activeKey{coupon: code, customer: customer.ID, group: s.groupOf(customer)}
	if list, ok := s.active[key]; ok {
		return list, nil
	}

	list := make([]rules.Rule, 0, len(s.cartRules))
	for _, r := range s.cartRules {
		if !r.Active || !r.ActiveAt(s.now, s.e.loc) {
			continue
		}
		if code == "" {
			if r.HasCoupon() {
				continue
			}
		} else if !r.HasCoupon() || !r.MatchesCoupon(code) {
			continue
		}
		if !r.AppliesToGroup(key.group) {
			continue
		}
		exhausted, err := s.exhaustedLocked(ctx, r, customer)
		if err != nil {
			return nil, err
		}
		if exhausted {
			continue
		}
		list = append(list, r)
	}
	s.active[key] = list
	return list, nil
}

func (s *Session) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	now := s.e.now()
	list, err := s.e.rules.FindActiveRules(ctx, rules.KindCart, now)
	if err != nil {
		return fmt.Errorf("load cart rules: %w", err)
	}
	cart := make([]rules.Rule, 0, len(list))
	for _, r := range list {
		if r.Kind == "" || r.Kind == rules.KindCart {
			cart = append(cart, r)
		}
	}
	rules.Sort(cart)
	s.now = now
	s.cartRules = cart
	s.active = map[activeKey][]rules.Rule{}
	if s.couponCounts == nil {
		s.couponCounts = map[string]int{}
	}
	if s.customerCount == nil {
		s.customerCount = map[usageKey]int{}
	}
	s.loaded = true
	return nil
}

// exhaustedLocked reports whether a usage limit of r has been reached.
// Guests have no order history, so only the coupon limit applies to them.
func (s *Session) exhaustedLocked(ctx context.Context, r rules.Rule, customer Customer) (bool, error) {
	if r.MaxCouponUses != nil && r.HasCoupon() {
		code := normalizeCode(r.CouponCode)
		count, ok := s.couponCounts[code]
		if !ok {
			n, err := s.e.usage.CouponUseCount(ctx, code)
			if err != nil {
				return false, fmt.Errorf("coupon use count: %w", err)
			}
			count = n
			s.couponCounts[code] = n
		}
		if count >= *r.MaxCouponUses {
			return true, nil
		}
	}
	if r.MaxCustomerUses != nil && customer.ID != 0 {
		key := usageKey{customer: customer.ID, rule: r.ID}
		count, ok := s.customerCount[key]
		if !ok {
			n, err := s.e.usage.CustomerRuleUseCount(ctx, customer.ID, r.ID)
			if err != nil {
				return false, fmt.Errorf("customer rule use count: %w", err)
			}
			count = n
			s.customerCount[key] = n
		}
		if count >= *r.MaxCustomerUses {
			return true, nil
		}
	}
	return false, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
