package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// CatalogFunc computes a new product price for an extension action.
type CatalogFunc func(params map[string]any, price decimal.Decimal) (decimal.Decimal, error)

// CartFunc computes a cart effect for an extension action.
type CartFunc func(params map[string]any, state CartState) (CartEffect, error)

// Registry maps extension identifiers to host-provided implementations.
type Registry struct {
	mu      sync.RWMutex
	catalog map[string]CatalogFunc
	cart    map[string]CartFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{catalog: map[string]CatalogFunc{}, cart: map[string]CartFunc{}}
}

// RegisterCatalog installs fn under name for catalog rules.
func (r *Registry) RegisterCatalog(name string, fn CatalogFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog[normalizeName(name)] = fn
}

// RegisterCart installs fn under name for cart rules.
func (r *Registry) RegisterCart(name string, fn CartFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cart[normalizeName(name)] = fn
}

// CatalogPrice implements Extensions.
func (r *Registry) CatalogPrice(name string, params map[string]any, price decimal.Decimal) (decimal.Decimal, error) {
	if r == nil {
		return price, fmt.Errorf("%w: extension %q", ErrUnknownAction, name)
	}
	r.mu.RLock()
	fn, ok := r.catalog[normalizeName(name)]
	r.mu.RUnlock()
	if !ok || fn == nil {
		return price, fmt.Errorf("%w: extension %q", ErrUnknownAction, name)
	}
	return fn(params, price)
}

// CartEffect implements Extensions.
func (r *Registry) CartEffect(name string, params map[string]any, state CartState) (CartEffect, error) {
	if r == nil {
		return CartEffect{}, fmt.Errorf("%w: extension %q", ErrUnknownAction, name)
	}
	r.mu.RLock()
	fn, ok := r.cart[normalizeName(name)]
	r.mu.RUnlock()
	if !ok || fn == nil {
		return CartEffect{}, fmt.Errorf("%w: extension %q", ErrUnknownAction, name)
	}
	return fn(params, state)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
