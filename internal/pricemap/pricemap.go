package pricemap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// SchemaVersion is written into every encoded map.
const SchemaVersion = 1

var (
	// ErrNotFound is returned by stores when no map exists for a key.
	ErrNotFound = errors.New("pricemap: not found")
	// ErrUnsupportedVersion is returned when decoding a newer schema.
	ErrUnsupportedVersion = errors.New("pricemap: unsupported schema version")
)

// Map is the compiled price table of one product or Option-Matrix variant.
// VariantID is zero for the base product.
type Map struct {
	ProductID   int64
	VariantID   int64
	Prices      map[int64]map[int]decimal.Decimal
	Attribution map[int64][]int64
}

// New returns an empty map for the given record.
func New(productID, variantID int64) Map {
	return Map{
		ProductID:   productID,
		VariantID:   variantID,
		Prices:      map[int64]map[int]decimal.Decimal{},
		Attribution: map[int64][]int64{},
	}
}

// Set stores the price of group at quantity tier qty.
func (m *Map) Set(group int64, qty int, price decimal.Decimal) {
	if m.Prices == nil {
		m.Prices = map[int64]map[int]decimal.Decimal{}
	}
	tiers, ok := m.Prices[group]
	if !ok {
		tiers = map[int]decimal.Decimal{}
		m.Prices[group] = tiers
	}
	tiers[qty] = price
}

// Attribute records that rule touched group, keeping first-seen order.
func (m *Map) Attribute(group, rule int64) {
	if m.Attribution == nil {
		m.Attribution = map[int64][]int64{}
	}
	for _, id := range m.Attribution[group] {
		if id == rule {
			return
		}
	}
	m.Attribution[group] = append(m.Attribution[group], rule)
}

// PriceFor returns the price of the highest tier not above qty.
func (m Map) PriceFor(group int64, qty int) (decimal.Decimal, bool) {
	tiers, ok := m.Prices[group]
	if !ok || len(tiers) == 0 {
		return decimal.Zero, false
	}
	best := -1
	for tier := range tiers {
		if tier <= qty && tier > best {
			best = tier
		}
	}
	if best < 0 {
		return decimal.Zero, false
	}
	return tiers[best], true
}

// Equal compares two maps by value.
func (m Map) Equal(other Map) bool {
	if m.ProductID != other.ProductID || m.VariantID != other.VariantID {
		return false
	}
	if len(m.Prices) != len(other.Prices) || len(m.Attribution) != len(other.Attribution) {
		return false
	}
	for group, tiers := range m.Prices {
		otherTiers, ok := other.Prices[group]
		if !ok || len(tiers) != len(otherTiers) {
			return false
		}
		for qty, price := range tiers {
			p, ok := otherTiers[qty]
			if !ok || !p.Equal(price) {
				return false
			}
		}
	}
	for group, ids := range m.Attribution {
		otherIDs := other.Attribution[group]
		if len(ids) != len(otherIDs) {
			return false
		}
		for i := range ids {
			if ids[i] != otherIDs[i] {
				return false
			}
		}
	}
	return true
}

// Row is one price entry in the persisted schema.
type Row struct {
	GroupID  int64           `json:"group_id"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// RuleSet lists the rules applied to one group in application order.
type RuleSet struct {
	GroupID int64   `json:"group_id"`
	RuleIDs []int64 `json:"rule_ids"`
}

type document struct {
	Version     int       `json:"version"`
	ProductID   int64     `json:"product_id"`
	VariantID   int64     `json:"variant_id,omitempty"`
	Rows        []Row     `json:"rows"`
	Attribution []RuleSet `json:"attribution"`
}

// Rows flattens the price table sorted by group then quantity.
func (m Map) Rows() []Row {
	rows := make([]Row, 0)
	for group, tiers := range m.Prices {
		for qty, price := range tiers {
			rows = append(rows, Row{GroupID: group, Quantity: qty, Price: price})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].GroupID != rows[j].GroupID {
			return rows[i].GroupID < rows[j].GroupID
		}
		return rows[i].Quantity < rows[j].Quantity
	})
	return rows
}

// MarshalJSON writes the versioned schema. Output is byte-identical for maps
// with identical content.
func (m Map) MarshalJSON() ([]byte, error) {
	doc := document{
		Version:     SchemaVersion,
		ProductID:   m.ProductID,
		VariantID:   m.VariantID,
		Rows:        m.Rows(),
		Attribution: make([]RuleSet, 0, len(m.Attribution)),
	}
	for group, ids := range m.Attribution {
		doc.Attribution = append(doc.Attribution, RuleSet{GroupID: group, RuleIDs: append([]int64(nil), ids...)})
	}
	sort.Slice(doc.Attribution, func(i, j int) bool { return doc.Attribution[i].GroupID < doc.Attribution[j].GroupID })
	return json.Marshal(doc)
}

// UnmarshalJSON reads the versioned schema.
func (m *Map) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Version > SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	out := New(doc.ProductID, doc.VariantID)
	for _, row := range doc.Rows {
		out.Set(row.GroupID, row.Quantity, row.Price)
	}
	for _, set := range doc.Attribution {
		out.Attribution[set.GroupID] = append([]int64(nil), set.RuleIDs...)
	}
	*m = out
	return nil
}

// Encode serialises m.
func Encode(m Map) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an encoded map.
func Decode(data []byte) (Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return Map{}, err
	}
	return m, nil
}

// Store persists compiled maps alongside their product records.
type Store interface {
	Save(ctx context.Context, m Map) error
	Load(ctx context.Context, productID, variantID int64) (Map, error)
}
