package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/toko-pricing/internal/pricemap"
)

// PriceMaps persists compiled price maps as JSONB documents keyed by product
// and variant.
type PriceMaps struct {
	db Querier
}

// NewPriceMaps wraps a pool.
func NewPriceMaps(db Querier) *PriceMaps {
	return &PriceMaps{db: db}
}

var _ pricemap.Store = (*PriceMaps)(nil)

// Save replaces the stored map of m's record.
func (s *PriceMaps) Save(ctx context.Context, m pricemap.Map) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	doc, err := pricemap.Encode(m)
	if err != nil {
		return fmt.Errorf("encode price map: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO compiled_price_maps (product_id, variant_id, document, compiled_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (product_id, variant_id) DO UPDATE SET document = EXCLUDED.document, compiled_at = EXCLUDED.compiled_at`,
		m.ProductID, m.VariantID, string(doc))
	if err != nil {
		return fmt.Errorf("save price map %d/%d: %w", m.ProductID, m.VariantID, err)
	}
	return nil
}

// Load reads a stored map.
func (s *PriceMaps) Load(ctx context.Context, productID, variantID int64) (pricemap.Map, error) {
	if s == nil || s.db == nil {
		return pricemap.Map{}, ErrUnavailable
	}
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM compiled_price_maps WHERE product_id = $1 AND variant_id = $2`,
		productID, variantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricemap.Map{}, pricemap.ErrNotFound
	}
	if err != nil {
		return pricemap.Map{}, fmt.Errorf("load price map %d/%d: %w", productID, variantID, err)
	}
	return pricemap.Decode(doc)
}
