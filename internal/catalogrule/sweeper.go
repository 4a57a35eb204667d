package catalogrule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricemap"
	"github.com/noah-isme/toko-pricing/internal/rules"
)

// Source is the catalog data a sweep reads.
type Source interface {
	FindActiveRules(ctx context.Context, kind rules.Kind, asOf time.Time) ([]rules.Rule, error)
	CustomerGroups(ctx context.Context) ([]catalog.Group, error)
	Product(ctx context.Context, id int64) (catalog.Product, error)
}

// Sweeper recompiles the catalog in fixed-size chunks. It keeps no state
// between calls beyond the product ids handed back by Step.
type Sweeper struct {
	Compiler    *Compiler
	Source      Source
	Store       pricemap.Store
	ChunkSize   int
	Concurrency int
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Step compiles at most ChunkSize products from the head of remaining and
// returns the ids still to do. On failure the returned slice still holds the
// products that did not compile, so calling Step again resumes the sweep.
func (s *Sweeper) Step(ctx context.Context, remaining []int64) (rest []int64, err error) {
	if len(remaining) == 0 {
		return nil, nil
	}
	if s.Compiler == nil || s.Source == nil || s.Store == nil {
		return remaining, errors.New("catalogrule: sweeper not configured")
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 100
	}
	if size > len(remaining) {
		size = len(remaining)
	}
	chunk, tail := remaining[:size], remaining[size:]

	ctx, span := obs.Tracer("catalogrule").Start(ctx, "catalogrule.sweep_chunk")
	span.SetAttributes(attribute.Int("chunk.size", len(chunk)), attribute.Int("sweep.remaining", len(remaining)))
	start := time.Now()
	defer func() {
		if obs.CatalogChunkDuration != nil {
			obs.CatalogChunkDuration.Observe(obs.DurationMillis(time.Since(start)))
		}
		obs.EndSpan(span, err)
	}()

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	active, err := s.Source.FindActiveRules(ctx, rules.KindCatalog, now)
	if err != nil {
		return remaining, fmt.Errorf("load catalog rules: %w", err)
	}
	groups, err := s.Source.CustomerGroups(ctx)
	if err != nil {
		return remaining, fmt.Errorf("load customer groups: %w", err)
	}

	failed := s.compileChunk(ctx, chunk, groups, active)
	if len(failed) == 0 {
		return tail, nil
	}
	ids := make([]int64, 0, len(failed)+len(tail))
	errs := make([]error, 0, len(failed))
	for _, id := range chunk {
		if ferr, ok := failed[id]; ok {
			ids = append(ids, id)
			errs = append(errs, fmt.Errorf("product %d: %w", id, ferr))
		}
	}
	return append(ids, tail...), errors.Join(errs...)
}

func (s *Sweeper) compileChunk(ctx context.Context, chunk []int64, groups []catalog.Group, active []rules.Rule) map[int64]error {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = map[int64]error{}
	)
	for _, id := range chunk {
		if ctx.Err() != nil {
			mu.Lock()
			failed[id] = ctx.Err()
			mu.Unlock()
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id int64) {
			defer func() { <-sem }()
			defer wg.Done()
			if err := s.compileOne(ctx, id, groups, active); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failed
}

func (s *Sweeper) compileOne(ctx context.Context, id int64, groups []catalog.Group, active []rules.Rule) error {
	product, err := s.Source.Product(ctx, id)
	if errors.Is(err, catalog.ErrProductNotFound) {
		s.Logger.Info().Int64("product_id", id).Msg("product vanished before compilation; skipping")
		countCompiled("skipped")
		return nil
	}
	if err != nil {
		countCompiled("error")
		return err
	}
	base, variants, err := s.Compiler.Compile(ctx, product, groups, active)
	if err != nil {
		countCompiled("error")
		return err
	}
	for _, m := range append([]pricemap.Map{base}, variants...) {
		if err := s.Store.Save(ctx, m); err != nil {
			countCompiled("error")
			return fmt.Errorf("save price map: %w", err)
		}
	}
	countCompiled("ok")
	return nil
}

// Run drives Step until every id is compiled or a step fails.
func (s *Sweeper) Run(ctx context.Context, ids []int64) error {
	rest := ids
	for len(rest) > 0 {
		next, err := s.Step(ctx, rest)
		if err != nil {
			return err
		}
		rest = next
	}
	return nil
}

func countCompiled(result string) {
	if obs.CatalogProductsCompiled != nil {
		obs.CatalogProductsCompiled.WithLabelValues(result).Inc()
	}
}
