package catalogrule_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/catalogrule"
	"github.com/noah-isme/toko-pricing/internal/pricemap"
	"github.com/noah-isme/toko-pricing/internal/rules"
)

type fakeSource struct {
	mu       sync.Mutex
	products map[int64]catalog.Product
	broken   map[int64]bool
	rules    []rules.Rule
}

func (f *fakeSource) FindActiveRules(_ context.Context, kind rules.Kind, _ time.Time) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(f.rules))
	for _, r := range f.rules {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) CustomerGroups(context.Context) ([]catalog.Group, error) {
	return groups, nil
}

func (f *fakeSource) Product(_ context.Context, id int64) (catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[id] {
		return catalog.Product{}, errors.New("connection reset")
	}
	p, ok := f.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	return p, nil
}

func (f *fakeSource) heal(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.broken, id)
}

func newSweepFixture() (*fakeSource, *pricemap.MemoryStore, *catalogrule.Sweeper) {
	src := &fakeSource{
		products: map[int64]catalog.Product{},
		broken:   map[int64]bool{2: true},
		rules:    []rules.Rule{percent(1, 1, "10")},
	}
	for _, id := range []int64{1, 2, 3} {
		p := sampleProduct()
		p.ID = id
		src.products[id] = p
	}
	store := pricemap.NewMemoryStore()
	sweeper := &catalogrule.Sweeper{
		Compiler:    catalogrule.NewCompiler(nil, zerolog.Nop()),
		Source:      src,
		Store:       store,
		ChunkSize:   2,
		Concurrency: 2,
		Logger:      zerolog.Nop(),
	}
	return src, store, sweeper
}

func TestSweepStepIsResumable(t *testing.T) {
	src, store, sweeper := newSweepFixture()
	ctx := context.Background()

	rest, err := sweeper.Step(ctx, []int64{1, 2, 3, 4})
	require.Error(t, err)
	require.Equal(t, []int64{2, 3, 4}, rest)
	require.Equal(t, 1, store.Len())

	src.heal(2)
	rest, err = sweeper.Step(ctx, rest)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, rest)

	rest, err = sweeper.Step(ctx, rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, 3, store.Len(), "missing products are skipped")

	m, err := store.Load(ctx, 3, 0)
	require.NoError(t, err)
	requirePrice(t, m, 1, 1, "90")
}

func TestSweepRunCompilesEverything(t *testing.T) {
	src, store, sweeper := newSweepFixture()
	src.heal(2)
	require.NoError(t, sweeper.Run(context.Background(), []int64{3, 2, 1}))
	require.Equal(t, 3, store.Len())

	first, ok := store.Raw(1, 0)
	require.True(t, ok)
	require.NoError(t, sweeper.Run(context.Background(), []int64{1}))
	second, _ := store.Raw(1, 0)
	require.Equal(t, first, second)
}

func TestSweepStepWithoutWork(t *testing.T) {
	_, _, sweeper := newSweepFixture()
	rest, err := sweeper.Step(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, rest)
}
