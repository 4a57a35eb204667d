package catalog

import (
	"context"
	"sort"
	"sync"
)

// GroupSource lists customer groups.
type GroupSource interface {
	CustomerGroups(ctx context.Context) ([]Group, error)
}

// Groups memoises the customer group list until Reset is called.
type Groups struct {
	source GroupSource

	mu     sync.Mutex
	loaded bool
	list   []Group
	byID   map[int64]Group
}

// NewGroups wraps source with a resettable lookup cache.
func NewGroups(source GroupSource) *Groups {
	return &Groups{source: source}
}

// All returns every group ordered by ascending id.
func (g *Groups) All(ctx context.Context) ([]Group, error) {
	if err := g.load(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Group, len(g.list))
	copy(out, g.list)
	return out, nil
}

// Get returns the group with id.
func (g *Groups) Get(ctx context.Context, id int64) (Group, bool, error) {
	if err := g.load(ctx); err != nil {
		return Group{}, false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.byID[id]
	return group, ok, nil
}

// Reset drops the cached list.
func (g *Groups) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loaded = false
	g.list = nil
	g.byID = nil
}

func (g *Groups) load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return nil
	}
	list, err := g.source.CustomerGroups(ctx)
	if err != nil {
		return err
	}
	sorted := make([]Group, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	g.list = sorted
	g.byID = make(map[int64]Group, len(sorted))
	for _, group := range sorted {
		g.byID[group.ID] = group
	}
	g.loaded = true
	return nil
}
