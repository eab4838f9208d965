package provider

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCounter is an in-memory CounterStore.
type memCounter struct{ n uint64 }

func (m *memCounter) NextCounter(context.Context, string) (uint64, error) {
	return atomic.AddUint64(&m.n, 1), nil
}

// catalogProvider is a minimal adapter with a static catalog.
type catalogProvider struct {
	Provider
	id    string
	plans []Plan
}

func (c *catalogProvider) Info() Info { return Info{ID: c.id, Name: c.id} }

func (c *catalogProvider) ListPlans(_ context.Context, tier *Tier) ([]Plan, error) {
	plans := make([]Plan, len(c.plans))
	copy(plans, c.plans)
	return FilterPlans(plans, tier), nil
}

func staticFactory(id string, plans ...Plan) Factory {
	return func(Credentials, *slog.Logger) (Provider, error) {
		return &catalogProvider{id: id, plans: plans}, nil
	}
}

func testRegistry(t *testing.T, weights map[string]int) *Registry {
	t.Helper()
	r := NewRegistry(&memCounter{}, slog.Default())

	creds := make(map[string]Credentials)
	for id, w := range weights {
		r.Register(id, w, staticFactory(id))
		creds[id] = Credentials{}
	}
	require.NoError(t, r.Configure(creds))
	return r
}

func TestSelectWeightedDistribution(t *testing.T) {
	weights := map[string]int{"a": 40, "b": 20, "c": 20, "d": 10, "e": 10}
	r := testRegistry(t, weights)

	// Two full rotations over the pool must hit every provider exactly
	// twice its weight.
	total := 0
	for _, w := range weights {
		total += w
	}

	picks := make(map[string]int)
	for i := 0; i < 2*total; i++ {
		p, err := r.Select(context.Background())
		require.NoError(t, err)
		picks[p.Info().ID]++
	}

	for id, w := range weights {
		assert.Equal(t, 2*w, picks[id], "provider %s", id)
	}
}

func TestSelectFirstPick(t *testing.T) {
	r := testRegistry(t, map[string]int{"a": 40, "b": 20})

	// Fresh counter: the first selection lands on pool[0], which is the
	// lowest id with positive weight.
	p, err := r.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", p.Info().ID)
}

func TestSelectSkipsZeroWeight(t *testing.T) {
	r := testRegistry(t, map[string]int{"a": 1, "stub": 0})

	for i := 0; i < 5; i++ {
		p, err := r.Select(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", p.Info().ID)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	r := NewRegistry(&memCounter{}, slog.Default())
	_, err := r.Select(context.Background())
	assert.Error(t, err)
}

func TestCheapest(t *testing.T) {
	r := NewRegistry(&memCounter{}, slog.Default())
	r.Register("cheap", 1, staticFactory("cheap",
		Plan{ID: "c1", CPU: 2, RAMGB: 4, DiskGB: 40, MonthlyPrice: 4.5, ProviderID: "cheap"},
	))
	r.Register("pricey", 1, staticFactory("pricey",
		Plan{ID: "p1", CPU: 2, RAMGB: 4, DiskGB: 40, MonthlyPrice: 9.0, ProviderID: "pricey"},
		Plan{ID: "p2", CPU: 8, RAMGB: 16, DiskGB: 160, MonthlyPrice: 40.0, ProviderID: "pricey"},
	))
	require.NoError(t, r.Configure(map[string]Credentials{"cheap": {}, "pricey": {}}))

	p, plan, err := r.Cheapest(context.Background(), TierStarter)
	require.NoError(t, err)
	assert.Equal(t, "cheap", p.Info().ID)
	assert.Equal(t, "c1", plan.ID)

	// Only pricey can serve tier 3.
	p, plan, err = r.Cheapest(context.Background(), TierPro)
	require.NoError(t, err)
	assert.Equal(t, "pricey", p.Info().ID)
	assert.Equal(t, "p2", plan.ID)
}

func TestComparePlans(t *testing.T) {
	r := NewRegistry(&memCounter{}, slog.Default())
	r.Register("x", 1, staticFactory("x",
		Plan{ID: "x1", CPU: 4, RAMGB: 8, DiskGB: 80, MonthlyPrice: 12, ProviderID: "x"},
	))
	r.Register("y", 1, staticFactory("y",
		Plan{ID: "y1", CPU: 4, RAMGB: 8, DiskGB: 80, MonthlyPrice: 8, ProviderID: "y"},
	))
	require.NoError(t, r.Configure(map[string]Credentials{"x": {}, "y": {}}))

	plans, err := r.ComparePlans(context.Background(), TierStandard)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "y1", plans[0].ID)
	assert.Equal(t, "x1", plans[1].ID)
}

func TestListSorted(t *testing.T) {
	r := testRegistry(t, map[string]int{"zeta": 1, "alpha": 1})
	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, "zeta", infos[1].ID)
}
