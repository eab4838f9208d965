package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
)

// Credentials is the per-vendor secret material supplied from
// configuration. Adapters read whichever fields their vendor needs.
type Credentials struct {
	Token        string
	ClientID     string
	ClientSecret string
}

// Factory constructs an adapter once credentials are available.
type Factory func(creds Credentials, logger *slog.Logger) (Provider, error)

// CounterStore persists the round-robin cursor across restarts.
// Next must be atomic: concurrent callers observe distinct values.
type CounterStore interface {
	NextCounter(ctx context.Context, key string) (uint64, error)
}

const rrCounterKey = "rr_counter"

// catalog entries are cached briefly so that plan comparisons across
// five vendors do not hammer their APIs.
const catalogTTL = 10 * time.Minute

// Registry maps provider id to adapter. Registration is an explicit
// call from a startup list, never an import side-effect; selection is
// weighted round-robin over a persisted counter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	weights   map[string]int
	providers map[string]Provider

	counters CounterStore
	catalog  *gocache.Cache
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. The counter store provides
// the persisted round-robin cursor.
func NewRegistry(counters CounterStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		weights:   make(map[string]int),
		providers: make(map[string]Provider),
		counters:  counters,
		catalog:   gocache.New(catalogTTL, 2*catalogTTL),
		logger:    logger,
	}
}

// Register records an adapter factory under the provider id with its
// selection weight. Registration order is irrelevant.
func (r *Registry) Register(id string, weight int, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
	r.weights[id] = weight
}

// Configure instantiates every registered adapter that has credentials.
// Providers without credentials are left out of the selection pool.
func (r *Registry) Configure(creds map[string]Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, factory := range r.factories {
		c, ok := creds[id]
		if !ok {
			continue
		}
		p, err := factory(c, r.logger.With(slog.String("provider", id)))
		if err != nil {
			return fmt.Errorf("configure provider %s: %w", id, err)
		}
		r.providers[id] = p
		r.logger.Info("provider configured", slog.String("provider", id), slog.Int("weight", r.weights[id]))
	}
	return nil
}

// Get returns the instantiated adapter for the provider id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns metadata for every instantiated adapter, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// pool builds the virtual selection pool: each instantiated provider's
// id repeated weight times, in stable id order.
func (r *Registry) pool() []string {
	ids := lo.Keys(r.providers)
	sort.Strings(ids)

	var pool []string
	for _, id := range ids {
		w := r.weights[id]
		if w <= 0 {
			continue
		}
		for i := 0; i < w; i++ {
			pool = append(pool, id)
		}
	}
	return pool
}

// Select picks the next provider by weighted round-robin. The cursor
// is incremented atomically in the counter store, so concurrent
// callers get distinct sequential picks and restarts do not reset the
// rotation.
func (r *Registry) Select(ctx context.Context) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool := r.pool()
	if len(pool) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	n, err := r.counters.NextCounter(ctx, rrCounterKey)
	if err != nil {
		return nil, fmt.Errorf("advance rr counter: %w", err)
	}

	// Counter is post-increment: the first call yields 1 and maps to
	// pool[0].
	id := pool[(n-1)%uint64(len(pool))]
	return r.providers[id], nil
}

// plansFor returns the provider's full plan list, served from the
// catalog cache when fresh.
func (r *Registry) plansFor(ctx context.Context, p Provider) ([]Plan, error) {
	key := "plans:" + p.Info().ID
	if cached, ok := r.catalog.Get(key); ok {
		return cached.([]Plan), nil
	}
	plans, err := p.ListPlans(ctx, nil)
	if err != nil {
		return nil, err
	}
	r.catalog.Set(key, plans, gocache.DefaultExpiration)
	return plans, nil
}

// Cheapest returns the provider and plan with the lowest monthly price
// that meets the tier, across all instantiated adapters. Adapters that
// fail to answer are skipped with a warning.
func (r *Registry) Cheapest(ctx context.Context, tier Tier) (Provider, *Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bestProvider Provider
	var bestPlan *Plan

	for id, p := range r.providers {
		plans, err := r.plansFor(ctx, p)
		if err != nil {
			r.logger.Warn("plan listing failed", slog.String("provider", id), slog.String("error", err.Error()))
			continue
		}
		for _, plan := range FilterPlans(plans, &tier) {
			plan := plan
			if bestPlan == nil || plan.MonthlyPrice < bestPlan.MonthlyPrice {
				bestPlan = &plan
				bestProvider = p
			}
			break // plans are price-sorted; the first match is the cheapest
		}
	}

	if bestPlan == nil {
		return nil, nil, fmt.Errorf("no plan meets tier %d on any provider", tier)
	}
	return bestProvider, bestPlan, nil
}

// ComparePlans returns the tier-meeting plans across the named
// providers (all instantiated providers when none are named), sorted
// by ascending monthly price.
func (r *Registry) ComparePlans(ctx context.Context, tier Tier, providerIDs ...string) ([]Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := providerIDs
	if len(ids) == 0 {
		ids = lo.Keys(r.providers)
	}
	sort.Strings(ids)

	var out []Plan
	for _, id := range ids {
		p, ok := r.providers[id]
		if !ok {
			continue
		}
		plans, err := r.plansFor(ctx, p)
		if err != nil {
			r.logger.Warn("plan listing failed", slog.String("provider", id), slog.String("error", err.Error()))
			continue
		}
		out = append(out, FilterPlans(plans, &tier)...)
	}

	SortPlansByPrice(out)
	return out, nil
}

// SuggestDistribution returns count provider picks that maximize
// vendor diversity: a round-robin over the unique providers that can
// serve the tier.
func (r *Registry) SuggestDistribution(ctx context.Context, count int, tier Tier) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.providers)
	sort.Strings(ids)

	eligible := make([]string, 0, len(ids))
	for _, id := range ids {
		plans, err := r.plansFor(ctx, r.providers[id])
		if err != nil {
			continue
		}
		if len(FilterPlans(plans, &tier)) > 0 {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no provider can serve tier %d", tier)
	}

	picks := make([]string, count)
	for i := 0; i < count; i++ {
		picks[i] = eligible[i%len(eligible)]
	}
	return picks, nil
}
