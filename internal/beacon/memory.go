package beacon

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRepo backs the beacon registry when the system runs on the
// file job store (no database). Dunning state does not survive a
// restart in this mode; that is an accepted limitation of file mode.
type memoryRepo struct {
	mu       sync.Mutex
	beacons  map[string]*Beacon
	failures map[string]int
	reasons  map[string][]string
}

// NewMemoryRepository creates an in-process beacon repository.
func NewMemoryRepository() Repository {
	return &memoryRepo{
		beacons:  make(map[string]*Beacon),
		failures: make(map[string]int),
		reasons:  make(map[string][]string),
	}
}

var _ Repository = (*memoryRepo)(nil)

func (r *memoryRepo) Create(_ context.Context, b *Beacon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.beacons[b.Subdomain]; ok {
		b.CreatedAt = existing.CreatedAt
	} else {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cp := *b
	r.beacons[b.Subdomain] = &cp
	return nil
}

func (r *memoryRepo) GetBySubdomain(_ context.Context, subdomain string) (*Beacon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.beacons[subdomain]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *memoryRepo) GetBySubscription(_ context.Context, subscriptionID string) (*Beacon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Beacon
	for _, b := range r.beacons {
		if b.SubscriptionID != subscriptionID || b.Status == StatusDecommissioned {
			continue
		}
		if best == nil || b.CreatedAt.After(best.CreatedAt) {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *memoryRepo) List(_ context.Context) ([]*Beacon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Beacon, 0, len(r.beacons))
	for _, b := range r.beacons {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) SetStatus(_ context.Context, subdomain string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.beacons[subdomain]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryRepo) IncrementFailure(_ context.Context, subscriptionID, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[subscriptionID]++
	if reason != "" {
		r.reasons[subscriptionID] = append(r.reasons[subscriptionID], reason)
	}
	return r.failures[subscriptionID], nil
}

func (r *memoryRepo) ResetFailures(_ context.Context, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.failures, subscriptionID)
	delete(r.reasons, subscriptionID)
	return nil
}

func (r *memoryRepo) FailureCount(_ context.Context, subscriptionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.failures[subscriptionID], nil
}
