package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheSize = 1024

// CachedStore fronts a Backend with an LRU snapshot cache and change
// notification. The cache rehydrates per job on first Get rather than
// eagerly at startup; writes go through to the backend first and only
// then touch the cache, so a write error never leaves a stale entry.
type CachedStore struct {
	backend Backend
	cache   *lru.Cache[string, *Job]

	subMu sync.Mutex
	subs  map[string]map[chan *Job]struct{}
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps a backend.
func NewCachedStore(backend Backend) (*CachedStore, error) {
	cache, err := lru.New[string, *Job](cacheSize)
	if err != nil {
		return nil, err
	}
	return &CachedStore{
		backend: backend,
		cache:   cache,
		subs:    make(map[string]map[chan *Job]struct{}),
	}, nil
}

func (s *CachedStore) Create(ctx context.Context, job *Job) error {
	if err := s.backend.Create(ctx, job); err != nil {
		return err
	}
	s.cache.Add(job.ID, job.Clone())
	s.notify(job)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, id string) (*Job, error) {
	if job, ok := s.cache.Get(id); ok {
		return job.Clone(), nil
	}
	job, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, job.Clone())
	return job, nil
}

func (s *CachedStore) Update(ctx context.Context, id string, upd Update) (*Job, error) {
	job, err := s.backend.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, job.Clone())
	s.notify(job)
	return job, nil
}

// SetPhase is the transition every orchestrator step goes through: a
// phase plus its human-readable message, in one write.
func (s *CachedStore) SetPhase(ctx context.Context, id string, phase Phase, message string) (*Job, error) {
	return s.Update(ctx, id, Update{Phase: &phase, Message: &message})
}

func (s *CachedStore) ListByPhase(ctx context.Context, phase Phase) ([]*Job, error) {
	return s.backend.ListByPhase(ctx, phase)
}

func (s *CachedStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	return s.backend.ListRecent(ctx, limit)
}

func (s *CachedStore) NextCounter(ctx context.Context, key string) (uint64, error) {
	return s.backend.NextCounter(ctx, key)
}

func (s *CachedStore) MarkSessionProcessed(ctx context.Context, sessionID string) (bool, error) {
	return s.backend.MarkSessionProcessed(ctx, sessionID)
}

func (s *CachedStore) UnmarkSession(ctx context.Context, sessionID string) error {
	return s.backend.UnmarkSession(ctx, sessionID)
}

// Subscribe registers a listener for writes to the job. The channel
// is buffered; a slow consumer drops intermediate snapshots instead of
// blocking writers.
func (s *CachedStore) Subscribe(jobID string) (<-chan *Job, func()) {
	ch := make(chan *Job, 8)

	s.subMu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[chan *Job]struct{})
	}
	s.subs[jobID][ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if set, ok := s.subs[jobID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(s.subs, jobID)
			}
		}
	}
	return ch, cancel
}

func (s *CachedStore) notify(job *Job) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs[job.ID] {
		select {
		case ch <- job.Clone():
		default:
		}
	}
}

func (s *CachedStore) Close() {
	s.backend.Close()
}
