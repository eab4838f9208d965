package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedStore(t *testing.T) *CachedStore {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s, err := NewCachedStore(backend)
	require.NoError(t, err)
	return s
}

func TestCachedStoreGetClones(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testJob("01K1")))

	a, err := s.Get(ctx, "01K1")
	require.NoError(t, err)
	a.Bundle = "mutated"

	b, err := s.Get(ctx, "01K1")
	require.NoError(t, err)
	assert.Equal(t, "sovereign-starter", b.Bundle)
}

func TestCachedStoreRehydrates(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, backend.Create(ctx, testJob("01K2")))

	// A fresh store over the same backend has a cold cache and must
	// read through.
	s, err := NewCachedStore(backend)
	require.NoError(t, err)
	got, err := s.Get(ctx, "01K2")
	require.NoError(t, err)
	assert.Equal(t, "01K2", got.ID)
}

func TestCachedStoreSetPhase(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testJob("01K3")))

	got, err := s.SetPhase(ctx, "01K3", PhaseProvisioningVPS, "Provisioning your server")
	require.NoError(t, err)
	assert.Equal(t, PhaseProvisioningVPS, got.Phase)
	assert.Equal(t, "Provisioning your server", got.Message)
}

func TestCachedStoreSubscribe(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testJob("01K4")))

	updates, cancel := s.Subscribe("01K4")
	defer cancel()

	_, err := s.SetPhase(ctx, "01K4", PhaseWaitingForVPS, "waiting")
	require.NoError(t, err)

	select {
	case job := <-updates:
		assert.Equal(t, PhaseWaitingForVPS, job.Phase)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}

func TestCachedStoreSubscribeCancel(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testJob("01K5")))

	updates, cancel := s.Subscribe("01K5")
	cancel()

	// Closed channel reads immediately.
	_, open := <-updates
	assert.False(t, open)

	// Writes after cancel must not panic.
	_, err := s.SetPhase(ctx, "01K5", PhaseCompleted, "done")
	require.NoError(t, err)
}

func TestCachedStoreSlowConsumerDrops(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testJob("01K6")))

	updates, cancel := s.Subscribe("01K6")
	defer cancel()

	// Fill well past the channel buffer without reading; writers must
	// never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_, _ = s.SetPhase(ctx, "01K6", PhaseWaitingForVPS, "waiting")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}

	// The subscriber still sees at least one snapshot.
	select {
	case job := <-updates:
		assert.Equal(t, "01K6", job.ID)
	default:
		t.Fatal("expected buffered snapshot")
	}
}
