package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woprhq/provisioner/internal/provider"
)

func testJob(id string) *Job {
	return &Job{
		ID:            id,
		CustomerEmail: "a@b.c",
		Bundle:        "sovereign-starter",
		Tier:          provider.TierStarter,
		ProviderID:    "hetzner",
		Phase:         PhasePending,
		Message:       "queued",
	}
}

func newFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestFileBackendCreateGet(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	job := testJob("01J1")
	require.NoError(t, b.Create(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	got, err := b.Get(ctx, "01J1")
	require.NoError(t, err)
	assert.Equal(t, job.Bundle, got.Bundle)
	assert.Equal(t, PhasePending, got.Phase)

	// Duplicate ids are rejected.
	assert.Error(t, b.Create(ctx, testJob("01J1")))

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendUpdate(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	job := testJob("01J2")
	require.NoError(t, b.Create(ctx, job))
	created := job.CreatedAt

	phase := PhaseProvisioningVPS
	ip := "203.0.113.9"
	time.Sleep(5 * time.Millisecond)
	got, err := b.Update(ctx, "01J2", Update{Phase: &phase, InstanceIP: &ip})
	require.NoError(t, err)
	assert.Equal(t, PhaseProvisioningVPS, got.Phase)
	assert.Equal(t, "203.0.113.9", got.InstanceIP)
	assert.Equal(t, created, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(created))

	// Untouched fields survive partial updates.
	assert.Equal(t, "sovereign-starter", got.Bundle)

	_, err = b.Update(ctx, "missing", Update{Phase: &phase})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendWriteThenRename(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Create(context.Background(), testJob("01J3")))

	// The temp file must not survive the rename.
	_, err = os.Stat(filepath.Join(dir, "01J3.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "01J3.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendListByPhase(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	for _, id := range []string{"01JA", "01JB", "01JC"} {
		require.NoError(t, b.Create(ctx, testJob(id)))
	}
	phase := PhaseWaitingForVPS
	_, err := b.Update(ctx, "01JB", Update{Phase: &phase})
	require.NoError(t, err)

	waiting, err := b.ListByPhase(ctx, PhaseWaitingForVPS)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "01JB", waiting[0].ID)

	pending, err := b.ListByPhase(ctx, PhasePending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestFileBackendListRecent(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	for _, id := range []string{"01JA", "01JB", "01JC"} {
		require.NoError(t, b.Create(ctx, testJob(id)))
		time.Sleep(5 * time.Millisecond)
	}

	jobs, err := b.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "01JC", jobs[0].ID)
	assert.Equal(t, "01JB", jobs[1].ID)
}

func TestFileBackendCounterPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	n, err := b.NextCounter(ctx, "rr_counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	n, err = b.NextCounter(ctx, "rr_counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// A new backend over the same directory continues the sequence.
	b2, err := NewFileBackend(dir)
	require.NoError(t, err)
	n, err = b2.NextCounter(ctx, "rr_counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestFileBackendSessionDedup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	first, err := b.MarkSessionProcessed(ctx, "cs_123")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := b.MarkSessionProcessed(ctx, "cs_123")
	require.NoError(t, err)
	assert.False(t, again)

	// Dedup survives a restart.
	b2, err := NewFileBackend(dir)
	require.NoError(t, err)
	again, err = b2.MarkSessionProcessed(ctx, "cs_123")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestFileBackendUnmarkSession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	first, err := b.MarkSessionProcessed(ctx, "cs_456")
	require.NoError(t, err)
	require.True(t, first)

	// Releasing the claim makes the session processable again.
	require.NoError(t, b.UnmarkSession(ctx, "cs_456"))
	first, err = b.MarkSessionProcessed(ctx, "cs_456")
	require.NoError(t, err)
	assert.True(t, first)

	// Unmarking an unknown session is a no-op.
	require.NoError(t, b.UnmarkSession(ctx, "cs_never"))

	// The release is durable.
	require.NoError(t, b.UnmarkSession(ctx, "cs_456"))
	b2, err := NewFileBackend(dir)
	require.NoError(t, err)
	first, err = b2.MarkSessionProcessed(ctx, "cs_456")
	require.NoError(t, err)
	assert.True(t, first)
}
