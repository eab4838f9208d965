package provider

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanMeets(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		tier Tier
		want bool
	}{
		{"exact starter fit", Plan{CPU: 2, RAMGB: 4, DiskGB: 40}, TierStarter, true},
		{"oversized plan meets starter", Plan{CPU: 8, RAMGB: 16, DiskGB: 160}, TierStarter, true},
		{"cpu short", Plan{CPU: 1, RAMGB: 4, DiskGB: 40}, TierStarter, false},
		{"ram short", Plan{CPU: 2, RAMGB: 2, DiskGB: 40}, TierStarter, false},
		{"disk short", Plan{CPU: 2, RAMGB: 4, DiskGB: 20}, TierStarter, false},
		{"standard fit", Plan{CPU: 4, RAMGB: 8, DiskGB: 80}, TierStandard, true},
		{"starter plan misses pro", Plan{CPU: 2, RAMGB: 4, DiskGB: 40}, TierPro, false},
		{"unknown tier never matches", Plan{CPU: 64, RAMGB: 256, DiskGB: 1000}, Tier(9), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.plan.Meets(tt.tier))
		})
	}
}

func TestFilterPlans(t *testing.T) {
	plans := []Plan{
		{ID: "big", CPU: 8, RAMGB: 16, DiskGB: 160, MonthlyPrice: 30},
		{ID: "small", CPU: 2, RAMGB: 4, DiskGB: 40, MonthlyPrice: 5},
		{ID: "tiny", CPU: 1, RAMGB: 1, DiskGB: 10, MonthlyPrice: 3},
		{ID: "mid", CPU: 4, RAMGB: 8, DiskGB: 80, MonthlyPrice: 12},
	}

	t.Run("nil tier returns all price-sorted", func(t *testing.T) {
		got := FilterPlans(plans, nil)
		require.Len(t, got, 4)
		assert.Equal(t, "tiny", got[0].ID)
		assert.Equal(t, "big", got[3].ID)
	})

	t.Run("tier filters and sorts", func(t *testing.T) {
		tier := TierStarter
		got := FilterPlans(plans, &tier)
		require.Len(t, got, 3)
		assert.Equal(t, "small", got[0].ID)
		assert.Equal(t, "mid", got[1].ID)
		assert.Equal(t, "big", got[2].ID)
	})

	t.Run("no match is empty", func(t *testing.T) {
		tier := TierPro
		got := FilterPlans([]Plan{{CPU: 1, RAMGB: 1, DiskGB: 1}}, &tier)
		assert.Empty(t, got)
	})
}

func TestTierValid(t *testing.T) {
	assert.True(t, TierStarter.Valid())
	assert.True(t, TierPro.Valid())
	assert.False(t, Tier(0).Valid())
	assert.False(t, Tier(4).Valid())
}

func TestKindFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrorAuth},
		{http.StatusForbidden, ErrorAuth},
		{http.StatusNotFound, ErrorNotFound},
		{http.StatusTooManyRequests, ErrorQuota},
		{http.StatusBadRequest, ErrorInvalidInput},
		{http.StatusInternalServerError, ErrorTransient},
		{http.StatusBadGateway, ErrorTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindFromHTTPStatus(tt.status), "status %d", tt.status)
	}
}

func TestNotImplemented(t *testing.T) {
	err := NotImplemented("ovh", "Provision")
	assert.True(t, IsKind(err, ErrorNotImplemented))
	assert.Equal(t, ErrorNotImplemented, KindOf(err))
	assert.Contains(t, err.Error(), "ovh")
}

// waitProvider serves GetInstance from a scripted sequence.
type waitProvider struct {
	Provider
	states []Instance
	calls  int
}

func (w *waitProvider) Info() Info { return Info{ID: "test"} }

func (w *waitProvider) GetInstance(_ context.Context, id string) (*Instance, error) {
	i := w.calls
	if i >= len(w.states) {
		i = len(w.states) - 1
	}
	w.calls++
	inst := w.states[i]
	inst.ID = id
	return &inst, nil
}

func TestWaitForReady(t *testing.T) {
	t.Run("returns once running with ip", func(t *testing.T) {
		p := &waitProvider{states: []Instance{
			{Status: StatusProvisioning},
			{Status: StatusRunning},
			{Status: StatusRunning, IPv4: "203.0.113.5"},
		}}

		inst, err := WaitForReady(context.Background(), p, "i-1", time.Second, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.5", inst.IPv4)
		assert.GreaterOrEqual(t, p.calls, 3)
	})

	t.Run("timeout is transient", func(t *testing.T) {
		p := &waitProvider{states: []Instance{{Status: StatusProvisioning}}}

		_, err := WaitForReady(context.Background(), p, "i-1", 30*time.Millisecond, 5*time.Millisecond)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorTransient))
	})

	t.Run("error state is fatal", func(t *testing.T) {
		p := &waitProvider{states: []Instance{{Status: StatusError}}}

		_, err := WaitForReady(context.Background(), p, "i-1", time.Second, 5*time.Millisecond)
		require.Error(t, err)
		assert.False(t, IsKind(err, ErrorTransient))
	})
}
