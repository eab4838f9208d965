package stub

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woprhq/provisioner/internal/provider"
)

// asFactory lifts a stub constructor the way the server startup list
// does; the assignment is the contract the registry depends on.
func asFactory(fn func(provider.Credentials) (provider.Provider, error)) provider.Factory {
	return func(creds provider.Credentials, _ *slog.Logger) (provider.Provider, error) {
		return fn(creds)
	}
}

func TestStubsRegisterAsFactories(t *testing.T) {
	constructors := map[string]func(provider.Credentials) (provider.Provider, error){
		"ovh":      NewOVH,
		"scaleway": NewScaleway,
		"netcup":   NewNetcup,
	}

	for id, fn := range constructors {
		factory := asFactory(fn)
		p, err := factory(provider.Credentials{}, slog.Default())
		require.NoError(t, err, id)
		assert.Equal(t, id, p.Info().ID)
	}
}

func TestStubCatalog(t *testing.T) {
	p, err := NewOVH(provider.Credentials{})
	require.NoError(t, err)

	plans, err := p.ListPlans(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, plans)
	for i := 1; i < len(plans); i++ {
		assert.LessOrEqual(t, plans[i-1].MonthlyPrice, plans[i].MonthlyPrice)
	}

	tier := provider.TierStarter
	starter, err := p.ListPlans(context.Background(), &tier)
	require.NoError(t, err)
	for _, plan := range starter {
		assert.True(t, plan.Meets(provider.TierStarter), plan.ID)
	}

	regions, err := p.ListRegions(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, regions)
}

func TestStubLifecycleNotImplemented(t *testing.T) {
	p, err := NewNetcup(provider.Credentials{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Provision(ctx, provider.ProvisionConfig{})
	assert.True(t, provider.IsKind(err, provider.ErrorNotImplemented))

	err = p.Destroy(ctx, "i-1")
	assert.True(t, provider.IsKind(err, provider.ErrorNotImplemented))

	_, err = p.GetInstance(ctx, "i-1")
	assert.True(t, provider.IsKind(err, provider.ErrorNotImplemented))
}
