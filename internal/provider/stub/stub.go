// Package stub holds catalog-only adapters for vendors we price but do
// not provision on yet. They participate in plan comparison with a
// static catalog; every lifecycle operation returns not-implemented.
// The startup list registers them with weight zero so they never enter
// the selection pool.
package stub

import (
	"context"

	"github.com/woprhq/provisioner/internal/provider"
)

// Adapter is a catalog-only provider.
type Adapter struct {
	info    provider.Info
	plans   []provider.Plan
	regions []provider.Region
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Info() provider.Info { return a.info }

func (a *Adapter) ListPlans(_ context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	plans := make([]provider.Plan, len(a.plans))
	copy(plans, a.plans)
	return provider.FilterPlans(plans, tier), nil
}

func (a *Adapter) ListRegions(_ context.Context) ([]provider.Region, error) {
	regions := make([]provider.Region, len(a.regions))
	copy(regions, a.regions)
	return regions, nil
}

func (a *Adapter) Provision(context.Context, provider.ProvisionConfig) (*provider.Instance, error) {
	return nil, provider.NotImplemented(a.info.ID, "Provision")
}

func (a *Adapter) Destroy(context.Context, string) error {
	return provider.NotImplemented(a.info.ID, "Destroy")
}

func (a *Adapter) GetInstance(context.Context, string) (*provider.Instance, error) {
	return nil, provider.NotImplemented(a.info.ID, "GetInstance")
}

func (a *Adapter) ListInstances(context.Context, map[string]string) ([]provider.Instance, error) {
	return nil, provider.NotImplemented(a.info.ID, "ListInstances")
}

func (a *Adapter) GetStatus(context.Context, string) (provider.InstanceStatus, error) {
	return provider.StatusUnknown, provider.NotImplemented(a.info.ID, "GetStatus")
}

func (a *Adapter) Start(context.Context, string) error {
	return provider.NotImplemented(a.info.ID, "Start")
}

func (a *Adapter) Stop(context.Context, string) error {
	return provider.NotImplemented(a.info.ID, "Stop")
}

func (a *Adapter) Reboot(context.Context, string) error {
	return provider.NotImplemented(a.info.ID, "Reboot")
}

func (a *Adapter) ListSSHKeys(context.Context) ([]provider.SSHKey, error) {
	return nil, provider.NotImplemented(a.info.ID, "ListSSHKeys")
}

func (a *Adapter) AddSSHKey(context.Context, string, string) (*provider.SSHKey, error) {
	return nil, provider.NotImplemented(a.info.ID, "AddSSHKey")
}

func (a *Adapter) RemoveSSHKey(context.Context, string) error {
	return provider.NotImplemented(a.info.ID, "RemoveSSHKey")
}

// NewOVH returns the OVHcloud catalog stub.
func NewOVH(provider.Credentials) (provider.Provider, error) {
	return &Adapter{
		info: provider.Info{ID: "ovh", Name: "OVHcloud", Website: "https://www.ovhcloud.com"},
		plans: []provider.Plan{
			{ID: "vps-value-1-2-40", Name: "VPS Value", CPU: 1, RAMGB: 2, DiskGB: 40, MonthlyPrice: 5.00, ProviderID: "ovh"},
			{ID: "vps-essential-2-4-80", Name: "VPS Essential", CPU: 2, RAMGB: 4, DiskGB: 80, MonthlyPrice: 10.50, ProviderID: "ovh"},
			{ID: "vps-comfort-4-8-160", Name: "VPS Comfort", CPU: 4, RAMGB: 8, DiskGB: 160, MonthlyPrice: 21.00, ProviderID: "ovh"},
			{ID: "vps-elite-8-32-160", Name: "VPS Elite", CPU: 8, RAMGB: 32, DiskGB: 160, MonthlyPrice: 42.00, ProviderID: "ovh"},
		},
		regions: []provider.Region{
			{ID: "GRA", Name: "Gravelines", Country: "FR", Available: true},
			{ID: "SBG", Name: "Strasbourg", Country: "FR", Available: true},
			{ID: "BHS", Name: "Beauharnois", Country: "CA", Available: true},
		},
	}, nil
}

// NewScaleway returns the Scaleway catalog stub.
func NewScaleway(provider.Credentials) (provider.Provider, error) {
	return &Adapter{
		info: provider.Info{ID: "scaleway", Name: "Scaleway", Website: "https://www.scaleway.com"},
		plans: []provider.Plan{
			{ID: "DEV1-M", Name: "DEV1-M", CPU: 3, RAMGB: 4, DiskGB: 40, MonthlyPrice: 7.99, ProviderID: "scaleway"},
			{ID: "DEV1-L", Name: "DEV1-L", CPU: 4, RAMGB: 8, DiskGB: 80, MonthlyPrice: 15.99, ProviderID: "scaleway"},
			{ID: "GP1-XS", Name: "GP1-XS", CPU: 4, RAMGB: 16, DiskGB: 150, MonthlyPrice: 39.00, ProviderID: "scaleway"},
			{ID: "GP1-S", Name: "GP1-S", CPU: 8, RAMGB: 32, DiskGB: 300, MonthlyPrice: 75.00, ProviderID: "scaleway"},
		},
		regions: []provider.Region{
			{ID: "fr-par-1", Name: "Paris 1", Country: "FR", Available: true},
			{ID: "nl-ams-1", Name: "Amsterdam 1", Country: "NL", Available: true},
			{ID: "pl-waw-1", Name: "Warsaw 1", Country: "PL", Available: true},
		},
	}, nil
}

// NewNetcup returns the netcup catalog stub.
func NewNetcup(provider.Credentials) (provider.Provider, error) {
	return &Adapter{
		info: provider.Info{ID: "netcup", Name: "netcup", Website: "https://www.netcup.com"},
		plans: []provider.Plan{
			{ID: "vps-200-g11", Name: "VPS 200 G11", CPU: 2, RAMGB: 4, DiskGB: 64, MonthlyPrice: 3.99, ProviderID: "netcup"},
			{ID: "vps-500-g11", Name: "VPS 500 G11", CPU: 4, RAMGB: 8, DiskGB: 128, MonthlyPrice: 6.49, ProviderID: "netcup"},
			{ID: "vps-1000-g11", Name: "VPS 1000 G11", CPU: 6, RAMGB: 16, DiskGB: 256, MonthlyPrice: 10.49, ProviderID: "netcup"},
			{ID: "vps-2000-g11", Name: "VPS 2000 G11", CPU: 8, RAMGB: 32, DiskGB: 512, MonthlyPrice: 16.99, ProviderID: "netcup"},
		},
		regions: []provider.Region{
			{ID: "NUE", Name: "Nuremberg", Country: "DE", Available: true},
			{ID: "VIE", Name: "Vienna", Country: "AT", Available: true},
		},
	}, nil
}
