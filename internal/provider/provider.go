// Package provider defines the contract every VPS vendor adapter
// implements, plus the registry that selects between them.
package provider

import (
	"context"
	"sort"
	"time"
)

// Tier is a coarse resource class. Plans are matched against the
// minimum requirements of a tier, never against exact shapes.
type Tier int

const (
	TierStarter  Tier = 1
	TierStandard Tier = 2
	TierPro      Tier = 3
)

// TierSpec holds the minimum resources a plan must offer to serve a tier.
type TierSpec struct {
	MinCPU    int
	MinRAMGB  int
	MinDiskGB int
}

var tierSpecs = map[Tier]TierSpec{
	TierStarter:  {MinCPU: 2, MinRAMGB: 4, MinDiskGB: 40},
	TierStandard: {MinCPU: 4, MinRAMGB: 8, MinDiskGB: 80},
	TierPro:      {MinCPU: 8, MinRAMGB: 16, MinDiskGB: 160},
}

// Spec returns the resource requirements for the tier.
func (t Tier) Spec() (TierSpec, bool) {
	s, ok := tierSpecs[t]
	return s, ok
}

// Valid reports whether t is a known storage tier.
func (t Tier) Valid() bool {
	_, ok := tierSpecs[t]
	return ok
}

// Plan is a priced compute shape offered by a provider.
// MonthlyPrice is normalized to EUR across all adapters.
type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	CPU          int      `json:"cpu"`
	RAMGB        int      `json:"ram_gb"`
	DiskGB       int      `json:"disk_gb"`
	BandwidthTB  float64  `json:"bandwidth_tb,omitempty"`
	MonthlyPrice float64  `json:"monthly_price"`
	HourlyPrice  *float64 `json:"hourly_price,omitempty"`
	ProviderID   string   `json:"provider_id"`
}

// Meets reports whether the plan satisfies the tier's minimums.
func (p Plan) Meets(t Tier) bool {
	spec, ok := t.Spec()
	if !ok {
		return false
	}
	return p.CPU >= spec.MinCPU && p.RAMGB >= spec.MinRAMGB && p.DiskGB >= spec.MinDiskGB
}

// SortPlansByPrice orders plans by ascending monthly price in place.
func SortPlansByPrice(plans []Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].MonthlyPrice < plans[j].MonthlyPrice
	})
}

// FilterPlans returns the plans that meet the tier, price-sorted.
// A nil tier returns all plans, price-sorted.
func FilterPlans(plans []Plan, tier *Tier) []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		if tier == nil || p.Meets(*tier) {
			out = append(out, p)
		}
	}
	SortPlansByPrice(out)
	return out
}

// Region is a provider datacenter.
type Region struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Country   string   `json:"country"`
	City      string   `json:"city,omitempty"`
	Available bool     `json:"available"`
	Features  []string `json:"features,omitempty"`
}

// InstanceStatus is the normalized lifecycle state of a VPS.
type InstanceStatus string

const (
	StatusPending      InstanceStatus = "pending"
	StatusProvisioning InstanceStatus = "provisioning"
	StatusRunning      InstanceStatus = "running"
	StatusStopped      InstanceStatus = "stopped"
	StatusRebooting    InstanceStatus = "rebooting"
	StatusError        InstanceStatus = "error"
	StatusUnknown      InstanceStatus = "unknown"
)

// Instance is a live VPS handle returned by an adapter. Instances are
// values; adapters hold no state for them across calls.
type Instance struct {
	ProviderID string            `json:"provider_id"`
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     InstanceStatus    `json:"status"`
	RegionID   string            `json:"region_id"`
	PlanID     string            `json:"plan_id"`
	IPv4       string            `json:"ipv4,omitempty"`
	IPv6       string            `json:"ipv6,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ProvisionConfig carries everything an adapter needs to create a VPS.
// Image is an abstract name ("debian-12", "ubuntu-24.04"); adapters map
// it to their vendor's identifier.
type ProvisionConfig struct {
	Name      string
	RegionID  string
	PlanID    string
	SSHKeyIDs []string
	Image     string
	UserData  string
	Labels    map[string]string
}

// SSHKey is a public key registered with a vendor account.
type SSHKey struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
}

// Capabilities are static feature flags an adapter advertises.
type Capabilities struct {
	IPv6      bool `json:"ipv6"`
	CloudInit bool `json:"cloud_init"`
	SSHKeys   bool `json:"ssh_keys"`
}

// Info is static adapter metadata.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Website      string       `json:"website"`
	Capabilities Capabilities `json:"capabilities"`
}

// Provider is the uniform contract over a VPS vendor. Implementations
// must be safe for concurrent use; all operations honor the context.
//
// Destroy is idempotent: destroying an unknown instance id succeeds.
// Adapters that do not offer an operation return ErrNotImplemented,
// never silent success.
type Provider interface {
	Info() Info

	ListPlans(ctx context.Context, tier *Tier) ([]Plan, error)
	ListRegions(ctx context.Context) ([]Region, error)

	Provision(ctx context.Context, cfg ProvisionConfig) (*Instance, error)
	Destroy(ctx context.Context, instanceID string) error
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	ListInstances(ctx context.Context, labels map[string]string) ([]Instance, error)
	GetStatus(ctx context.Context, instanceID string) (InstanceStatus, error)

	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Reboot(ctx context.Context, instanceID string) error

	ListSSHKeys(ctx context.Context) ([]SSHKey, error)
	AddSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error)
	RemoveSSHKey(ctx context.Context, keyID string) error
}

// WaitForReady polls GetInstance until the instance is running with a
// public IPv4, the instance reports an error state, or the timeout
// elapses. It is the shared default used by adapters and the
// orchestrator alike.
func WaitForReady(ctx context.Context, p Provider, instanceID string, timeout, poll time.Duration) (*Instance, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		inst, err := p.GetInstance(ctx, instanceID)
		if err != nil && !IsKind(err, ErrorTransient) {
			return nil, err
		}
		if inst != nil {
			if inst.Status == StatusError {
				return inst, newError(p.Info().ID, "WaitForReady", ErrorFatal, "instance entered error state", nil)
			}
			if inst.Status == StatusRunning && inst.IPv4 != "" {
				return inst, nil
			}
		}

		if time.Now().After(deadline) {
			return inst, newError(p.Info().ID, "WaitForReady", ErrorTransient, "timed out waiting for instance", nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
