// Package hetzner implements the provider contract against the Hetzner
// Cloud API using the official SDK. It is the primary adapter: full
// lifecycle, cloud-init, IPv6, SSH keys.
package hetzner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/woprhq/provisioner/internal/provider"
)

const ProviderID = "hetzner"

// Adapter wraps the hcloud SDK client.
type Adapter struct {
	client *hcloud.Client
	logger *slog.Logger
}

// New creates the Hetzner adapter from an API token.
func New(creds provider.Credentials, logger *slog.Logger) (provider.Provider, error) {
	if creds.Token == "" {
		return nil, fmt.Errorf("hetzner: missing API token")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: hcloud.NewClient(hcloud.WithToken(creds.Token), hcloud.WithApplication("wopr-provisioner", "")),
		logger: logger,
	}, nil
}

// Info returns static adapter metadata.
func (a *Adapter) Info() provider.Info {
	return provider.Info{
		ID:      ProviderID,
		Name:    "Hetzner Cloud",
		Website: "https://www.hetzner.com/cloud",
		Capabilities: provider.Capabilities{
			IPv6:      true,
			CloudInit: true,
			SSHKeys:   true,
		},
	}
}

// ListPlans returns Hetzner server types as plans, EUR monthly gross
// pricing at the cheapest offering location.
func (a *Adapter) ListPlans(ctx context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	types, err := a.client.ServerType.All(ctx)
	if err != nil {
		return nil, a.mapError("ListPlans", err)
	}

	plans := make([]provider.Plan, 0, len(types))
	for _, st := range types {
		monthly, hourly := cheapestPricing(st)
		if monthly == 0 {
			continue // deprecated type with no published pricing
		}
		plans = append(plans, provider.Plan{
			ID:           st.Name,
			Name:         strings.ToUpper(st.Name) + " (" + st.Description + ")",
			CPU:          st.Cores,
			RAMGB:        int(st.Memory),
			DiskGB:       st.Disk,
			BandwidthTB:  20, // included traffic on all cloud plans
			MonthlyPrice: monthly,
			HourlyPrice:  &hourly,
			ProviderID:   ProviderID,
		})
	}
	return provider.FilterPlans(plans, tier), nil
}

func cheapestPricing(st *hcloud.ServerType) (monthly, hourly float64) {
	for _, p := range st.Pricings {
		m, err := strconv.ParseFloat(p.Monthly.Gross, 64)
		if err != nil {
			continue
		}
		if monthly == 0 || m < monthly {
			monthly = m
			hourly, _ = strconv.ParseFloat(p.Hourly.Gross, 64)
		}
	}
	return monthly, hourly
}

// ListRegions returns Hetzner locations.
func (a *Adapter) ListRegions(ctx context.Context) ([]provider.Region, error) {
	locations, err := a.client.Location.All(ctx)
	if err != nil {
		return nil, a.mapError("ListRegions", err)
	}

	regions := make([]provider.Region, 0, len(locations))
	for _, loc := range locations {
		regions = append(regions, provider.Region{
			ID:        loc.Name,
			Name:      loc.Description,
			Country:   loc.Country,
			City:      loc.City,
			Available: true,
			Features:  []string{"ipv6", "cloud-init"},
		})
	}
	return regions, nil
}

// Provision creates a server. The returned instance always carries the
// vendor id; the IPv4 may still be unassigned at return time.
func (a *Adapter) Provision(ctx context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	sshKeys := make([]*hcloud.SSHKey, 0, len(cfg.SSHKeyIDs))
	for _, id := range cfg.SSHKeyIDs {
		keyID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, provider.NewError(ProviderID, "Provision", provider.ErrorInvalidInput,
				fmt.Sprintf("ssh key id %q is not numeric", id), err)
		}
		sshKeys = append(sshKeys, &hcloud.SSHKey{ID: keyID})
	}

	startAfterCreate := true
	result, _, err := a.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:             cfg.Name,
		ServerType:       &hcloud.ServerType{Name: cfg.PlanID},
		Image:            &hcloud.Image{Name: cfg.Image},
		Location:         &hcloud.Location{Name: cfg.RegionID},
		UserData:         cfg.UserData,
		Labels:           cfg.Labels,
		SSHKeys:          sshKeys,
		StartAfterCreate: &startAfterCreate,
	})
	if err != nil {
		return nil, a.mapError("Provision", err)
	}
	return a.toInstance(result.Server), nil
}

// Destroy deletes a server. Unknown ids are treated as already
// destroyed.
func (a *Adapter) Destroy(ctx context.Context, instanceID string) error {
	id, err := strconv.ParseInt(instanceID, 10, 64)
	if err != nil {
		return nil // never a valid Hetzner id, nothing to destroy
	}
	_, _, err = a.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return a.mapError("Destroy", err)
	}
	return nil
}

// GetInstance fetches a server by vendor id.
func (a *Adapter) GetInstance(ctx context.Context, instanceID string) (*provider.Instance, error) {
	id, err := strconv.ParseInt(instanceID, 10, 64)
	if err != nil {
		return nil, provider.NewError(ProviderID, "GetInstance", provider.ErrorInvalidInput, "non-numeric instance id", err)
	}
	server, _, err := a.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, a.mapError("GetInstance", err)
	}
	if server == nil {
		return nil, provider.NewError(ProviderID, "GetInstance", provider.ErrorNotFound, "server not found", nil)
	}
	return a.toInstance(server), nil
}

// ListInstances returns servers, optionally filtered by labels.
func (a *Adapter) ListInstances(ctx context.Context, labels map[string]string) ([]provider.Instance, error) {
	opts := hcloud.ServerListOpts{}
	if len(labels) > 0 {
		selectors := make([]string, 0, len(labels))
		for k, v := range labels {
			selectors = append(selectors, k+"="+v)
		}
		opts.LabelSelector = strings.Join(selectors, ",")
	}

	servers, err := a.client.Server.AllWithOpts(ctx, opts)
	if err != nil {
		return nil, a.mapError("ListInstances", err)
	}

	out := make([]provider.Instance, 0, len(servers))
	for _, s := range servers {
		out = append(out, *a.toInstance(s))
	}
	return out, nil
}

// GetStatus returns the normalized status for a server.
func (a *Adapter) GetStatus(ctx context.Context, instanceID string) (provider.InstanceStatus, error) {
	inst, err := a.GetInstance(ctx, instanceID)
	if err != nil {
		return provider.StatusUnknown, err
	}
	return inst.Status, nil
}

// Start powers on a server.
func (a *Adapter) Start(ctx context.Context, instanceID string) error {
	return a.powerAction(ctx, "Start", instanceID, a.client.Server.Poweron)
}

// Stop powers off a server.
func (a *Adapter) Stop(ctx context.Context, instanceID string) error {
	return a.powerAction(ctx, "Stop", instanceID, a.client.Server.Poweroff)
}

// Reboot soft-reboots a server.
func (a *Adapter) Reboot(ctx context.Context, instanceID string) error {
	return a.powerAction(ctx, "Reboot", instanceID, a.client.Server.Reboot)
}

func (a *Adapter) powerAction(ctx context.Context, op, instanceID string, action func(context.Context, *hcloud.Server) (*hcloud.Action, *hcloud.Response, error)) error {
	id, err := strconv.ParseInt(instanceID, 10, 64)
	if err != nil {
		return provider.NewError(ProviderID, op, provider.ErrorInvalidInput, "non-numeric instance id", err)
	}
	if _, _, err := action(ctx, &hcloud.Server{ID: id}); err != nil {
		return a.mapError(op, err)
	}
	return nil
}

// ListSSHKeys returns all account SSH keys.
func (a *Adapter) ListSSHKeys(ctx context.Context) ([]provider.SSHKey, error) {
	keys, err := a.client.SSHKey.All(ctx)
	if err != nil {
		return nil, a.mapError("ListSSHKeys", err)
	}

	out := make([]provider.SSHKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, provider.SSHKey{
			ID:          strconv.FormatInt(k.ID, 10),
			Name:        k.Name,
			Fingerprint: k.Fingerprint,
			PublicKey:   k.PublicKey,
		})
	}
	return out, nil
}

// AddSSHKey registers a public key with the account.
func (a *Adapter) AddSSHKey(ctx context.Context, name, publicKey string) (*provider.SSHKey, error) {
	if _, err := provider.ParsePublicKey(ProviderID, publicKey); err != nil {
		return nil, err
	}
	key, _, err := a.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{Name: name, PublicKey: publicKey})
	if err != nil {
		return nil, a.mapError("AddSSHKey", err)
	}
	return &provider.SSHKey{
		ID:          strconv.FormatInt(key.ID, 10),
		Name:        key.Name,
		Fingerprint: key.Fingerprint,
		PublicKey:   key.PublicKey,
	}, nil
}

// RemoveSSHKey deletes an account SSH key.
func (a *Adapter) RemoveSSHKey(ctx context.Context, keyID string) error {
	id, err := strconv.ParseInt(keyID, 10, 64)
	if err != nil {
		return provider.NewError(ProviderID, "RemoveSSHKey", provider.ErrorInvalidInput, "non-numeric key id", err)
	}
	if _, err := a.client.SSHKey.Delete(ctx, &hcloud.SSHKey{ID: id}); err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return a.mapError("RemoveSSHKey", err)
	}
	return nil
}

func (a *Adapter) toInstance(s *hcloud.Server) *provider.Instance {
	inst := &provider.Instance{
		ProviderID: ProviderID,
		ID:         strconv.FormatInt(s.ID, 10),
		Name:       s.Name,
		Status:     mapStatus(s.Status),
		PlanID:     s.ServerType.Name,
		CreatedAt:  s.Created,
		Labels:     s.Labels,
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		inst.RegionID = s.Datacenter.Location.Name
	}
	if s.PublicNet.IPv4.IP != nil && !s.PublicNet.IPv4.IP.IsUnspecified() {
		inst.IPv4 = s.PublicNet.IPv4.IP.String()
	}
	if s.PublicNet.IPv6.IP != nil {
		inst.IPv6 = s.PublicNet.IPv6.IP.String()
	}
	return inst
}

func mapStatus(s hcloud.ServerStatus) provider.InstanceStatus {
	switch s {
	case hcloud.ServerStatusInitializing:
		return provider.StatusProvisioning
	case hcloud.ServerStatusStarting:
		return provider.StatusPending
	case hcloud.ServerStatusRunning:
		return provider.StatusRunning
	case hcloud.ServerStatusOff, hcloud.ServerStatusStopping:
		return provider.StatusStopped
	case hcloud.ServerStatusRebuilding, hcloud.ServerStatusMigrating:
		return provider.StatusRebooting
	case hcloud.ServerStatusDeleting:
		return provider.StatusStopped
	default:
		return provider.StatusUnknown
	}
}

func (a *Adapter) mapError(op string, err error) error {
	if hcloud.IsError(err, hcloud.ErrorCodeUnauthorized) {
		return provider.NewError(ProviderID, op, provider.ErrorAuth, err.Error(), err)
	}
	if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return provider.NewError(ProviderID, op, provider.ErrorNotFound, err.Error(), err)
	}
	if hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded) || hcloud.IsError(err, hcloud.ErrorCodeResourceLimitExceeded) {
		return provider.NewError(ProviderID, op, provider.ErrorQuota, err.Error(), err)
	}
	if hcloud.IsError(err, hcloud.ErrorCodeInvalidInput) {
		return provider.NewError(ProviderID, op, provider.ErrorInvalidInput, err.Error(), err)
	}
	return provider.NewError(ProviderID, op, provider.ErrorTransient, err.Error(), err)
}

var _ provider.Provider = (*Adapter)(nil)
