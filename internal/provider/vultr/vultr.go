// Package vultr adapts the Vultr REST API (v2) to the provider
// contract. Labels ride on Vultr's instance tags as "key:value".
package vultr

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/provider/rest"
)

const (
	ProviderID = "vultr"
	baseURL    = "https://api.vultr.com"
)

// osIDs maps the abstract image names to Vultr operating system ids.
var osIDs = map[string]int{
	"debian-12":    2136,
	"ubuntu-24.04": 2284,
	"ubuntu-22.04": 1743,
}

// Adapter implements provider.Provider over the Vultr API.
type Adapter struct {
	client *rest.Client
}

var _ provider.Provider = (*Adapter)(nil)

// New creates a Vultr adapter from an API key.
func New(creds provider.Credentials) (*Adapter, error) {
	if creds.Token == "" {
		return nil, provider.NewError(ProviderID, "New", provider.ErrorAuth, "missing API key", nil)
	}
	return &Adapter{client: rest.NewClient(ProviderID, baseURL, creds.Token)}, nil
}

func (a *Adapter) Info() provider.Info {
	return provider.Info{
		ID:      ProviderID,
		Name:    "Vultr",
		Website: "https://www.vultr.com",
		Capabilities: provider.Capabilities{
			IPv6:      true,
			CloudInit: true,
			SSHKeys:   true,
		},
	}
}

func (a *Adapter) ListPlans(ctx context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	var resp struct {
		Plans []struct {
			ID          string  `json:"id"`
			VCPUCount   int     `json:"vcpu_count"`
			RAM         int     `json:"ram"`       // MB
			Disk        int     `json:"disk"`      // GB
			Bandwidth   float64 `json:"bandwidth"` // GB
			MonthlyCost float64 `json:"monthly_cost"`
			HourlyCost  float64 `json:"hourly_cost"`
			Type        string  `json:"type"`
		} `json:"plans"`
	}
	if err := a.client.Get(ctx, "/v2/plans?per_page=500", &resp); err != nil {
		return nil, err
	}

	plans := make([]provider.Plan, 0, len(resp.Plans))
	for _, p := range resp.Plans {
		// Regular cloud compute only; bare metal and GPU shapes are out.
		if p.Type != "vc2" && p.Type != "vhf" {
			continue
		}
		hourly := p.HourlyCost
		plans = append(plans, provider.Plan{
			ID:           p.ID,
			Name:         p.ID,
			CPU:          p.VCPUCount,
			RAMGB:        p.RAM / 1024,
			DiskGB:       p.Disk,
			BandwidthTB:  p.Bandwidth / 1024,
			MonthlyPrice: p.MonthlyCost,
			HourlyPrice:  &hourly,
			ProviderID:   ProviderID,
		})
	}
	return provider.FilterPlans(plans, tier), nil
}

func (a *Adapter) ListRegions(ctx context.Context) ([]provider.Region, error) {
	var resp struct {
		Regions []struct {
			ID      string   `json:"id"`
			City    string   `json:"city"`
			Country string   `json:"country"`
			Options []string `json:"options"`
		} `json:"regions"`
	}
	if err := a.client.Get(ctx, "/v2/regions?per_page=500", &resp); err != nil {
		return nil, err
	}

	regions := make([]provider.Region, 0, len(resp.Regions))
	for _, r := range resp.Regions {
		regions = append(regions, provider.Region{
			ID:        r.ID,
			Name:      r.City,
			Country:   r.Country,
			City:      r.City,
			Available: true,
			Features:  r.Options,
		})
	}
	return regions, nil
}

type vultrInstance struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Status      string   `json:"status"`       // pending, active, suspended, resizing
	PowerStatus string   `json:"power_status"` // running, stopped
	Region      string   `json:"region"`
	Plan        string   `json:"plan"`
	MainIP      string   `json:"main_ip"`
	V6MainIP    string   `json:"v6_main_ip"`
	DateCreated string   `json:"date_created"`
	Tags        []string `json:"tags"`
}

func (a *Adapter) Provision(ctx context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	osID, ok := osIDs[cfg.Image]
	if !ok {
		return nil, provider.NewError(ProviderID, "Provision", provider.ErrorInvalidInput,
			"unsupported image "+cfg.Image, nil)
	}

	body := map[string]any{
		"region":      cfg.RegionID,
		"plan":        cfg.PlanID,
		"os_id":       osID,
		"label":       cfg.Name,
		"hostname":    cfg.Name,
		"sshkey_id":   cfg.SSHKeyIDs,
		"enable_ipv6": true,
		"tags":        labelsToTags(cfg.Labels),
	}
	if cfg.UserData != "" {
		body["user_data"] = base64.StdEncoding.EncodeToString([]byte(cfg.UserData))
	}

	var resp struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := a.client.Post(ctx, "/v2/instances", body, &resp); err != nil {
		return nil, err
	}
	return toInstance(resp.Instance), nil
}

func (a *Adapter) Destroy(ctx context.Context, instanceID string) error {
	err := a.client.Delete(ctx, "/v2/instances/"+instanceID)
	if provider.IsKind(err, provider.ErrorNotFound) {
		return nil
	}
	return err
}

func (a *Adapter) GetInstance(ctx context.Context, instanceID string) (*provider.Instance, error) {
	var resp struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := a.client.Get(ctx, "/v2/instances/"+instanceID, &resp); err != nil {
		return nil, err
	}
	return toInstance(resp.Instance), nil
}

func (a *Adapter) ListInstances(ctx context.Context, labels map[string]string) ([]provider.Instance, error) {
	var resp struct {
		Instances []vultrInstance `json:"instances"`
	}
	if err := a.client.Get(ctx, "/v2/instances?per_page=500", &resp); err != nil {
		return nil, err
	}

	var out []provider.Instance
	for _, vi := range resp.Instances {
		inst := toInstance(vi)
		if matchLabels(inst.Labels, labels) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (a *Adapter) GetStatus(ctx context.Context, instanceID string) (provider.InstanceStatus, error) {
	inst, err := a.GetInstance(ctx, instanceID)
	if err != nil {
		return provider.StatusUnknown, err
	}
	return inst.Status, nil
}

func (a *Adapter) Start(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, "/v2/instances/"+instanceID+"/start", nil, nil)
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, "/v2/instances/"+instanceID+"/halt", nil, nil)
}

func (a *Adapter) Reboot(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, "/v2/instances/"+instanceID+"/reboot", nil, nil)
}

type vultrKey struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SSHKey string `json:"ssh_key"`
}

func (a *Adapter) ListSSHKeys(ctx context.Context) ([]provider.SSHKey, error) {
	var resp struct {
		SSHKeys []vultrKey `json:"ssh_keys"`
	}
	if err := a.client.Get(ctx, "/v2/ssh-keys?per_page=500", &resp); err != nil {
		return nil, err
	}

	keys := make([]provider.SSHKey, 0, len(resp.SSHKeys))
	for _, k := range resp.SSHKeys {
		keys = append(keys, provider.SSHKey{ID: k.ID, Name: k.Name, PublicKey: k.SSHKey})
	}
	return keys, nil
}

func (a *Adapter) AddSSHKey(ctx context.Context, name, publicKey string) (*provider.SSHKey, error) {
	fingerprint, err := provider.ParsePublicKey(ProviderID, publicKey)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"name": name, "ssh_key": publicKey}
	var resp struct {
		SSHKey vultrKey `json:"ssh_key"`
	}
	if err := a.client.Post(ctx, "/v2/ssh-keys", body, &resp); err != nil {
		return nil, err
	}
	return &provider.SSHKey{
		ID:          resp.SSHKey.ID,
		Name:        resp.SSHKey.Name,
		Fingerprint: fingerprint,
		PublicKey:   resp.SSHKey.SSHKey,
	}, nil
}

func (a *Adapter) RemoveSSHKey(ctx context.Context, keyID string) error {
	return a.client.Delete(ctx, "/v2/ssh-keys/"+keyID)
}

func toInstance(vi vultrInstance) *provider.Instance {
	created, _ := time.Parse(time.RFC3339, vi.DateCreated)
	inst := &provider.Instance{
		ProviderID: ProviderID,
		ID:         vi.ID,
		Name:       vi.Label,
		Status:     mapStatus(vi.Status, vi.PowerStatus),
		RegionID:   vi.Region,
		PlanID:     vi.Plan,
		IPv4:       zeroToEmpty(vi.MainIP),
		IPv6:       zeroToEmpty(vi.V6MainIP),
		CreatedAt:  created,
		Labels:     tagsToLabels(vi.Tags),
	}
	return inst
}

// Vultr reports "0.0.0.0" until an address is assigned.
func zeroToEmpty(ip string) string {
	if ip == "0.0.0.0" || ip == "::" {
		return ""
	}
	return ip
}

func mapStatus(status, power string) provider.InstanceStatus {
	switch status {
	case "pending":
		return provider.StatusProvisioning
	case "suspended":
		return provider.StatusError
	case "active":
		if power == "stopped" {
			return provider.StatusStopped
		}
		return provider.StatusRunning
	default:
		return provider.StatusUnknown
	}
}

func labelsToTags(labels map[string]string) []string {
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		tags = append(tags, k+":"+v)
	}
	return tags
}

func tagsToLabels(tags []string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	labels := make(map[string]string, len(tags))
	for _, t := range tags {
		if k, v, ok := strings.Cut(t, ":"); ok {
			labels[k] = v
		}
	}
	return labels
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
