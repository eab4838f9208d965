// Package digitalocean adapts the DigitalOcean REST API (v2) to the
// provider contract. Droplet labels are carried as "key:value" tags
// because DigitalOcean has no native key-value labels.
package digitalocean

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/provider/rest"
)

const (
	ProviderID = "digitalocean"
	baseURL    = "https://api.digitalocean.com"
)

// Adapter implements provider.Provider over the DigitalOcean API.
type Adapter struct {
	client *rest.Client
}

var _ provider.Provider = (*Adapter)(nil)

// New creates a DigitalOcean adapter from a personal access token.
func New(creds provider.Credentials) (*Adapter, error) {
	if creds.Token == "" {
		return nil, provider.NewError(ProviderID, "New", provider.ErrorAuth, "missing API token", nil)
	}
	return &Adapter{client: rest.NewClient(ProviderID, baseURL, creds.Token)}, nil
}

func (a *Adapter) Info() provider.Info {
	return provider.Info{
		ID:      ProviderID,
		Name:    "DigitalOcean",
		Website: "https://www.digitalocean.com",
		Capabilities: provider.Capabilities{
			IPv6:      true,
			CloudInit: true,
			SSHKeys:   true,
		},
	}
}

type doSize struct {
	Slug         string   `json:"slug"`
	VCPUs        int      `json:"vcpus"`
	Memory       int      `json:"memory"` // MB
	Disk         int      `json:"disk"`   // GB
	Transfer     float64  `json:"transfer"`
	PriceMonthly float64  `json:"price_monthly"`
	PriceHourly  float64  `json:"price_hourly"`
	Regions      []string `json:"regions"`
	Available    bool     `json:"available"`
}

func (a *Adapter) ListPlans(ctx context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	var resp struct {
		Sizes []doSize `json:"sizes"`
	}
	if err := a.client.Get(ctx, "/v2/sizes?per_page=200", &resp); err != nil {
		return nil, err
	}

	plans := make([]provider.Plan, 0, len(resp.Sizes))
	for _, s := range resp.Sizes {
		if !s.Available {
			continue
		}
		hourly := s.PriceHourly
		plans = append(plans, provider.Plan{
			ID:           s.Slug,
			Name:         s.Slug,
			CPU:          s.VCPUs,
			RAMGB:        s.Memory / 1024,
			DiskGB:       s.Disk,
			BandwidthTB:  s.Transfer,
			MonthlyPrice: s.PriceMonthly,
			HourlyPrice:  &hourly,
			ProviderID:   ProviderID,
		})
	}
	return provider.FilterPlans(plans, tier), nil
}

func (a *Adapter) ListRegions(ctx context.Context) ([]provider.Region, error) {
	var resp struct {
		Regions []struct {
			Slug      string   `json:"slug"`
			Name      string   `json:"name"`
			Available bool     `json:"available"`
			Features  []string `json:"features"`
		} `json:"regions"`
	}
	if err := a.client.Get(ctx, "/v2/regions?per_page=200", &resp); err != nil {
		return nil, err
	}

	regions := make([]provider.Region, 0, len(resp.Regions))
	for _, r := range resp.Regions {
		regions = append(regions, provider.Region{
			ID:        r.Slug,
			Name:      r.Name,
			Available: r.Available,
			Features:  r.Features,
		})
	}
	return regions, nil
}

type doDroplet struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Size struct {
		Slug string `json:"slug"`
	} `json:"size"`
	Networks struct {
		V4 []doNetwork `json:"v4"`
		V6 []doNetwork `json:"v6"`
	} `json:"networks"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

type doNetwork struct {
	IPAddress string `json:"ip_address"`
	Type      string `json:"type"`
}

func (a *Adapter) Provision(ctx context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	keys := make([]any, 0, len(cfg.SSHKeyIDs))
	for _, id := range cfg.SSHKeyIDs {
		// Numeric ids and fingerprints are both accepted by the API.
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			keys = append(keys, n)
		} else {
			keys = append(keys, id)
		}
	}

	body := map[string]any{
		"name":      cfg.Name,
		"region":    cfg.RegionID,
		"size":      cfg.PlanID,
		"image":     mapImage(cfg.Image),
		"ssh_keys":  keys,
		"ipv6":      true,
		"user_data": cfg.UserData,
		"tags":      labelsToTags(cfg.Labels),
	}

	var resp struct {
		Droplet doDroplet `json:"droplet"`
	}
	if err := a.client.Post(ctx, "/v2/droplets", body, &resp); err != nil {
		return nil, err
	}
	return toInstance(resp.Droplet), nil
}

func (a *Adapter) Destroy(ctx context.Context, instanceID string) error {
	if _, err := strconv.ParseInt(instanceID, 10, 64); err != nil {
		// Never a droplet id we issued; already gone as far as we care.
		return nil
	}
	err := a.client.Delete(ctx, "/v2/droplets/"+instanceID)
	if provider.IsKind(err, provider.ErrorNotFound) {
		return nil
	}
	return err
}

func (a *Adapter) GetInstance(ctx context.Context, instanceID string) (*provider.Instance, error) {
	var resp struct {
		Droplet doDroplet `json:"droplet"`
	}
	if err := a.client.Get(ctx, "/v2/droplets/"+instanceID, &resp); err != nil {
		return nil, err
	}
	return toInstance(resp.Droplet), nil
}

func (a *Adapter) ListInstances(ctx context.Context, labels map[string]string) ([]provider.Instance, error) {
	path := "/v2/droplets?per_page=200"
	// The API filters on a single tag; remaining labels are matched here.
	for k, v := range labels {
		path += "&tag_name=" + url.QueryEscape(k+":"+v)
		break
	}

	var resp struct {
		Droplets []doDroplet `json:"droplets"`
	}
	if err := a.client.Get(ctx, path, &resp); err != nil {
		return nil, err
	}

	var out []provider.Instance
	for _, d := range resp.Droplets {
		inst := toInstance(d)
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
	return a.action(ctx, instanceID, "power_on")
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) error {
	return a.action(ctx, instanceID, "power_off")
}

func (a *Adapter) Reboot(ctx context.Context, instanceID string) error {
	return a.action(ctx, instanceID, "reboot")
}

func (a *Adapter) action(ctx context.Context, instanceID, actionType string) error {
	body := map[string]string{"type": actionType}
	return a.client.Post(ctx, fmt.Sprintf("/v2/droplets/%s/actions", instanceID), body, nil)
}

type doKey struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
}

func (a *Adapter) ListSSHKeys(ctx context.Context) ([]provider.SSHKey, error) {
	var resp struct {
		SSHKeys []doKey `json:"ssh_keys"`
	}
	if err := a.client.Get(ctx, "/v2/account/keys?per_page=200", &resp); err != nil {
		return nil, err
	}

	keys := make([]provider.SSHKey, 0, len(resp.SSHKeys))
	for _, k := range resp.SSHKeys {
		keys = append(keys, provider.SSHKey{
			ID:          strconv.FormatInt(k.ID, 10),
			Name:        k.Name,
			Fingerprint: k.Fingerprint,
			PublicKey:   k.PublicKey,
		})
	}
	return keys, nil
}

func (a *Adapter) AddSSHKey(ctx context.Context, name, publicKey string) (*provider.SSHKey, error) {
	if _, err := provider.ParsePublicKey(ProviderID, publicKey); err != nil {
		return nil, err
	}

	body := map[string]string{"name": name, "public_key": publicKey}
	var resp struct {
		SSHKey doKey `json:"ssh_key"`
	}
	if err := a.client.Post(ctx, "/v2/account/keys", body, &resp); err != nil {
		return nil, err
	}
	return &provider.SSHKey{
		ID:          strconv.FormatInt(resp.SSHKey.ID, 10),
		Name:        resp.SSHKey.Name,
		Fingerprint: resp.SSHKey.Fingerprint,
		PublicKey:   resp.SSHKey.PublicKey,
	}, nil
}

func (a *Adapter) RemoveSSHKey(ctx context.Context, keyID string) error {
	return a.client.Delete(ctx, "/v2/account/keys/"+keyID)
}

func toInstance(d doDroplet) *provider.Instance {
	inst := &provider.Instance{
		ProviderID: ProviderID,
		ID:         strconv.FormatInt(d.ID, 10),
		Name:       d.Name,
		Status:     mapStatus(d.Status),
		RegionID:   d.Region.Slug,
		PlanID:     d.Size.Slug,
		CreatedAt:  d.CreatedAt,
		Labels:     tagsToLabels(d.Tags),
	}
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			inst.IPv4 = n.IPAddress
			break
		}
	}
	for _, n := range d.Networks.V6 {
		if n.Type == "public" {
			inst.IPv6 = n.IPAddress
			break
		}
	}
	return inst
}

func mapStatus(s string) provider.InstanceStatus {
	switch s {
	case "new":
		return provider.StatusProvisioning
	case "active":
		return provider.StatusRunning
	case "off":
		return provider.StatusStopped
	case "archive":
		return provider.StatusError
	default:
		return provider.StatusUnknown
	}
}

func mapImage(image string) string {
	switch image {
	case "debian-12":
		return "debian-12-x64"
	case "ubuntu-24.04":
		return "ubuntu-24-04-x64"
	case "ubuntu-22.04":
		return "ubuntu-22-04-x64"
	default:
		return image
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
