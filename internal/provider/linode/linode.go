// Package linode adapts the Linode REST API (v4) to the provider
// contract. Linode wants raw public keys at create time instead of key
// ids, so Provision resolves the account's registered keys first.
package linode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/provider/rest"
)

const (
	ProviderID = "linode"
	baseURL    = "https://api.linode.com"
)

var images = map[string]string{
	"debian-12":    "linode/debian12",
	"ubuntu-24.04": "linode/ubuntu24.04",
	"ubuntu-22.04": "linode/ubuntu22.04",
}

// Adapter implements provider.Provider over the Linode API.
type Adapter struct {
	client *rest.Client
}

var _ provider.Provider = (*Adapter)(nil)

// New creates a Linode adapter from a personal access token.
func New(creds provider.Credentials) (*Adapter, error) {
	if creds.Token == "" {
		return nil, provider.NewError(ProviderID, "New", provider.ErrorAuth, "missing API token", nil)
	}
	return &Adapter{client: rest.NewClient(ProviderID, baseURL, creds.Token)}, nil
}

func (a *Adapter) Info() provider.Info {
	return provider.Info{
		ID:      ProviderID,
		Name:    "Linode",
		Website: "https://www.linode.com",
		Capabilities: provider.Capabilities{
			IPv6:      true,
			CloudInit: true,
			SSHKeys:   true,
		},
	}
}

func (a *Adapter) ListPlans(ctx context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	var resp struct {
		Data []struct {
			ID       string `json:"id"`
			Label    string `json:"label"`
			VCPUs    int    `json:"vcpus"`
			Memory   int    `json:"memory"`   // MB
			Disk     int    `json:"disk"`     // MB
			Transfer int    `json:"transfer"` // GB
			Class    string `json:"class"`
			Price    struct {
				Hourly  float64 `json:"hourly"`
				Monthly float64 `json:"monthly"`
			} `json:"price"`
		} `json:"data"`
	}
	if err := a.client.Get(ctx, "/v4/linode/types?page_size=500", &resp); err != nil {
		return nil, err
	}

	plans := make([]provider.Plan, 0, len(resp.Data))
	for _, t := range resp.Data {
		if t.Class != "standard" && t.Class != "dedicated" {
			continue
		}
		hourly := t.Price.Hourly
		plans = append(plans, provider.Plan{
			ID:           t.ID,
			Name:         t.Label,
			CPU:          t.VCPUs,
			RAMGB:        t.Memory / 1024,
			DiskGB:       t.Disk / 1024,
			BandwidthTB:  float64(t.Transfer) / 1024,
			MonthlyPrice: t.Price.Monthly,
			HourlyPrice:  &hourly,
			ProviderID:   ProviderID,
		})
	}
	return provider.FilterPlans(plans, tier), nil
}

func (a *Adapter) ListRegions(ctx context.Context) ([]provider.Region, error) {
	var resp struct {
		Data []struct {
			ID           string   `json:"id"`
			Label        string   `json:"label"`
			Country      string   `json:"country"`
			Status       string   `json:"status"`
			Capabilities []string `json:"capabilities"`
		} `json:"data"`
	}
	if err := a.client.Get(ctx, "/v4/regions", &resp); err != nil {
		return nil, err
	}

	regions := make([]provider.Region, 0, len(resp.Data))
	for _, r := range resp.Data {
		regions = append(regions, provider.Region{
			ID:        r.ID,
			Name:      r.Label,
			Country:   strings.ToUpper(r.Country),
			Available: r.Status == "ok",
			Features:  r.Capabilities,
		})
	}
	return regions, nil
}

type linodeInstance struct {
	ID      int64    `json:"id"`
	Label   string   `json:"label"`
	Status  string   `json:"status"`
	Region  string   `json:"region"`
	Type    string   `json:"type"`
	IPv4    []string `json:"ipv4"`
	IPv6    string   `json:"ipv6"`
	Created string   `json:"created"`
	Tags    []string `json:"tags"`
}

func (a *Adapter) Provision(ctx context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	image, ok := images[cfg.Image]
	if !ok {
		return nil, provider.NewError(ProviderID, "Provision", provider.ErrorInvalidInput,
			"unsupported image "+cfg.Image, nil)
	}

	authorizedKeys, err := a.resolveKeys(ctx, cfg.SSHKeyIDs)
	if err != nil {
		return nil, err
	}

	rootPass, err := randomRootPass()
	if err != nil {
		return nil, provider.NewError(ProviderID, "Provision", provider.ErrorFatal, "generate root password", err)
	}

	body := map[string]any{
		"region":          cfg.RegionID,
		"type":            cfg.PlanID,
		"image":           image,
		"label":           cfg.Name,
		"root_pass":       rootPass,
		"authorized_keys": authorizedKeys,
		"booted":          true,
		"tags":            labelsToTags(cfg.Labels),
	}
	if cfg.UserData != "" {
		body["metadata"] = map[string]string{
			"user_data": base64.StdEncoding.EncodeToString([]byte(cfg.UserData)),
		}
	}

	var li linodeInstance
	if err := a.client.Post(ctx, "/v4/linode/instances", body, &li); err != nil {
		return nil, err
	}
	return toInstance(li), nil
}

// resolveKeys maps registered key ids to the raw public keys the create
// call expects.
func (a *Adapter) resolveKeys(ctx context.Context, keyIDs []string) ([]string, error) {
	if len(keyIDs) == 0 {
		return nil, nil
	}
	keys, err := a.ListSSHKeys(ctx)
	if err != nil {
		return nil, err
	}
	byID := lo.SliceToMap(keys, func(k provider.SSHKey) (string, string) { return k.ID, k.PublicKey })

	out := make([]string, 0, len(keyIDs))
	for _, id := range keyIDs {
		pub, ok := byID[id]
		if !ok {
			return nil, provider.NewError(ProviderID, "Provision", provider.ErrorNotFound,
				"ssh key "+id+" not registered", nil)
		}
		out = append(out, strings.TrimSpace(pub))
	}
	return out, nil
}

func (a *Adapter) Destroy(ctx context.Context, instanceID string) error {
	if _, err := strconv.ParseInt(instanceID, 10, 64); err != nil {
		return nil
	}
	err := a.client.Delete(ctx, "/v4/linode/instances/"+instanceID)
	if provider.IsKind(err, provider.ErrorNotFound) {
		return nil
	}
	return err
}

func (a *Adapter) GetInstance(ctx context.Context, instanceID string) (*provider.Instance, error) {
	var li linodeInstance
	if err := a.client.Get(ctx, "/v4/linode/instances/"+instanceID, &li); err != nil {
		return nil, err
	}
	return toInstance(li), nil
}

func (a *Adapter) ListInstances(ctx context.Context, labels map[string]string) ([]provider.Instance, error) {
	var resp struct {
		Data []linodeInstance `json:"data"`
	}
	if err := a.client.Get(ctx, "/v4/linode/instances?page_size=500", &resp); err != nil {
		return nil, err
	}

	var out []provider.Instance
	for _, li := range resp.Data {
		inst := toInstance(li)
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
	return a.client.Post(ctx, fmt.Sprintf("/v4/linode/instances/%s/boot", instanceID), nil, nil)
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, fmt.Sprintf("/v4/linode/instances/%s/shutdown", instanceID), nil, nil)
}

func (a *Adapter) Reboot(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, fmt.Sprintf("/v4/linode/instances/%s/reboot", instanceID), nil, nil)
}

type linodeKey struct {
	ID     int64  `json:"id"`
	Label  string `json:"label"`
	SSHKey string `json:"ssh_key"`
}

func (a *Adapter) ListSSHKeys(ctx context.Context) ([]provider.SSHKey, error) {
	var resp struct {
		Data []linodeKey `json:"data"`
	}
	if err := a.client.Get(ctx, "/v4/profile/sshkeys?page_size=500", &resp); err != nil {
		return nil, err
	}

	keys := make([]provider.SSHKey, 0, len(resp.Data))
	for _, k := range resp.Data {
		keys = append(keys, provider.SSHKey{
			ID:        strconv.FormatInt(k.ID, 10),
			Name:      k.Label,
			PublicKey: k.SSHKey,
		})
	}
	return keys, nil
}

func (a *Adapter) AddSSHKey(ctx context.Context, name, publicKey string) (*provider.SSHKey, error) {
	fingerprint, err := provider.ParsePublicKey(ProviderID, publicKey)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"label": name, "ssh_key": publicKey}
	var k linodeKey
	if err := a.client.Post(ctx, "/v4/profile/sshkeys", body, &k); err != nil {
		return nil, err
	}
	return &provider.SSHKey{
		ID:          strconv.FormatInt(k.ID, 10),
		Name:        k.Label,
		Fingerprint: fingerprint,
		PublicKey:   k.SSHKey,
	}, nil
}

func (a *Adapter) RemoveSSHKey(ctx context.Context, keyID string) error {
	return a.client.Delete(ctx, "/v4/profile/sshkeys/"+keyID)
}

func toInstance(li linodeInstance) *provider.Instance {
	created, _ := time.Parse("2006-01-02T15:04:05", li.Created)
	inst := &provider.Instance{
		ProviderID: ProviderID,
		ID:         strconv.FormatInt(li.ID, 10),
		Name:       li.Label,
		Status:     mapStatus(li.Status),
		RegionID:   li.Region,
		PlanID:     li.Type,
		IPv6:       strings.TrimSuffix(li.IPv6, "/128"),
		CreatedAt:  created,
		Labels:     tagsToLabels(li.Tags),
	}
	if len(li.IPv4) > 0 {
		inst.IPv4 = li.IPv4[0]
	}
	return inst
}

func mapStatus(s string) provider.InstanceStatus {
	switch s {
	case "provisioning", "migrating", "rebuilding", "cloning", "restoring":
		return provider.StatusProvisioning
	case "booting":
		return provider.StatusPending
	case "running":
		return provider.StatusRunning
	case "offline", "stopped", "shutting_down":
		return provider.StatusStopped
	case "rebooting":
		return provider.StatusRebooting
	default:
		return provider.StatusUnknown
	}
}

func randomRootPass() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
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
