// Package contabo adapts the Contabo REST API (v1) to the provider
// contract. Contabo has no public product-listing endpoint, so the
// plan catalog is static; everything else goes through the API.
package contabo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/provider/rest"
)

const (
	ProviderID = "contabo"
	baseURL    = "https://api.contabo.com"
	authURL    = "https://auth.contabo.com/auth/realms/contabo/protocol/openid-connect/token"
)

// catalog is the static Contabo Cloud VPS lineup, prices in EUR.
var catalog = []provider.Plan{
	{ID: "V91", Name: "Cloud VPS 1", CPU: 4, RAMGB: 6, DiskGB: 100, BandwidthTB: 32, MonthlyPrice: 5.50, ProviderID: ProviderID},
	{ID: "V92", Name: "Cloud VPS 2", CPU: 6, RAMGB: 16, DiskGB: 200, BandwidthTB: 32, MonthlyPrice: 11.50, ProviderID: ProviderID},
	{ID: "V93", Name: "Cloud VPS 3", CPU: 8, RAMGB: 24, DiskGB: 300, BandwidthTB: 32, MonthlyPrice: 17.50, ProviderID: ProviderID},
	{ID: "V94", Name: "Cloud VPS 4", CPU: 12, RAMGB: 48, DiskGB: 400, BandwidthTB: 32, MonthlyPrice: 29.50, ProviderID: ProviderID},
}

var regions = []provider.Region{
	{ID: "EU", Name: "European Union", Country: "DE", City: "Nuremberg", Available: true},
	{ID: "US-central", Name: "US Central", Country: "US", City: "St. Louis", Available: true},
	{ID: "US-east", Name: "US East", Country: "US", City: "New York", Available: true},
	{ID: "US-west", Name: "US West", Country: "US", City: "Seattle", Available: true},
	{ID: "SIN", Name: "Asia (Singapore)", Country: "SG", City: "Singapore", Available: true},
}

// Adapter implements provider.Provider over the Contabo API.
type Adapter struct {
	client *rest.Client

	mu          sync.Mutex
	clientID    string
	secret      string
	accessToken string
	tokenExpiry time.Time
}

var _ provider.Provider = (*Adapter)(nil)

// New creates a Contabo adapter from OAuth client credentials.
func New(creds provider.Credentials) (*Adapter, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, provider.NewError(ProviderID, "New", provider.ErrorAuth, "missing client credentials", nil)
	}
	a := &Adapter{clientID: creds.ClientID, secret: creds.ClientSecret}
	a.client = rest.NewClient(ProviderID, baseURL, "",
		rest.WithTokenSource(a.token),
		rest.WithRequestEditor(func(req *http.Request) {
			req.Header.Set("x-request-id", uuid.NewString())
		}),
	)
	return a, nil
}

// token returns a cached OAuth access token, refreshing when it is
// within a minute of expiry.
func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Until(a.tokenExpiry) > time.Minute {
		return a.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.clientID},
		"client_secret": {a.secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &tok); err != nil {
		return "", err
	}

	a.accessToken = tok.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

func (a *Adapter) Info() provider.Info {
	return provider.Info{
		ID:      ProviderID,
		Name:    "Contabo",
		Website: "https://contabo.com",
		Capabilities: provider.Capabilities{
			IPv6:      true,
			CloudInit: true,
			SSHKeys:   true,
		},
	}
}

func (a *Adapter) ListPlans(_ context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	plans := make([]provider.Plan, len(catalog))
	copy(plans, catalog)
	return provider.FilterPlans(plans, tier), nil
}

func (a *Adapter) ListRegions(_ context.Context) ([]provider.Region, error) {
	out := make([]provider.Region, len(regions))
	copy(out, regions)
	return out, nil
}

type cbInstance struct {
	InstanceID  int64    `json:"instanceId"`
	DisplayName string   `json:"displayName"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Region      string   `json:"region"`
	ProductID   string   `json:"productId"`
	IPConfig    ipConfig `json:"ipConfig"`
	CreatedDate string   `json:"createdDate"`
}

type ipConfig struct {
	V4 struct {
		IP string `json:"ip"`
	} `json:"v4"`
	V6 struct {
		IP string `json:"ip"`
	} `json:"v6"`
}

func (a *Adapter) Provision(ctx context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	imageID, err := a.resolveImage(ctx, cfg.Image)
	if err != nil {
		return nil, err
	}

	keyIDs := make([]int64, 0, len(cfg.SSHKeyIDs))
	for _, id := range cfg.SSHKeyIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, provider.NewError(ProviderID, "Provision", provider.ErrorInvalidInput,
				"ssh key id must be numeric: "+id, nil)
		}
		keyIDs = append(keyIDs, n)
	}

	body := map[string]any{
		"imageId":     imageID,
		"productId":   cfg.PlanID,
		"region":      cfg.RegionID,
		"displayName": cfg.Name,
		"sshKeys":     keyIDs,
		"period":      1,
	}
	if cfg.UserData != "" {
		body["userData"] = cfg.UserData
	}

	var resp struct {
		Data []cbInstance `json:"data"`
	}
	if err := a.client.Post(ctx, "/v1/compute/instances", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, provider.NewError(ProviderID, "Provision", provider.ErrorFatal, "empty create response", nil)
	}
	return toInstance(resp.Data[0], cfg.Labels), nil
}

// resolveImage finds the standard image id whose name matches the
// abstract image name.
func (a *Adapter) resolveImage(ctx context.Context, image string) (string, error) {
	var resp struct {
		Data []struct {
			ImageID string `json:"imageId"`
			Name    string `json:"name"`
		} `json:"data"`
	}
	if err := a.client.Get(ctx, "/v1/compute/images?size=200&standardImage=true", &resp); err != nil {
		return "", err
	}

	want := strings.ToLower(image)
	for _, img := range resp.Data {
		if strings.ToLower(img.Name) == want {
			return img.ImageID, nil
		}
	}
	return "", provider.NewError(ProviderID, "Provision", provider.ErrorInvalidInput,
		"unsupported image "+image, nil)
}

func (a *Adapter) Destroy(ctx context.Context, instanceID string) error {
	if _, err := strconv.ParseInt(instanceID, 10, 64); err != nil {
		return nil
	}
	err := a.client.Delete(ctx, "/v1/compute/instances/"+instanceID)
	if provider.IsKind(err, provider.ErrorNotFound) {
		return nil
	}
	return err
}

func (a *Adapter) GetInstance(ctx context.Context, instanceID string) (*provider.Instance, error) {
	var resp struct {
		Data []cbInstance `json:"data"`
	}
	if err := a.client.Get(ctx, "/v1/compute/instances/"+instanceID, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, provider.NewError(ProviderID, "GetInstance", provider.ErrorNotFound,
			"instance "+instanceID+" not found", nil)
	}
	return toInstance(resp.Data[0], nil), nil
}

// ListInstances cannot filter on labels: Contabo carries no tag
// metadata, so only name-prefix matching via displayName is possible
// and label filters other than the name are ignored.
func (a *Adapter) ListInstances(ctx context.Context, _ map[string]string) ([]provider.Instance, error) {
	var resp struct {
		Data []cbInstance `json:"data"`
	}
	if err := a.client.Get(ctx, "/v1/compute/instances?size=200", &resp); err != nil {
		return nil, err
	}

	out := make([]provider.Instance, 0, len(resp.Data))
	for _, ci := range resp.Data {
		out = append(out, *toInstance(ci, nil))
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
	return a.client.Post(ctx, "/v1/compute/instances/"+instanceID+"/actions/start", nil, nil)
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, "/v1/compute/instances/"+instanceID+"/actions/stop", nil, nil)
}

func (a *Adapter) Reboot(ctx context.Context, instanceID string) error {
	return a.client.Post(ctx, "/v1/compute/instances/"+instanceID+"/actions/restart", nil, nil)
}

type cbSecret struct {
	SecretID int64  `json:"secretId"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

func (a *Adapter) ListSSHKeys(ctx context.Context) ([]provider.SSHKey, error) {
	var resp struct {
		Data []cbSecret `json:"data"`
	}
	if err := a.client.Get(ctx, "/v1/secrets?size=200&type=ssh", &resp); err != nil {
		return nil, err
	}

	keys := make([]provider.SSHKey, 0, len(resp.Data))
	for _, s := range resp.Data {
		keys = append(keys, provider.SSHKey{
			ID:        strconv.FormatInt(s.SecretID, 10),
			Name:      s.Name,
			PublicKey: s.Value,
		})
	}
	return keys, nil
}

func (a *Adapter) AddSSHKey(ctx context.Context, name, publicKey string) (*provider.SSHKey, error) {
	fingerprint, err := provider.ParsePublicKey(ProviderID, publicKey)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"name": name, "value": publicKey, "type": "ssh"}
	var resp struct {
		Data []cbSecret `json:"data"`
	}
	if err := a.client.Post(ctx, "/v1/secrets", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, provider.NewError(ProviderID, "AddSSHKey", provider.ErrorFatal, "empty create response", nil)
	}
	return &provider.SSHKey{
		ID:          strconv.FormatInt(resp.Data[0].SecretID, 10),
		Name:        resp.Data[0].Name,
		Fingerprint: fingerprint,
		PublicKey:   resp.Data[0].Value,
	}, nil
}

func (a *Adapter) RemoveSSHKey(ctx context.Context, keyID string) error {
	return a.client.Delete(ctx, "/v1/secrets/"+keyID)
}

func toInstance(ci cbInstance, labels map[string]string) *provider.Instance {
	created, _ := time.Parse(time.RFC3339, ci.CreatedDate)
	name := ci.DisplayName
	if name == "" {
		name = ci.Name
	}
	return &provider.Instance{
		ProviderID: ProviderID,
		ID:         strconv.FormatInt(ci.InstanceID, 10),
		Name:       name,
		Status:     mapStatus(ci.Status),
		RegionID:   ci.Region,
		PlanID:     ci.ProductID,
		IPv4:       ci.IPConfig.V4.IP,
		IPv6:       ci.IPConfig.V6.IP,
		CreatedAt:  created,
		Labels:     labels,
	}
}

func mapStatus(s string) provider.InstanceStatus {
	switch s {
	case "provisioning", "installing", "pending_payment":
		return provider.StatusProvisioning
	case "running":
		return provider.StatusRunning
	case "stopped", "cancelled":
		return provider.StatusStopped
	case "error":
		return provider.StatusError
	default:
		return provider.StatusUnknown
	}
}
