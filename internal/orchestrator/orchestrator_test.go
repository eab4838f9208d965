package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avast/retry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/docs"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

// fakeProvider answers the full adapter contract from in-memory state.
type fakeProvider struct {
	mu             sync.Mutex
	status         provider.InstanceStatus
	ip             string
	provisionCalls int
	destroyed      []string
	lastConfig     provider.ProvisionConfig
}

var _ provider.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) Info() provider.Info { return provider.Info{ID: "hetzner", Name: "fake"} }

func (f *fakeProvider) ListPlans(_ context.Context, tier *provider.Tier) ([]provider.Plan, error) {
	plans := []provider.Plan{{ID: "cx22", CPU: 2, RAMGB: 4, DiskGB: 40, MonthlyPrice: 4.5, ProviderID: "hetzner"}}
	return provider.FilterPlans(plans, tier), nil
}

func (f *fakeProvider) ListRegions(context.Context) ([]provider.Region, error) {
	return []provider.Region{{ID: "nbg1", Available: true}}, nil
}

func (f *fakeProvider) Provision(_ context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionCalls++
	f.lastConfig = cfg
	return &provider.Instance{
		ProviderID: "hetzner",
		ID:         fmt.Sprintf("i-%d", f.provisionCalls),
		Name:       cfg.Name,
		Status:     provider.StatusProvisioning,
		RegionID:   cfg.RegionID,
		PlanID:     cfg.PlanID,
	}, nil
}

func (f *fakeProvider) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeProvider) GetInstance(_ context.Context, id string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &provider.Instance{ProviderID: "hetzner", ID: id, Status: f.status, IPv4: f.ip}, nil
}

func (f *fakeProvider) ListInstances(context.Context, map[string]string) ([]provider.Instance, error) {
	return nil, nil
}

func (f *fakeProvider) GetStatus(_ context.Context, id string) (provider.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeProvider) Start(context.Context, string) error  { return nil }
func (f *fakeProvider) Stop(context.Context, string) error   { return nil }
func (f *fakeProvider) Reboot(context.Context, string) error { return nil }

func (f *fakeProvider) ListSSHKeys(context.Context) ([]provider.SSHKey, error) { return nil, nil }
func (f *fakeProvider) AddSSHKey(context.Context, string, string) (*provider.SSHKey, error) {
	return nil, provider.NotImplemented("hetzner", "AddSSHKey")
}
func (f *fakeProvider) RemoveSSHKey(context.Context, string) error { return nil }

// fakeDNS records creates; a non-nil err fails every create.
type fakeDNS struct {
	mu      sync.Mutex
	err     error
	n       int
	records map[string]string
}

func (f *fakeDNS) CreateARecord(_ context.Context, name, ip string, proxied bool, ttl int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.records == nil {
		f.records = make(map[string]string)
	}
	f.n++
	id := fmt.Sprintf("rec-%d", f.n)
	f.records[name] = id
	return id, nil
}

func (f *fakeDNS) DeleteRecord(context.Context, string) error         { return nil }
func (f *fakeDNS) DeleteBeaconRecords(context.Context, []string) error { return nil }

// mailRecorder captures every send.
type mailRecorder struct {
	mu    sync.Mutex
	kinds []mail.Kind
}

func (m *mailRecorder) Send(_ context.Context, kind mail.Kind, _ []string, _ mail.TemplateData, _ ...mail.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	return nil
}

func (m *mailRecorder) sent() []mail.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Kind(nil), m.kinds...)
}

// fakeDocs returns a fixed welcome card.
type fakeDocs struct{}

func (fakeDocs) Generate(context.Context, docs.Request) (*docs.Result, error) {
	return &docs.Result{
		Files:           map[string]string{"welcome_card": "/var/wopr/docs/welcome.pdf"},
		WelcomePDFBytes: []byte("%PDF-fake"),
	}, nil
}

type memCounter struct{ n uint64 }

func (m *memCounter) NextCounter(context.Context, string) (uint64, error) {
	return atomic.AddUint64(&m.n, 1), nil
}

type testEnv struct {
	orch    *Orchestrator
	store   store.Store
	beacons beacon.Repository
	prov    *fakeProvider
	dns     *fakeDNS
	mail    *mailRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	jobs, err := store.NewCachedStore(backend)
	require.NoError(t, err)

	prov := &fakeProvider{status: provider.StatusRunning, ip: "127.0.0.1"}
	registry := provider.NewRegistry(&memCounter{}, slog.Default())
	registry.Register("hetzner", 40, func(provider.Credentials, *slog.Logger) (provider.Provider, error) {
		return prov, nil
	})
	require.NoError(t, registry.Configure(map[string]provider.Credentials{"hetzner": {}}))

	fdns := &fakeDNS{}
	rec := &mailRecorder{}
	beacons := beacon.NewMemoryRepository()

	orch := New(jobs, registry, fdns, rec, fakeDocs{}, beacons, Config{
		BaseDomain:       "test.example",
		InstallerURL:     "https://get.example/bootstrap.sh",
		DashboardURL:     "https://dash.example",
		VPSReadyTimeout:  300 * time.Millisecond,
		VPSPollInterval:  10 * time.Millisecond,
		WOPRReadyTimeout: 100 * time.Millisecond,
		WOPRPollInterval: 10 * time.Millisecond,
	}, slog.Default())

	return &testEnv{orch: orch, store: jobs, beacons: beacons, prov: prov, dns: fdns, mail: rec}
}

func (e *testEnv) createJob(t *testing.T, job *store.Job) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), job))
}

func baseJob(id string) *store.Job {
	return &store.Job{
		ID:             id,
		SessionID:      "cs_" + id,
		CustomerID:     "cus_1",
		CustomerEmail:  "a@b.c",
		SubscriptionID: "sub_1",
		Bundle:         "sovereign-starter",
		Tier:           provider.TierStarter,
		ProviderID:     "hetzner",
		Phase:          store.PhasePending,
	}
}

func (e *testEnv) waitPhase(t *testing.T, jobID string, want store.Phase) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.Phase == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := e.store.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, stuck at %s (%s)", jobID, want, job.Phase, job.ErrorMessage)
	return nil
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, baseJob("01T1"))

	require.NoError(t, env.orch.Dispatch(context.Background(), "01T1"))
	job := env.waitPhase(t, "01T1", store.PhaseCompleted)

	assert.NotEmpty(t, job.InstanceID)
	assert.Equal(t, "127.0.0.1", job.InstanceIP)
	assert.True(t, strings.HasPrefix(job.Subdomain, "sovereign-starter-"), "subdomain %q", job.Subdomain)
	assert.Len(t, strings.TrimPrefix(job.Subdomain, "sovereign-starter-"), 8)

	// Both the beacon record and its wildcard.
	require.Len(t, job.DNSRecordIDs, 2)
	fqdn := job.Subdomain + ".test.example"
	assert.Contains(t, job.DNSRecordIDs, fqdn)
	assert.Contains(t, job.DNSRecordIDs, "*."+fqdn)

	// The adapter saw the tier-1 plan and cloud-init user data.
	env.prov.mu.Lock()
	cfg := env.prov.lastConfig
	env.prov.mu.Unlock()
	assert.Equal(t, "cx22", cfg.PlanID)
	assert.Equal(t, "nbg1", cfg.RegionID)
	assert.True(t, strings.HasPrefix(cfg.UserData, "#cloud-config"))
	assert.Equal(t, "01T1", cfg.Labels["wopr-job"])

	// COMPLETED registers the beacon for the dunning engine.
	b, err := env.beacons.GetBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, beacon.StatusActive, b.Status)
	assert.Equal(t, job.InstanceID, b.InstanceID)

	kinds := env.mail.sent()
	assert.Contains(t, kinds, mail.KindProvisioningStarted)
	assert.Contains(t, kinds, mail.KindWelcome)
}

func TestDNSOutageIsNonFatal(t *testing.T) {
	env := newTestEnv(t)
	env.dns.err = retry.Unrecoverable(errors.New("zone api down"))
	env.createJob(t, baseJob("01T2"))

	require.NoError(t, env.orch.Dispatch(context.Background(), "01T2"))
	job := env.waitPhase(t, "01T2", store.PhaseCompleted)

	assert.Empty(t, job.DNSRecordIDs)
	assert.NotEmpty(t, job.InstanceIP)
}

func TestVPSTimeoutFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.prov.status = provider.StatusProvisioning
	env.prov.ip = ""
	env.createJob(t, baseJob("01T3"))

	require.NoError(t, env.orch.Dispatch(context.Background(), "01T3"))
	job := env.waitPhase(t, "01T3", store.PhaseFailed)

	assert.Equal(t, "Timeout waiting for VPS", job.ErrorMessage)
	assert.Equal(t, 1, job.RetryCount)
}

func TestResumeFromStoredPhase(t *testing.T) {
	env := newTestEnv(t)

	// A job the previous process left mid-wait, instance already
	// provisioned.
	job := baseJob("01T4")
	job.Phase = store.PhaseWaitingForVPS
	job.InstanceID = "i-existing"
	job.Subdomain = "sovereign-starter-cafe0123"
	env.createJob(t, job)

	require.NoError(t, env.orch.ResumeStale(context.Background()))
	got := env.waitPhase(t, "01T4", store.PhaseCompleted)

	// Resumption must not provision a second instance.
	env.prov.mu.Lock()
	calls := env.prov.provisionCalls
	env.prov.mu.Unlock()
	assert.Zero(t, calls)
	assert.Equal(t, "i-existing", got.InstanceID)
	assert.Equal(t, "127.0.0.1", got.InstanceIP)
}

func TestResumeSkipsExhaustedJobs(t *testing.T) {
	env := newTestEnv(t)

	job := baseJob("01T5")
	job.Phase = store.PhaseWaitingForVPS
	job.RetryCount = 3
	env.createJob(t, job)

	require.NoError(t, env.orch.ResumeStale(context.Background()))
	time.Sleep(100 * time.Millisecond)

	got, err := env.store.Get(context.Background(), "01T5")
	require.NoError(t, err)
	assert.Equal(t, store.PhaseWaitingForVPS, got.Phase)
}

func TestStartPhaseFor(t *testing.T) {
	assert.Equal(t, store.PhasePaymentReceived, startPhaseFor(&store.Job{Phase: store.PhasePending}))
	assert.Equal(t, store.PhasePaymentReceived, startPhaseFor(&store.Job{Phase: store.PhaseFailed}))
	assert.Equal(t, store.PhaseWaitingForVPS, startPhaseFor(&store.Job{Phase: store.PhaseWaitingForVPS}))
	assert.Equal(t, store.PhaseConfiguringDNS, startPhaseFor(&store.Job{Phase: store.PhaseConfiguringDNS}))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 60*time.Second, retryDelay(1))
	assert.Equal(t, 120*time.Second, retryDelay(2))
	assert.Equal(t, 240*time.Second, retryDelay(3))
}

func TestPlanTable(t *testing.T) {
	tests := []struct {
		providerID string
		tier       provider.Tier
		want       string
	}{
		{"hetzner", provider.TierStarter, "cx22"},
		{"hetzner", provider.TierPro, "cx42"},
		{"digitalocean", provider.TierStandard, "s-4vcpu-8gb"},
		{"vultr", provider.TierStarter, "vc2-2c-4gb"},
		{"linode", provider.TierPro, "g6-standard-8"},
		{"contabo", provider.TierStarter, "V91"},
	}
	for _, tt := range tests {
		got, err := planFor(tt.providerID, tt.tier)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := planFor("unknown", provider.TierStarter)
	assert.Error(t, err)
	_, err = planFor("hetzner", provider.Tier(9))
	assert.Error(t, err)
}

func TestShutdownLeavesJobResumable(t *testing.T) {
	env := newTestEnv(t)
	// Keep the worker parked in WAITING_FOR_VPS.
	env.prov.status = provider.StatusProvisioning
	env.prov.ip = ""
	env.orch.cfg.VPSReadyTimeout = 10 * time.Second

	env.createJob(t, baseJob("01T6"))
	require.NoError(t, env.orch.Dispatch(context.Background(), "01T6"))

	env.waitPhase(t, "01T6", store.PhaseWaitingForVPS)
	env.orch.Shutdown()

	got, err := env.store.Get(context.Background(), "01T6")
	require.NoError(t, err)
	assert.Equal(t, store.PhaseWaitingForVPS, got.Phase)
	assert.Zero(t, got.RetryCount)
}
