package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/docs"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/orchestrator"
	"github.com/woprhq/provisioner/internal/pkg/ulid"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

type provisionEnv struct {
	router *chi.Mux
	store  store.Store
}

func newProvisionEnv(t *testing.T) *provisionEnv {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	jobs, err := store.NewCachedStore(backend)
	require.NoError(t, err)

	registry := provider.NewRegistry(&memCounter{}, slog.Default())
	registry.Register("hetzner", 40, func(provider.Credentials, *slog.Logger) (provider.Provider, error) {
		return &webhookProvider{}, nil
	})
	require.NoError(t, registry.Configure(map[string]provider.Credentials{"hetzner": {}}))

	orch := orchestrator.New(jobs, registry, nil, &mail.Noop{}, &docs.Noop{}, beacon.NewMemoryRepository(), orchestrator.Config{
		BaseDomain:       "wopr.example",
		VPSReadyTimeout:  200 * time.Millisecond,
		VPSPollInterval:  10 * time.Millisecond,
		WOPRReadyTimeout: 50 * time.Millisecond,
		WOPRPollInterval: 10 * time.Millisecond,
	}, slog.Default())
	t.Cleanup(orch.Shutdown)

	h := NewProvisionHandler(jobs, orch, registry, ServiceStatus{DNS: false}, slog.Default())

	r := chi.NewRouter()
	r.Post("/api/provision", h.Create)
	r.Get("/api/provision/{id}/status", h.Status)
	r.Get("/api/jobs", h.ListJobs)
	r.Get("/api/providers", h.Providers)
	r.Get("/api/health", h.Health)

	return &provisionEnv{router: r, store: jobs}
}

func (e *provisionEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestProvisionCreate(t *testing.T) {
	env := newProvisionEnv(t)

	rec := env.do(t, http.MethodPost, "/api/provision",
		`{"bundle":"sovereign-starter","tier":1,"email":"ada@example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data["job_id"])
	assert.Equal(t, "PENDING", resp.Data["phase"])
	assert.Equal(t, "hetzner", resp.Data["provider"])

	job, err := env.store.Get(context.Background(), resp.Data["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "sovereign-starter", job.Bundle)
}

func TestProvisionCreateValidation(t *testing.T) {
	env := newProvisionEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing bundle", `{"tier":1,"email":"a@b.c"}`},
		{"tier out of range", `{"bundle":"x","tier":9,"email":"a@b.c"}`},
		{"bad email", `{"bundle":"x","tier":1,"email":"nope"}`},
		{"bad custom domain", `{"bundle":"x","tier":1,"email":"a@b.c","custom_domain":"not a domain"}`},
		{"unknown provider", `{"bundle":"x","tier":1,"email":"a@b.c","provider":"aws"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/provision", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestProvisionStatus(t *testing.T) {
	env := newProvisionEnv(t)

	id := ulid.New()
	require.NoError(t, env.store.Create(context.Background(), &store.Job{
		ID:            id,
		CustomerEmail: "a@b.c",
		Bundle:        "sovereign-starter",
		Tier:          provider.TierStarter,
		ProviderID:    "hetzner",
		Phase:         store.PhaseWaitingForVPS,
	}))

	rec := env.do(t, http.MethodGet, "/api/provision/"+id+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data store.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Data.ID)
	assert.Equal(t, store.PhaseWaitingForVPS, resp.Data.Phase)

	rec = env.do(t, http.MethodGet, "/api/provision/not-a-ulid/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/provision/"+ulid.New()+"/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvisionListJobs(t *testing.T) {
	env := newProvisionEnv(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.Create(context.Background(), &store.Job{
			ID:         ulid.New(),
			Bundle:     "sovereign-starter",
			Tier:       provider.TierStarter,
			ProviderID: "hetzner",
			Phase:      store.PhasePending,
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []store.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)

	rec = env.do(t, http.MethodGet, "/api/jobs?phase=PENDING", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Data = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 3)

	rec = env.do(t, http.MethodGet, "/api/jobs?phase=COMPLETED", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/jobs?phase=SHIPPING", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/jobs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/jobs?limit=headache", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProvisionProviders(t *testing.T) {
	env := newProvisionEnv(t)

	rec := env.do(t, http.MethodGet, "/api/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []provider.Info `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "hetzner", resp.Data[0].ID)
}

func TestProvisionHealth(t *testing.T) {
	env := newProvisionEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["providers"])
}
