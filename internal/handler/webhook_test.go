package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/docs"
	"github.com/woprhq/provisioner/internal/dunning"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/orchestrator"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload produces a valid Stripe-Signature header for the payload.
func signPayload(secret string, payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type memCounter struct{ n uint64 }

func (m *memCounter) NextCounter(context.Context, string) (uint64, error) {
	return atomic.AddUint64(&m.n, 1), nil
}

// webhookProvider serves the few adapter calls a dispatched job makes.
type webhookProvider struct {
	provider.Provider
	provisions int32
	destroyed  []string
}

func (p *webhookProvider) Info() provider.Info { return provider.Info{ID: "hetzner"} }

func (p *webhookProvider) Provision(_ context.Context, cfg provider.ProvisionConfig) (*provider.Instance, error) {
	n := atomic.AddInt32(&p.provisions, 1)
	return &provider.Instance{
		ProviderID: "hetzner",
		ID:         fmt.Sprintf("i-%d", n),
		Name:       cfg.Name,
		Status:     provider.StatusProvisioning,
	}, nil
}

func (p *webhookProvider) GetInstance(_ context.Context, id string) (*provider.Instance, error) {
	return &provider.Instance{ProviderID: "hetzner", ID: id, Status: provider.StatusRunning, IPv4: "127.0.0.1"}, nil
}

func (p *webhookProvider) Destroy(_ context.Context, id string) error {
	p.destroyed = append(p.destroyed, id)
	return nil
}

type webhookEnv struct {
	handler *WebhookHandler
	store   store.Store
	beacons beacon.Repository
}

func newWebhookEnv(t *testing.T) *webhookEnv {
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

	beacons := beacon.NewMemoryRepository()
	mailer := &mail.Noop{}
	docsGen := &docs.Noop{}

	orch := orchestrator.New(jobs, registry, nil, mailer, docsGen, beacons, orchestrator.Config{
		BaseDomain:       "wopr.example",
		VPSReadyTimeout:  200 * time.Millisecond,
		VPSPollInterval:  10 * time.Millisecond,
		WOPRReadyTimeout: 50 * time.Millisecond,
		WOPRPollInterval: 10 * time.Millisecond,
	}, slog.Default())
	t.Cleanup(orch.Shutdown)

	dun := dunning.New(beacons, registry, nil, mailer, "wopr.example", slog.Default())

	return &webhookEnv{
		handler: NewWebhookHandler(jobs, orch, dun, registry, testWebhookSecret, slog.Default()),
		store:   jobs,
		beacons: beacons,
	}
}

func (e *webhookEnv) post(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/stripe", strings.NewReader(string(payload)))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	e.handler.HandleStripe(rec, req)
	return rec
}

func eventPayload(t *testing.T, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	return payload
}

func checkoutSession(sessionID string) map[string]any {
	return map[string]any{
		"id":           sessionID,
		"customer":     "cus_1",
		"subscription": "sub_1",
		"customer_details": map[string]any{
			"email": "ada@example.com",
			"name":  "Ada",
		},
		"metadata": map[string]string{
			"bundle": "sovereign-starter",
			"tier":   "1",
		},
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newWebhookEnv(t)
	payload := eventPayload(t, "checkout.session.completed", checkoutSession("cs_1"))

	rec := env.post(t, payload, "t=123,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.post(t, payload, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Signed with the wrong secret.
	rec = env.post(t, payload, signPayload("whsec_other", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookCheckoutCreatesJob(t *testing.T) {
	env := newWebhookEnv(t)
	payload := eventPayload(t, "checkout.session.completed", checkoutSession("cs_2"))

	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Received)
	require.NotEmpty(t, ack.JobID)

	job, err := env.store.Get(context.Background(), ack.JobID)
	require.NoError(t, err)
	assert.Equal(t, "cs_2", job.SessionID)
	assert.Equal(t, "sovereign-starter", job.Bundle)
	assert.Equal(t, provider.TierStarter, job.Tier)
	assert.Equal(t, "ada@example.com", job.CustomerEmail)
	assert.Equal(t, "sub_1", job.SubscriptionID)
	assert.Equal(t, "hetzner", job.ProviderID)
}

func TestWebhookDuplicateSessionIsIgnored(t *testing.T) {
	env := newWebhookEnv(t)
	payload := eventPayload(t, "checkout.session.completed", checkoutSession("cs_3"))

	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	var first webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first.JobID)

	// Redelivery acks but provisions nothing.
	rec = env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	var second webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Received)
	assert.Empty(t, second.JobID)

	jobs, err := env.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestWebhookCheckoutMissingMetadata(t *testing.T) {
	env := newWebhookEnv(t)

	session := checkoutSession("cs_4")
	session["metadata"] = map[string]string{"tier": "1"}
	payload := eventPayload(t, "checkout.session.completed", session)

	// Processing errors are logged, never surfaced to Stripe.
	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Received)
	assert.Empty(t, ack.JobID)

	jobs, err := env.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWebhookFailedDeliveryDoesNotBurnSession(t *testing.T) {
	env := newWebhookEnv(t)

	// A delivery that fails validation must leave the session id
	// unclaimed.
	session := checkoutSession("cs_retry")
	session["metadata"] = map[string]string{"tier": "1"}
	payload := eventPayload(t, "checkout.session.completed", session)
	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	jobs, err := env.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	// The corrected redelivery of the same session provisions.
	payload = eventPayload(t, "checkout.session.completed", checkoutSession("cs_retry"))
	rec = env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.NotEmpty(t, ack.JobID)
}

func TestWebhookCheckoutInvalidTier(t *testing.T) {
	env := newWebhookEnv(t)

	session := checkoutSession("cs_5")
	session["metadata"] = map[string]string{"bundle": "sovereign-starter", "tier": "9"}
	payload := eventPayload(t, "checkout.session.completed", session)

	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	jobs, err := env.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWebhookPaymentFailed(t *testing.T) {
	env := newWebhookEnv(t)

	payload := eventPayload(t, "invoice.payment_failed", map[string]any{
		"id":           "in_1",
		"subscription": "sub_1",
		"last_finalization_error": map[string]any{
			"message": "Your card was declined.",
		},
	})
	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	count, err := env.beacons.FailureCount(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	env := newWebhookEnv(t)

	payload := eventPayload(t, "payment_intent.created", map[string]any{"id": "pi_1"})
	rec := env.post(t, payload, signPayload(testWebhookSecret, payload))
	assert.Equal(t, http.StatusOK, rec.Code)
}
