package handler

import (
	"bufio"
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

	"github.com/woprhq/provisioner/internal/pkg/ulid"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

func newStreamRouter(t *testing.T) (*chi.Mux, store.Store) {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	jobs, err := store.NewCachedStore(backend)
	require.NoError(t, err)

	h := NewStreamHandler(jobs, "wopr.example", "https://dash.wopr.example", slog.Default())

	r := chi.NewRouter()
	r.Get("/api/provision/{id}/stream", h.Stream)
	return r, jobs
}

func parseEvents(t *testing.T, body string) []streamEvent {
	t.Helper()
	var events []streamEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamTerminalJobClosesImmediately(t *testing.T) {
	router, jobs := newStreamRouter(t)

	id := ulid.New()
	require.NoError(t, jobs.Create(context.Background(), &store.Job{
		ID:         id,
		Bundle:     "sovereign-starter",
		Tier:       provider.TierStarter,
		ProviderID: "hetzner",
		Phase:      store.PhaseCompleted,
		Message:    "Your beacon is ready",
		Subdomain:  "sovereign-starter-cafe0123",
		InstanceIP: "203.0.113.9",
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/provision/"+id+"/stream", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "COMPLETED", events[0].Phase)
	assert.Equal(t, "complete", events[0].Status)
	assert.Equal(t, 5, events[0].Step)
	assert.Equal(t, 100, events[0].Progress)
	assert.Equal(t, "https://sovereign-starter-cafe0123.wopr.example", events[0].BeaconURL)
	assert.Equal(t, "https://dash.wopr.example", events[0].DashboardURL)
	assert.Equal(t, "203.0.113.9", events[0].InstanceIP)
}

// deadlineRecorder captures write-deadline adjustments the handler
// makes through the response controller.
type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadlines []time.Time
}

func (d *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

func TestStreamClearsWriteDeadline(t *testing.T) {
	router, jobs := newStreamRouter(t)

	id := ulid.New()
	require.NoError(t, jobs.Create(context.Background(), &store.Job{
		ID:         id,
		Bundle:     "sovereign-starter",
		Tier:       provider.TierStarter,
		ProviderID: "hetzner",
		Phase:      store.PhaseCompleted,
	}))

	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/provision/"+id+"/stream", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	// A server WriteTimeout must not sever a long stream: the handler
	// lifts the deadline before emitting.
	require.Len(t, rec.deadlines, 1)
	assert.True(t, rec.deadlines[0].IsZero())
}

func TestStreamFailedJobCarriesError(t *testing.T) {
	router, jobs := newStreamRouter(t)

	id := ulid.New()
	require.NoError(t, jobs.Create(context.Background(), &store.Job{
		ID:           id,
		Bundle:       "sovereign-starter",
		Tier:         provider.TierStarter,
		ProviderID:   "hetzner",
		Phase:        store.PhaseFailed,
		Message:      "Provisioning failed",
		ErrorMessage: "Timeout waiting for VPS",
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/provision/"+id+"/stream", nil))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Status)
	assert.Equal(t, "Timeout waiting for VPS", events[0].Error)
	assert.Zero(t, events[0].Progress)
}

func TestStreamInvalidAndUnknownIDs(t *testing.T) {
	router, _ := newStreamRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/provision/nope/stream", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/provision/"+ulid.New()+"/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamFollowsPhaseChanges(t *testing.T) {
	router, jobs := newStreamRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	id := ulid.New()
	require.NoError(t, jobs.Create(context.Background(), &store.Job{
		ID:         id,
		Bundle:     "sovereign-starter",
		Tier:       provider.TierStarter,
		ProviderID: "hetzner",
		Phase:      store.PhasePending,
		Message:    "queued",
	}))

	resp, err := http.Get(srv.URL + "/api/provision/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev streamEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				events <- ev
			}
		}
	}()

	next := func() streamEvent {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("no event received")
			return streamEvent{}
		}
	}

	assert.Equal(t, "PENDING", next().Phase)

	ctx := context.Background()
	_, err = jobs.SetPhase(ctx, id, store.PhaseProvisioningVPS, "Provisioning your server")
	require.NoError(t, err)
	ev := next()
	assert.Equal(t, "PROVISIONING_VPS", ev.Phase)
	assert.Equal(t, 20, ev.Progress)

	_, err = jobs.SetPhase(ctx, id, store.PhaseCompleted, "Your beacon is ready")
	require.NoError(t, err)
	ev = next()
	assert.Equal(t, "complete", ev.Status)

	// Terminal phase ends the stream.
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after terminal phase")
	}
}
