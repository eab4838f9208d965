package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/woprhq/provisioner/internal/middleware"
	"github.com/woprhq/provisioner/internal/pkg/response"
	"github.com/woprhq/provisioner/internal/pkg/ulid"
	"github.com/woprhq/provisioner/internal/store"
)

// streamPollInterval is the fallback poll cadence for clients whose
// store subscription misses an update (slow-consumer drops).
const streamPollInterval = 2 * time.Second

// phaseProgress maps each phase to a coarse step index and a percent
// for progress bars. The mapping is part of the client contract.
var phaseProgress = map[store.Phase]struct {
	Step    int
	Percent int
}{
	store.PhasePending:         {0, 0},
	store.PhasePaymentReceived: {0, 10},
	store.PhaseProvisioningVPS: {1, 20},
	store.PhaseWaitingForVPS:   {1, 35},
	store.PhaseConfiguringDNS:  {2, 50},
	store.PhaseDeployingWopr:   {3, 65},
	store.PhaseGeneratingDocs:  {4, 85},
	store.PhaseSendingWelcome:  {4, 90},
	store.PhaseCompleted:       {5, 100},
	store.PhaseFailed:          {0, 0},
}

// streamEvent is the SSE payload sent on every state change.
type streamEvent struct {
	Phase        string `json:"phase"`
	Step         int    `json:"step"`
	Progress     int    `json:"progress"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	BeaconURL    string `json:"beacon_url,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	InstanceIP   string `json:"instance_ip,omitempty"`
	CustomDomain string `json:"custom_domain,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StreamHandler relays job state changes over server-sent events.
type StreamHandler struct {
	store        store.Store
	baseDomain   string
	dashboardURL string
	logger       *slog.Logger
}

// NewStreamHandler creates the SSE progress handler.
func NewStreamHandler(st store.Store, baseDomain, dashboardURL string, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		store:        st,
		baseDomain:   baseDomain,
		dashboardURL: dashboardURL,
		logger:       logger.With(slog.String("component", "stream")),
	}
}

// Stream handles GET /api/provision/{id}/stream. It emits one event
// per observed state change and closes after a terminal phase.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !ulid.IsValid(jobID) {
		response.BadRequest(w, "invalid job id")
		return
	}

	ctx := r.Context()

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(w, "Job")
			return
		}
		h.logger.Error("failed to load job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		response.InternalError(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.InternalError(w)
		return
	}

	// The server's WriteTimeout is sized for request/response calls;
	// a stream outlives it many times over. Clear the deadline for
	// this connection so the final COMPLETED/FAILED event is not cut
	// off mid-provision.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("write deadline not adjustable", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	closeMetric := middleware.StreamOpened()
	defer closeMetric()

	updates, cancel := h.store.Subscribe(jobID)
	defer cancel()

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	h.emit(w, flusher, job)
	if job.Phase.Terminal() {
		return
	}
	last := snapshotKey(job)

	for {
		var next *store.Job

		select {
		case <-ctx.Done():
			return
		case j, open := <-updates:
			if !open {
				return
			}
			next = j
		case <-ticker.C:
			j, err := h.store.Get(ctx, jobID)
			if err != nil {
				h.logger.Warn("stream poll failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
				continue
			}
			next = j
		}

		key := snapshotKey(next)
		if key == last {
			continue
		}
		last = key

		h.emit(w, flusher, next)
		if next.Phase.Terminal() {
			return
		}
	}
}

// snapshotKey identifies a job state for change detection.
func snapshotKey(j *store.Job) string {
	return string(j.Phase) + "|" + j.Message + "|" + j.ErrorMessage + "|" + j.InstanceIP
}

func (h *StreamHandler) emit(w http.ResponseWriter, flusher http.Flusher, job *store.Job) {
	pp := phaseProgress[job.Phase]

	ev := streamEvent{
		Phase:    string(job.Phase),
		Step:     pp.Step,
		Progress: pp.Percent,
		Status:   "in_progress",
		Message:  job.Message,
	}

	switch job.Phase {
	case store.PhaseCompleted:
		ev.Status = "complete"
	case store.PhaseFailed:
		ev.Status = "error"
		ev.Error = job.ErrorMessage
	}

	if job.Subdomain != "" {
		ev.BeaconURL = fmt.Sprintf("https://%s.%s", job.Subdomain, h.baseDomain)
	}
	if h.dashboardURL != "" {
		ev.DashboardURL = h.dashboardURL
	}
	ev.InstanceIP = job.InstanceIP
	ev.CustomDomain = job.CustomDomain

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
