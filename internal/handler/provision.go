package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/woprhq/provisioner/internal/orchestrator"
	"github.com/woprhq/provisioner/internal/pkg/response"
	"github.com/woprhq/provisioner/internal/pkg/ulid"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

// ServiceStatus reports which optional collaborators are configured.
// Shown by the health endpoint so operators can see at a glance why a
// beacon came up without DNS or email.
type ServiceStatus struct {
	Database bool `json:"database"`
	Redis    bool `json:"redis"`
	DNS      bool `json:"dns"`
	Mail     bool `json:"mail"`
	Docs     bool `json:"docs"`
}

// ProvisionHandler serves manual job creation, job inspection, and
// adapter listing.
type ProvisionHandler struct {
	store    store.Store
	orch     *orchestrator.Orchestrator
	registry *provider.Registry
	services ServiceStatus
	validate *validator.Validate
	logger   *slog.Logger
}

// NewProvisionHandler creates the provisioning API handler.
func NewProvisionHandler(
	st store.Store,
	orch *orchestrator.Orchestrator,
	registry *provider.Registry,
	services ServiceStatus,
	logger *slog.Logger,
) *ProvisionHandler {
	return &ProvisionHandler{
		store:    st,
		orch:     orch,
		registry: registry,
		services: services,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "provision")),
	}
}

// provisionRequest is the manual job creation payload. It mirrors the
// metadata a checkout session carries.
type provisionRequest struct {
	Bundle         string `json:"bundle" validate:"required"`
	Tier           int    `json:"tier" validate:"required,min=1,max=3"`
	Email          string `json:"email" validate:"required,email"`
	Name           string `json:"name" validate:"omitempty,max=120"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Provider       string `json:"provider"`
	Region         string `json:"region"`
	CustomDomain   string `json:"custom_domain" validate:"omitempty,fqdn"`
}

// Create handles POST /api/provision.
func (h *ProvisionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			response.ValidationErrors(w, fields)
			return
		}
		response.BadRequest(w, "validation failed")
		return
	}

	ctx := r.Context()

	providerID := req.Provider
	if providerID != "" {
		if _, ok := h.registry.Get(providerID); !ok {
			response.ValidationError(w, "provider", "unknown provider id")
			return
		}
	} else {
		p, err := h.registry.Select(ctx)
		if err != nil {
			h.logger.Error("provider selection failed", slog.String("error", err.Error()))
			response.Error(w, errors.New("no provider available"))
			return
		}
		providerID = p.Info().ID
	}

	job := &store.Job{
		ID:             ulid.New(),
		CustomerID:     req.CustomerID,
		CustomerEmail:  req.Email,
		CustomerName:   req.Name,
		SubscriptionID: req.SubscriptionID,
		Bundle:         req.Bundle,
		Tier:           provider.Tier(req.Tier),
		ProviderID:     providerID,
		RegionID:       req.Region,
		CustomDomain:   req.CustomDomain,
		Phase:          store.PhasePending,
		Message:        "Manually queued for provisioning",
	}

	if err := h.store.Create(ctx, job); err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		response.InternalError(w)
		return
	}

	if err := h.orch.Dispatch(ctx, job.ID); err != nil {
		h.logger.Error("failed to dispatch job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	response.Accepted(w, map[string]string{
		"job_id":   job.ID,
		"phase":    string(job.Phase),
		"provider": providerID,
	})
}

// Status handles GET /api/provision/{id}/status.
func (h *ProvisionHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !ulid.IsValid(jobID) {
		response.BadRequest(w, "invalid job id")
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(w, "Job")
			return
		}
		h.logger.Error("failed to load job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		response.InternalError(w)
		return
	}

	response.OK(w, job)
}

// ListJobs handles GET /api/jobs.
func (h *ProvisionHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			response.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	if v := r.URL.Query().Get("phase"); v != "" {
		phase := store.Phase(v)
		if !phase.Valid() {
			response.BadRequest(w, "unknown phase")
			return
		}
		jobs, err := h.store.ListByPhase(r.Context(), phase)
		if err != nil {
			h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
			response.InternalError(w)
			return
		}
		if len(jobs) > limit {
			jobs = jobs[:limit]
		}
		response.OK(w, jobs)
		return
	}

	jobs, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		response.InternalError(w)
		return
	}

	response.OK(w, jobs)
}

// Providers handles GET /api/providers.
func (h *ProvisionHandler) Providers(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.registry.List())
}

// Health handles GET /api/health.
func (h *ProvisionHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Raw(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(h.registry.List()),
		"services":  h.services,
	})
}
