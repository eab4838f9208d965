// Package handler implements the provisioning HTTP surface: webhook
// ingress, manual provisioning, job status, progress streaming, and
// the installer download.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/woprhq/provisioner/internal/dunning"
	"github.com/woprhq/provisioner/internal/middleware"
	"github.com/woprhq/provisioner/internal/orchestrator"
	"github.com/woprhq/provisioner/internal/pkg/response"
	"github.com/woprhq/provisioner/internal/pkg/ulid"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

// maxWebhookBody bounds the payload we are willing to parse. Stripe
// events are well under this.
const maxWebhookBody = 1 << 20

// WebhookHandler processes signed payment-processor events.
type WebhookHandler struct {
	store    store.Store
	orch     *orchestrator.Orchestrator
	dunning  *dunning.Engine
	registry *provider.Registry
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates the webhook ingress handler.
func NewWebhookHandler(
	st store.Store,
	orch *orchestrator.Orchestrator,
	dun *dunning.Engine,
	registry *provider.Registry,
	webhookSecret string,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		store:    st,
		orch:     orch,
		dunning:  dun,
		registry: registry,
		secret:   webhookSecret,
		logger:   logger.With(slog.String("component", "webhook")),
	}
}

// webhookAck is the fixed acknowledgement shape Stripe sees.
type webhookAck struct {
	Received bool   `json:"received"`
	JobID    string `json:"job_id,omitempty"`
}

// HandleStripe verifies and dispatches a webhook event. Signature
// failures return 400 so the processor retries; any later processing
// error is logged and acknowledged with 200 to avoid retry storms.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "failed to read request body")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", slog.String("error", err.Error()))
		response.BadRequest(w, "invalid signature")
		return
	}

	middleware.CountWebhookEvent(string(event.Type))
	h.logger.Info("webhook event received",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
	)

	ctx := r.Context()
	ack := webhookAck{Received: true}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			h.logger.Error("failed to unmarshal checkout session", slog.String("error", err.Error()))
			break
		}
		jobID, err := h.handleCheckoutCompleted(ctx, &session)
		if err != nil {
			h.logger.Error("checkout handling failed",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
			break
		}
		ack.JobID = jobID

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			h.logger.Error("failed to unmarshal invoice", slog.String("error", err.Error()))
			break
		}
		if inv.Subscription == nil {
			break
		}
		reason := "payment_failed"
		if inv.LastFinalizationError != nil && inv.LastFinalizationError.Msg != "" {
			reason = inv.LastFinalizationError.Msg
		}
		if err := h.dunning.HandlePaymentFailed(ctx, inv.Subscription.ID, reason); err != nil {
			h.logger.Error("payment failure handling failed",
				slog.String("subscription_id", inv.Subscription.ID),
				slog.String("error", err.Error()),
			)
		}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			h.logger.Error("failed to unmarshal subscription", slog.String("error", err.Error()))
			break
		}
		if err := h.dunning.HandleSubscriptionDeleted(ctx, sub.ID); err != nil {
			h.logger.Error("subscription cleanup failed",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			h.logger.Error("failed to unmarshal subscription", slog.String("error", err.Error()))
			break
		}
		h.handleSubscriptionUpdated(ctx, &sub)

	case "customer.subscription.trial_will_end":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			h.logger.Error("failed to unmarshal subscription", slog.String("error", err.Error()))
			break
		}
		daysLeft := 0
		if sub.TrialEnd > 0 {
			daysLeft = int(time.Until(time.Unix(sub.TrialEnd, 0)).Hours() / 24)
		}
		if err := h.dunning.HandleTrialWillEnd(ctx, sub.ID, daysLeft); err != nil {
			h.logger.Error("trial reminder failed",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}

	default:
		h.logger.Debug("ignoring webhook event", slog.String("type", string(event.Type)))
	}

	response.Raw(w, http.StatusOK, ack)
}

// handleCheckoutCompleted turns a completed checkout into a
// provisioning job. Session ids are deduplicated so redelivered events
// do not provision a second beacon.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	// Validate before claiming the session id: a malformed delivery
	// must not burn the dedup entry, or a corrected redelivery would
	// be dropped and the customer never provisioned.
	meta := session.Metadata

	bundle := meta["bundle"]
	if bundle == "" {
		return "", errors.New("checkout session missing bundle metadata")
	}

	tierNum, err := strconv.Atoi(meta["tier"])
	if err != nil || tierNum < 1 || tierNum > 3 {
		return "", errors.New("checkout session has invalid tier metadata")
	}
	tier := provider.Tier(tierNum)

	email := meta["email"]
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		return "", errors.New("checkout session missing customer email")
	}

	first, err := h.store.MarkSessionProcessed(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if !first {
		h.logger.Info("duplicate checkout session, skipping", slog.String("session_id", session.ID))
		return "", nil
	}

	name := meta["name"]
	if name == "" && session.CustomerDetails != nil {
		name = session.CustomerDetails.Name
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}

	providerID := h.resolveProvider(ctx, meta["provider"])

	job := &store.Job{
		ID:             ulid.New(),
		SessionID:      session.ID,
		CustomerID:     customerID,
		CustomerEmail:  email,
		CustomerName:   name,
		SubscriptionID: subscriptionID,
		Bundle:         bundle,
		Tier:           tier,
		ProviderID:     providerID,
		RegionID:       meta["region"],
		CustomDomain:   meta["custom_domain"],
		Phase:          store.PhasePending,
		Message:        "Payment received, queued for provisioning",
	}

	if err := h.store.Create(ctx, job); err != nil {
		// Release the claim so the processor's redelivery can retry.
		if unmarkErr := h.store.UnmarkSession(ctx, session.ID); unmarkErr != nil {
			h.logger.Error("failed to release session claim",
				slog.String("session_id", session.ID),
				slog.String("error", unmarkErr.Error()))
		}
		return "", err
	}

	h.logger.Info("job created from checkout",
		slog.String("job_id", job.ID),
		slog.String("session_id", session.ID),
		slog.String("bundle", bundle),
		slog.Int("tier", tierNum),
		slog.String("provider", providerID),
	)

	if err := h.orch.Dispatch(ctx, job.ID); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// resolveProvider returns the requested provider id if the registry
// knows it, otherwise runs weighted selection.
func (h *WebhookHandler) resolveProvider(ctx context.Context, requested string) string {
	if requested != "" {
		if _, ok := h.registry.Get(requested); ok {
			return requested
		}
		h.logger.Warn("requested provider unknown, selecting", slog.String("provider", requested))
	}

	p, err := h.registry.Select(ctx)
	if err != nil {
		h.logger.Error("provider selection failed", slog.String("error", err.Error()))
		return ""
	}
	return p.Info().ID
}

func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) {
	if sub.Status == stripe.SubscriptionStatusActive {
		if err := h.dunning.HandleSubscriptionActive(ctx, sub.ID); err != nil {
			h.logger.Error("subscription reactivation failed",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	bundle := sub.Metadata["bundle"]
	tier, _ := strconv.Atoi(sub.Metadata["tier"])
	if bundle == "" && tier == 0 {
		return
	}
	if err := h.dunning.HandleSubscriptionUpgraded(ctx, sub.ID, bundle, tier); err != nil {
		h.logger.Error("subscription upgrade handling failed",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}
