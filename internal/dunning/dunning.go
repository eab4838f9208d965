// Package dunning reacts to subscription billing events: it walks the
// payment-failure ladder, suspends and restores beacons, and runs the
// full teardown when a subscription ends.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/dns"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/provider"
)

// suspendThreshold is the failure count at which a beacon is soft-gated.
const suspendThreshold = 3

// Engine handles billing events for provisioned beacons.
type Engine struct {
	beacons  beacon.Repository
	registry *provider.Registry
	dns      dns.Manager // nil when DNS is unconfigured
	mailer   mail.Sender
	logger   *slog.Logger

	baseDomain string
}

// New creates a dunning engine.
func New(
	beacons beacon.Repository,
	registry *provider.Registry,
	dnsManager dns.Manager,
	mailer mail.Sender,
	baseDomain string,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		beacons:    beacons,
		registry:   registry,
		dns:        dnsManager,
		mailer:     mailer,
		baseDomain: baseDomain,
		logger:     logger,
	}
}

// GraceDays is the number of days of continued service after the n-th
// payment failure: 5, 3, 1, then 0.
func GraceDays(failureCount int) int {
	days := 7 - 2*failureCount
	if days < 0 {
		return 0
	}
	return days
}

func (e *Engine) beaconURL(b *beacon.Beacon) string {
	return "https://" + b.Subdomain + "." + e.baseDomain
}

// HandlePaymentFailed records the failure and its decline reason in
// the ledger, emails the customer with their remaining grace period,
// and suspends the beacon once the threshold is crossed.
func (e *Engine) HandlePaymentFailed(ctx context.Context, subscriptionID, reason string) error {
	count, err := e.beacons.IncrementFailure(ctx, subscriptionID, reason)
	if err != nil {
		return fmt.Errorf("payment failed for %s: %w", subscriptionID, err)
	}

	e.logger.Info("payment failure recorded",
		slog.String("subscription_id", subscriptionID),
		slog.Int("failure_count", count),
		slog.String("reason", reason))

	b, err := e.beacons.GetBySubscription(ctx, subscriptionID)
	if errors.Is(err, beacon.ErrNotFound) {
		// Nothing provisioned yet; the ledger entry alone is enough.
		return nil
	}
	if err != nil {
		return fmt.Errorf("payment failed for %s: %w", subscriptionID, err)
	}

	if count >= suspendThreshold && b.Status == beacon.StatusActive {
		if err := e.beacons.SetStatus(ctx, b.Subdomain, beacon.StatusSuspended); err != nil {
			return fmt.Errorf("suspend beacon %s: %w", b.Subdomain, err)
		}
		e.logger.Warn("beacon suspended",
			slog.String("subdomain", b.Subdomain),
			slog.String("subscription_id", subscriptionID))
	}

	mailErr := e.mailer.Send(ctx, mail.KindPaymentFailed, []string{b.CustomerEmail}, mail.TemplateData{
		BeaconURL: e.beaconURL(b),
		Bundle:    b.Bundle,
		GraceDays: GraceDays(count),
	})
	if mailErr != nil {
		e.logger.Warn("dunning email failed",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", mailErr.Error()))
	}
	return nil
}

// HandleSubscriptionActive clears the failure ledger and lifts a
// suspension once the subscription is paid up again.
func (e *Engine) HandleSubscriptionActive(ctx context.Context, subscriptionID string) error {
	if err := e.beacons.ResetFailures(ctx, subscriptionID); err != nil {
		return fmt.Errorf("reset failures for %s: %w", subscriptionID, err)
	}

	b, err := e.beacons.GetBySubscription(ctx, subscriptionID)
	if errors.Is(err, beacon.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription active for %s: %w", subscriptionID, err)
	}

	if b.Status == beacon.StatusSuspended {
		if err := e.beacons.SetStatus(ctx, b.Subdomain, beacon.StatusActive); err != nil {
			return fmt.Errorf("unsuspend beacon %s: %w", b.Subdomain, err)
		}
		e.logger.Info("beacon restored",
			slog.String("subdomain", b.Subdomain),
			slog.String("subscription_id", subscriptionID))

		mailErr := e.mailer.Send(ctx, mail.KindPaymentSuccess, []string{b.CustomerEmail}, mail.TemplateData{
			BeaconURL: e.beaconURL(b),
			Bundle:    b.Bundle,
		})
		if mailErr != nil {
			e.logger.Warn("payment-success email failed",
				slog.String("subscription_id", subscriptionID),
				slog.String("error", mailErr.Error()))
		}
	}
	return nil
}

// HandleSubscriptionUpgraded updates the beacon's recorded shape and
// notifies the customer.
func (e *Engine) HandleSubscriptionUpgraded(ctx context.Context, subscriptionID, bundle string, tier int) error {
	b, err := e.beacons.GetBySubscription(ctx, subscriptionID)
	if errors.Is(err, beacon.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription upgraded for %s: %w", subscriptionID, err)
	}

	if bundle != "" {
		b.Bundle = bundle
	}
	if tier > 0 {
		b.Tier = tier
	}
	if err := e.beacons.Create(ctx, b); err != nil {
		return fmt.Errorf("update beacon %s: %w", b.Subdomain, err)
	}

	mailErr := e.mailer.Send(ctx, mail.KindSubscriptionUpgraded, []string{b.CustomerEmail}, mail.TemplateData{
		BeaconURL: e.beaconURL(b),
		Bundle:    b.Bundle,
		Tier:      b.Tier,
	})
	if mailErr != nil {
		e.logger.Warn("upgrade email failed",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", mailErr.Error()))
	}
	return nil
}

// HandleSubscriptionDeleted tears a beacon down: DNS records first
// (best-effort), then the instance, then the record, then the
// goodbye email.
func (e *Engine) HandleSubscriptionDeleted(ctx context.Context, subscriptionID string) error {
	b, err := e.beacons.GetBySubscription(ctx, subscriptionID)
	if errors.Is(err, beacon.ErrNotFound) {
		e.logger.Info("subscription deleted with no beacon",
			slog.String("subscription_id", subscriptionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription deleted for %s: %w", subscriptionID, err)
	}

	if e.dns != nil && len(b.DNSRecordIDs) > 0 {
		ids := make([]string, 0, len(b.DNSRecordIDs))
		for _, id := range b.DNSRecordIDs {
			ids = append(ids, id)
		}
		if err := e.dns.DeleteBeaconRecords(ctx, ids); err != nil {
			e.logger.Warn("dns cleanup incomplete",
				slog.String("subdomain", b.Subdomain),
				slog.String("error", err.Error()))
		}
	}

	if p, ok := e.registry.Get(b.ProviderID); ok {
		if err := p.Destroy(ctx, b.InstanceID); err != nil {
			return fmt.Errorf("destroy instance %s on %s: %w", b.InstanceID, b.ProviderID, err)
		}
		e.logger.Info("instance destroyed",
			slog.String("subdomain", b.Subdomain),
			slog.String("instance_id", b.InstanceID),
			slog.String("provider", b.ProviderID))
	} else {
		e.logger.Error("provider unavailable for teardown, instance orphaned",
			slog.String("provider", b.ProviderID),
			slog.String("instance_id", b.InstanceID))
	}

	if err := e.beacons.SetStatus(ctx, b.Subdomain, beacon.StatusDecommissioned); err != nil {
		return fmt.Errorf("decommission beacon %s: %w", b.Subdomain, err)
	}

	mailErr := e.mailer.Send(ctx, mail.KindSubscriptionCancelled, []string{b.CustomerEmail}, mail.TemplateData{
		Bundle: b.Bundle,
	})
	if mailErr != nil {
		e.logger.Warn("cancellation email failed",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", mailErr.Error()))
	}
	return nil
}

// HandleTrialWillEnd sends the trial-ending reminder.
func (e *Engine) HandleTrialWillEnd(ctx context.Context, subscriptionID string, daysLeft int) error {
	b, err := e.beacons.GetBySubscription(ctx, subscriptionID)
	if errors.Is(err, beacon.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trial ending for %s: %w", subscriptionID, err)
	}

	mailErr := e.mailer.Send(ctx, mail.KindTrialReminder, []string{b.CustomerEmail}, mail.TemplateData{
		BeaconURL: e.beaconURL(b),
		Bundle:    b.Bundle,
		TrialDays: daysLeft,
	})
	if mailErr != nil {
		e.logger.Warn("trial reminder failed",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", mailErr.Error()))
	}
	return nil
}
