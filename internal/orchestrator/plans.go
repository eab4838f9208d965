package orchestrator

import (
	"fmt"

	"github.com/woprhq/provisioner/internal/provider"
)

// planTable is the static (provider, tier) → plan id mapping used in
// PROVISIONING_VPS. Selection never consults live pricing; shapes are
// pinned so a tier means the same thing month over month.
var planTable = map[string]map[provider.Tier]string{
	"hetzner": {
		provider.TierStarter:  "cx22",
		provider.TierStandard: "cx32",
		provider.TierPro:      "cx42",
	},
	"digitalocean": {
		provider.TierStarter:  "s-2vcpu-4gb",
		provider.TierStandard: "s-4vcpu-8gb",
		provider.TierPro:      "s-8vcpu-16gb",
	},
	"vultr": {
		provider.TierStarter:  "vc2-2c-4gb",
		provider.TierStandard: "vc2-4c-8gb",
		provider.TierPro:      "vc2-8c-16gb",
	},
	"linode": {
		provider.TierStarter:  "g6-standard-2",
		provider.TierStandard: "g6-standard-4",
		provider.TierPro:      "g6-standard-8",
	},
	"contabo": {
		provider.TierStarter:  "V91",
		provider.TierStandard: "V92",
		provider.TierPro:      "V93",
	},
}

// defaultRegions maps each provider to the region used when the
// customer expressed no preference.
var defaultRegions = map[string]string{
	"hetzner":      "nbg1",
	"digitalocean": "fra1",
	"vultr":        "fra",
	"linode":       "eu-central",
	"contabo":      "EU",
}

// planFor resolves the pinned plan for a provider and tier.
func planFor(providerID string, tier provider.Tier) (string, error) {
	plans, ok := planTable[providerID]
	if !ok {
		return "", fmt.Errorf("no plan mapping for provider %s", providerID)
	}
	plan, ok := plans[tier]
	if !ok {
		return "", fmt.Errorf("no plan mapping for provider %s tier %d", providerID, tier)
	}
	return plan, nil
}

// defaultRegionFor resolves the provider's default region.
func defaultRegionFor(providerID string) string {
	return defaultRegions[providerID]
}
