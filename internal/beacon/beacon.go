// Package beacon tracks provisioned tenant servers past the lifetime
// of their provisioning job: which subscription owns which instance,
// and where that subscription stands in the dunning ladder.
package beacon

import (
	"context"
	"errors"
	"time"
)

// Status is a beacon's billing-driven lifecycle state.
type Status string

const (
	StatusActive         Status = "active"
	StatusSuspended      Status = "suspended"
	StatusDecommissioned Status = "decommissioned"
)

// Beacon links a subscription to the instance serving it.
type Beacon struct {
	Subdomain      string            `json:"subdomain"`
	SubscriptionID string            `json:"subscription_id"`
	CustomerEmail  string            `json:"customer_email"`
	ProviderID     string            `json:"provider_id"`
	InstanceID     string            `json:"instance_id"`
	Status         Status            `json:"status"`
	DNSRecordIDs   map[string]string `json:"dns_record_ids,omitempty"`
	Tier           int               `json:"tier"`
	Bundle         string            `json:"bundle"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ErrNotFound is returned when no beacon matches the lookup.
var ErrNotFound = errors.New("beacon not found")

// Repository persists beacon records and the per-subscription payment
// failure ledger the dunning engine reads.
type Repository interface {
	Create(ctx context.Context, b *Beacon) error
	GetBySubdomain(ctx context.Context, subdomain string) (*Beacon, error)
	GetBySubscription(ctx context.Context, subscriptionID string) (*Beacon, error)
	List(ctx context.Context) ([]*Beacon, error)
	SetStatus(ctx context.Context, subdomain string, status Status) error

	// IncrementFailure bumps the subscription's failure counter,
	// appends the processor's decline reason to the ledger, and
	// returns the new count.
	IncrementFailure(ctx context.Context, subscriptionID, reason string) (int, error)
	ResetFailures(ctx context.Context, subscriptionID string) error
	FailureCount(ctx context.Context, subscriptionID string) (int, error)
}
