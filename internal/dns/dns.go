// Package dns manages the beacon A records in the configured zone.
package dns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudflare/cloudflare-go"
)

// DefaultTTL is applied when no TTL is given.
const DefaultTTL = 300

// Manager is the slice of DNS the orchestrator and dunning engine use.
type Manager interface {
	// CreateARecord creates an A record and returns its id.
	CreateARecord(ctx context.Context, name, ip string, proxied bool, ttl int) (string, error)
	DeleteRecord(ctx context.Context, recordID string) error
	// DeleteBeaconRecords removes all of a beacon's records,
	// best-effort: one failing delete does not stop the rest.
	DeleteBeaconRecords(ctx context.Context, recordIDs []string) error
}

// Cloudflare implements Manager against the Cloudflare API.
type Cloudflare struct {
	api    *cloudflare.API
	zoneID string
	logger *slog.Logger
}

var _ Manager = (*Cloudflare)(nil)

// NewCloudflare creates a zone-scoped DNS manager from an API token.
func NewCloudflare(token, zoneID string, logger *slog.Logger) (*Cloudflare, error) {
	api, err := cloudflare.NewWithAPIToken(token)
	if err != nil {
		return nil, fmt.Errorf("cloudflare client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloudflare{api: api, zoneID: zoneID, logger: logger}, nil
}

// CreateARecord creates an A record in the zone and returns the record id.
func (c *Cloudflare) CreateARecord(ctx context.Context, name, ip string, proxied bool, ttl int) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	record, err := c.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(c.zoneID), cloudflare.CreateDNSRecordParams{
		Type:    "A",
		Name:    name,
		Content: ip,
		TTL:     ttl,
		Proxied: &proxied,
	})
	if err != nil {
		return "", fmt.Errorf("create A record %s: %w", name, err)
	}

	c.logger.Info("dns record created",
		slog.String("name", name),
		slog.String("ip", ip),
		slog.String("record_id", record.ID))
	return record.ID, nil
}

// DeleteRecord removes a single record by id.
func (c *Cloudflare) DeleteRecord(ctx context.Context, recordID string) error {
	if err := c.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(c.zoneID), recordID); err != nil {
		return fmt.Errorf("delete record %s: %w", recordID, err)
	}
	return nil
}

// DeleteBeaconRecords removes every record, logging failures and
// continuing; the records expire from relevance once the instance is
// destroyed anyway.
func (c *Cloudflare) DeleteBeaconRecords(ctx context.Context, recordIDs []string) error {
	var lastErr error
	for _, id := range recordIDs {
		if err := c.DeleteRecord(ctx, id); err != nil {
			c.logger.Warn("dns record delete failed",
				slog.String("record_id", id),
				slog.String("error", err.Error()))
			lastErr = err
		}
	}
	return lastErr
}
