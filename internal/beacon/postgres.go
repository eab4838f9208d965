package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const beaconColumns = `subdomain, subscription_id, customer_email, provider_id, instance_id,
	status, dns_record_ids, tier, bundle, created_at, updated_at`

type postgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a beacon repository over the pool.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepo{pool: pool}
}

var _ Repository = (*postgresRepo)(nil)

// Create inserts a beacon record; a re-provisioned subdomain replaces
// the previous row.
func (r *postgresRepo) Create(ctx context.Context, b *Beacon) error {
	query := `
		INSERT INTO beacons (subdomain, subscription_id, customer_email, provider_id, instance_id,
			status, dns_record_ids, tier, bundle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subdomain) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			customer_email = EXCLUDED.customer_email,
			provider_id = EXCLUDED.provider_id,
			instance_id = EXCLUDED.instance_id,
			status = EXCLUDED.status,
			dns_record_ids = EXCLUDED.dns_record_ids,
			tier = EXCLUDED.tier,
			bundle = EXCLUDED.bundle,
			updated_at = now()
		RETURNING created_at, updated_at`

	records, err := json.Marshal(b.DNSRecordIDs)
	if err != nil {
		return fmt.Errorf("Create: encode dns records: %w", err)
	}

	err = r.pool.QueryRow(ctx, query,
		b.Subdomain,
		b.SubscriptionID,
		b.CustomerEmail,
		b.ProviderID,
		b.InstanceID,
		string(b.Status),
		records,
		b.Tier,
		b.Bundle,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// GetBySubdomain retrieves a beacon by its subdomain.
func (r *postgresRepo) GetBySubdomain(ctx context.Context, subdomain string) (*Beacon, error) {
	query := `SELECT ` + beaconColumns + ` FROM beacons WHERE subdomain = $1`
	return r.getOne(ctx, query, subdomain)
}

// GetBySubscription retrieves the non-decommissioned beacon owned by
// the subscription.
func (r *postgresRepo) GetBySubscription(ctx context.Context, subscriptionID string) (*Beacon, error) {
	query := `
		SELECT ` + beaconColumns + `
		FROM beacons
		WHERE subscription_id = $1 AND status != 'decommissioned'
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, subscriptionID)
}

func (r *postgresRepo) getOne(ctx context.Context, query string, arg any) (*Beacon, error) {
	b, err := scanBeacon(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// List returns every beacon, newest first.
func (r *postgresRepo) List(ctx context.Context) ([]*Beacon, error) {
	query := `SELECT ` + beaconColumns + ` FROM beacons ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var beacons []*Beacon
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			return nil, err
		}
		beacons = append(beacons, b)
	}
	return beacons, rows.Err()
}

// SetStatus moves a beacon along its lifecycle.
func (r *postgresRepo) SetStatus(ctx context.Context, subdomain string, status Status) error {
	query := `UPDATE beacons SET status = $2, updated_at = now() WHERE subdomain = $1`

	tag, err := r.pool.Exec(ctx, query, subdomain, string(status))
	if err != nil {
		return fmt.Errorf("SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFailure bumps the failure counter and appends the decline
// reason, creating the row on the first failure. An empty reason only
// bumps the counter.
func (r *postgresRepo) IncrementFailure(ctx context.Context, subscriptionID, reason string) (int, error) {
	query := `
		INSERT INTO payment_failures (subscription_id, failure_count, last_failure_at, reasons)
		VALUES ($1, 1, now(),
			CASE WHEN $2 = '' THEN '{}'::text[] ELSE ARRAY[$2::text] END)
		ON CONFLICT (subscription_id) DO UPDATE SET
			failure_count = payment_failures.failure_count + 1,
			last_failure_at = now(),
			reasons = CASE WHEN $2 = '' THEN payment_failures.reasons
				ELSE array_append(payment_failures.reasons, $2::text) END
		RETURNING failure_count`

	var count int
	if err := r.pool.QueryRow(ctx, query, subscriptionID, reason).Scan(&count); err != nil {
		return 0, fmt.Errorf("IncrementFailure: %w", err)
	}
	return count, nil
}

// ResetFailures clears the ledger entry once the subscription is paid
// up again.
func (r *postgresRepo) ResetFailures(ctx context.Context, subscriptionID string) error {
	query := `DELETE FROM payment_failures WHERE subscription_id = $1`
	if _, err := r.pool.Exec(ctx, query, subscriptionID); err != nil {
		return fmt.Errorf("ResetFailures: %w", err)
	}
	return nil
}

// FailureCount returns the current count, zero when no entry exists.
func (r *postgresRepo) FailureCount(ctx context.Context, subscriptionID string) (int, error) {
	query := `SELECT failure_count FROM payment_failures WHERE subscription_id = $1`

	var count int
	err := r.pool.QueryRow(ctx, query, subscriptionID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("FailureCount: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeacon(row rowScanner) (*Beacon, error) {
	var (
		b       Beacon
		status  string
		records []byte
	)
	err := row.Scan(
		&b.Subdomain,
		&b.SubscriptionID,
		&b.CustomerEmail,
		&b.ProviderID,
		&b.InstanceID,
		&status,
		&records,
		&b.Tier,
		&b.Bundle,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	if len(records) > 0 {
		if err := json.Unmarshal(records, &b.DNSRecordIDs); err != nil {
			return nil, fmt.Errorf("decode dns records: %w", err)
		}
		if len(b.DNSRecordIDs) == 0 {
			b.DNSRecordIDs = nil
		}
	}
	return &b, nil
}
