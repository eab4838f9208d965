package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/woprhq/provisioner/internal/provider"
)

const jobColumns = `id, session_id, customer_id, customer_email, customer_name, subscription_id,
	bundle, tier, provider_id, region_id, custom_domain,
	phase, message, retry_count, error_message,
	instance_id, instance_ip, subdomain, dns_record_ids, docs_url,
	created_at, updated_at`

// PostgresBackend stores jobs in a relational table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend wraps an existing connection pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Create inserts a new job.
func (b *PostgresBackend) Create(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, session_id, customer_id, customer_email, customer_name, subscription_id,
			bundle, tier, provider_id, region_id, custom_domain,
			phase, message, retry_count, error_message,
			instance_id, instance_ip, subdomain, dns_record_ids, docs_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at`

	records, err := json.Marshal(job.DNSRecordIDs)
	if err != nil {
		return fmt.Errorf("Create: encode dns records: %w", err)
	}

	err = b.pool.QueryRow(ctx, query,
		job.ID,
		job.SessionID,
		job.CustomerID,
		job.CustomerEmail,
		job.CustomerName,
		job.SubscriptionID,
		job.Bundle,
		int(job.Tier),
		job.ProviderID,
		job.RegionID,
		job.CustomDomain,
		string(job.Phase),
		job.Message,
		job.RetryCount,
		job.ErrorMessage,
		job.InstanceID,
		job.InstanceIP,
		job.Subdomain,
		records,
		job.DocsURL,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (b *PostgresBackend) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(b.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return job, nil
}

// Update applies a partial mutation and returns the updated row.
func (b *PostgresBackend) Update(ctx context.Context, id string, upd Update) (*Job, error) {
	set := []string{"updated_at = now()"}
	args := []any{id}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Phase != nil {
		add("phase", string(*upd.Phase))
	}
	if upd.Message != nil {
		add("message", *upd.Message)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ProviderID != nil {
		add("provider_id", *upd.ProviderID)
	}
	if upd.RegionID != nil {
		add("region_id", *upd.RegionID)
	}
	if upd.InstanceID != nil {
		add("instance_id", *upd.InstanceID)
	}
	if upd.InstanceIP != nil {
		add("instance_ip", *upd.InstanceIP)
	}
	if upd.Subdomain != nil {
		add("subdomain", *upd.Subdomain)
	}
	if upd.DNSRecordIDs != nil {
		records, err := json.Marshal(upd.DNSRecordIDs)
		if err != nil {
			return nil, fmt.Errorf("Update: encode dns records: %w", err)
		}
		add("dns_record_ids", records)
	}
	if upd.DocsURL != nil {
		add("docs_url", *upd.DocsURL)
	}

	query := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id = $1 RETURNING ` + jobColumns

	job, err := scanJob(b.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	return job, nil
}

// ListByPhase returns all jobs currently in the phase, oldest first.
func (b *PostgresBackend) ListByPhase(ctx context.Context, phase Phase) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE phase = $1 ORDER BY created_at ASC`

	rows, err := b.pool.Query(ctx, query, string(phase))
	if err != nil {
		return nil, fmt.Errorf("ListByPhase: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListRecent returns the newest jobs, most recent first.
func (b *PostgresBackend) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1`

	rows, err := b.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// NextCounter atomically increments the named counter in app_state.
func (b *PostgresBackend) NextCounter(ctx context.Context, key string) (uint64, error) {
	query := `
		INSERT INTO app_state (key, value) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET value = app_state.value + 1
		RETURNING value`

	var value uint64
	if err := b.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		return 0, fmt.Errorf("NextCounter: %w", err)
	}
	return value, nil
}

// MarkSessionProcessed records the webhook session, reporting whether
// this delivery was the first.
func (b *PostgresBackend) MarkSessionProcessed(ctx context.Context, sessionID string) (bool, error) {
	query := `INSERT INTO processed_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`

	tag, err := b.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return false, fmt.Errorf("MarkSessionProcessed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UnmarkSession releases the session claim so a redelivered event can
// retry after a processing failure.
func (b *PostgresBackend) UnmarkSession(ctx context.Context, sessionID string) error {
	query := `DELETE FROM processed_sessions WHERE session_id = $1`
	if _, err := b.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("UnmarkSession: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job     Job
		tier    int
		phase   string
		records []byte
	)
	err := row.Scan(
		&job.ID,
		&job.SessionID,
		&job.CustomerID,
		&job.CustomerEmail,
		&job.CustomerName,
		&job.SubscriptionID,
		&job.Bundle,
		&tier,
		&job.ProviderID,
		&job.RegionID,
		&job.CustomDomain,
		&phase,
		&job.Message,
		&job.RetryCount,
		&job.ErrorMessage,
		&job.InstanceID,
		&job.InstanceIP,
		&job.Subdomain,
		&records,
		&job.DocsURL,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Tier = provider.Tier(tier)
	job.Phase = Phase(phase)
	if len(records) > 0 {
		if err := json.Unmarshal(records, &job.DNSRecordIDs); err != nil {
			return nil, fmt.Errorf("decode dns records: %w", err)
		}
		if len(job.DNSRecordIDs) == 0 {
			job.DNSRecordIDs = nil
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
