package repository

import (
	"context"
	"database/sql"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

const subscriptionColumns = `id, tenant_id, url, secret_ref, events, active, timeout_s, max_retries, backoff_s, created_at, updated_at`

func scanSubscription(s rowScanner) (*domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	var events []byte
	if errScan := s.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.SecretRef, &events, &sub.Active,
		&sub.TimeoutSeconds, &sub.MaxAttempts, &sub.BackoffSeconds, &sub.CreatedAt, &sub.UpdatedAt); errScan != nil {
		return nil, errScan
	}
	if err := fromJSON(events, &sub.Events); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *PostgresRepository) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	events, err := toJSON(sub.Events)
	if err != nil {
		return err
	}
	query := `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, errExec := r.db.ExecContext(ctx, query, sub.ID, sub.TenantID, sub.URL, sub.SecretRef, events, sub.Active,
		sub.TimeoutSeconds, sub.MaxAttempts, sub.BackoffSeconds, sub.CreatedAt, sub.UpdatedAt)
	return errExec
}

func (r *PostgresRepository) GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`
	sub, errRow := scanSubscription(r.db.QueryRowContext(ctx, query, id))
	if missing(errRow) {
		return nil, nil
	}
	return sub, errRow
}

func (r *PostgresRepository) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE tenant_id = $1 ORDER BY created_at`
	rows, errQuery := r.db.QueryContext(ctx, query, tenantID)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var subs []domain.WebhookSubscription
	for rows.Next() {
		sub, errScan := scanSubscription(rows)
		if errScan != nil {
			return nil, errScan
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *PostgresRepository) SaveDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	headers, err := toJSON(d.Headers)
	if err != nil {
		return err
	}
	var status sql.NullInt64
	if d.StatusCode != nil {
		status = sql.NullInt64{Int64: int64(*d.StatusCode), Valid: true}
	}
	query := `INSERT INTO webhook_deliveries (id, subscription_id, tenant_id, event, url, attempt, headers, payload, status_code, ok, error, duration_ms, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, errExec := r.db.ExecContext(ctx, query, d.ID, d.SubscriptionID, d.TenantID, d.Event, d.URL, d.Attempt,
		headers, []byte(d.Payload), status, d.OK, d.Error, d.DurationMS, d.CreatedAt)
	return errExec
}

// ListDeliveries returns the newest attempts first.
func (r *PostgresRepository) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.WebhookDelivery, error) {
	query := `SELECT id, subscription_id, tenant_id, event, url, attempt, headers, payload, status_code, ok, error, duration_ms, created_at
	          FROM webhook_deliveries WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, errQuery := r.db.QueryContext(ctx, query, subscriptionID, limit)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		var headers, payload []byte
		var status sql.NullInt64
		if errScan := rows.Scan(&d.ID, &d.SubscriptionID, &d.TenantID, &d.Event, &d.URL, &d.Attempt,
			&headers, &payload, &status, &d.OK, &d.Error, &d.DurationMS, &d.CreatedAt); errScan != nil {
			return nil, errScan
		}
		if err := fromJSON(headers, &d.Headers); err != nil {
			return nil, err
		}
		d.Payload = payload
		if status.Valid {
			code := int(status.Int64)
			d.StatusCode = &code
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
