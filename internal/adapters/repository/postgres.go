package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/shopspring/decimal"
)

// PostgresRepository implements ports.Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates and returns a new PostgresRepository instance.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func closeRows(rows *sql.Rows) {
	if errClose := rows.Close(); errClose != nil {
		log.Printf("failed to close rows: %v", errClose)
	}
}

func toJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func fromJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// Plans and tenants

func (r *PostgresRepository) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	quotas, err := toJSON(plan.Quotas)
	if err != nil {
		return err
	}
	prices, err := toJSON(plan.UnitPrices)
	if err != nil {
		return err
	}
	query := `INSERT INTO plans (id, slug, name, active, per_minute, per_day, quotas, unit_prices, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, errExec := r.db.ExecContext(ctx, query, plan.ID, plan.Slug, plan.Name, plan.Active,
		plan.PerMinute, plan.PerDay, quotas, prices, plan.CreatedAt)
	return errExec
}

func (r *PostgresRepository) GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error) {
	query := `SELECT id, slug, name, active, per_minute, per_day, quotas, unit_prices, created_at
	          FROM plans WHERE slug = $1`
	var p domain.Plan
	var quotas, prices []byte
	errRow := r.db.QueryRowContext(ctx, query, slug).Scan(&p.ID, &p.Slug, &p.Name, &p.Active,
		&p.PerMinute, &p.PerDay, &quotas, &prices, &p.CreatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	if err := fromJSON(quotas, &p.Quotas); err != nil {
		return nil, err
	}
	if err := fromJSON(prices, &p.UnitPrices); err != nil {
		return nil, err
	}
	return &p, nil
}

// overrideArgs flattens overrides into the tenants override columns.
func overrideArgs(o *domain.LimitOverride) (perMinute, perDay sql.NullInt64, quotas []byte, err error) {
	overrides := map[string]*int64{}
	if o != nil {
		perMinute, perDay = nullInt(o.PerMinute), nullInt(o.PerDay)
		if o.Quotas != nil {
			overrides = o.Quotas
		}
	}
	quotas, err = toJSON(overrides)
	return perMinute, perDay, quotas, err
}

func (r *PostgresRepository) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	perMinute, perDay, quotas, err := overrideArgs(tenant.Overrides)
	if err != nil {
		return err
	}
	var planID sql.NullString
	if tenant.PlanID != "" {
		planID = sql.NullString{String: tenant.PlanID, Valid: true}
	}
	query := `INSERT INTO tenants (id, name, plan_id, status, webhook_url, override_per_minute, override_per_day, override_quotas, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, errExec := r.db.ExecContext(ctx, query, tenant.ID, tenant.Name, planID, string(tenant.Status),
		tenant.WebhookURL, perMinute, perDay, quotas, tenant.CreatedAt, tenant.UpdatedAt)
	return errExec
}

func (r *PostgresRepository) SetTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	res, errExec := r.db.ExecContext(ctx, `UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if isInvalidText(errExec) {
		return domain.ErrNotFound
	}
	if errExec != nil {
		return errExec
	}
	return expectAffected(res)
}

// SetTenantOverrides replaces the tenant's limit overrides. A nil value clears them.
func (r *PostgresRepository) SetTenantOverrides(ctx context.Context, id string, o *domain.LimitOverride) error {
	perMinute, perDay, quotas, err := overrideArgs(o)
	if err != nil {
		return err
	}
	res, errExec := r.db.ExecContext(ctx,
		`UPDATE tenants SET override_per_minute = $2, override_per_day = $3, override_quotas = $4, updated_at = NOW() WHERE id = $1`,
		id, perMinute, perDay, quotas)
	if isInvalidText(errExec) {
		return domain.ErrNotFound
	}
	if errExec != nil {
		return errExec
	}
	return expectAffected(res)
}

// GetTenant loads a tenant with its plan. Tenants without a plan get a nil Plan.
func (r *PostgresRepository) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	query := `SELECT t.id, t.name, t.plan_id, t.status, t.webhook_url,
	                 t.override_per_minute, t.override_per_day, t.override_quotas, t.created_at, t.updated_at,
	                 p.slug, p.name, p.active, p.per_minute, p.per_day, p.quotas, p.unit_prices, p.created_at
	          FROM tenants t LEFT JOIN plans p ON p.id = t.plan_id
	          WHERE t.id = $1`

	var t domain.Tenant
	var planID, planSlug, planName sql.NullString
	var planActive sql.NullBool
	var planPerMinute, planPerDay, perMinute, perDay sql.NullInt64
	var planCreated sql.NullTime
	var overrideQuotas, planQuotas, planPrices []byte

	errRow := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &planID, &t.Status, &t.WebhookURL,
		&perMinute, &perDay, &overrideQuotas, &t.CreatedAt, &t.UpdatedAt,
		&planSlug, &planName, &planActive, &planPerMinute, &planPerDay, &planQuotas, &planPrices, &planCreated,
	)
	if missing(errRow) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}

	var quotas map[string]*int64
	if err := fromJSON(overrideQuotas, &quotas); err != nil {
		return nil, err
	}
	if perMinute.Valid || perDay.Valid || len(quotas) > 0 {
		t.Overrides = &domain.LimitOverride{PerMinute: intPtr(perMinute), PerDay: intPtr(perDay), Quotas: quotas}
	}

	if planID.Valid {
		t.PlanID = planID.String
		plan := &domain.Plan{
			ID:        planID.String,
			Slug:      planSlug.String,
			Name:      planName.String,
			Active:    planActive.Bool,
			PerMinute: int(planPerMinute.Int64),
			PerDay:    int(planPerDay.Int64),
			CreatedAt: planCreated.Time,
		}
		if err := fromJSON(planQuotas, &plan.Quotas); err != nil {
			return nil, err
		}
		prices := map[string]decimal.Decimal{}
		if err := fromJSON(planPrices, &prices); err != nil {
			return nil, err
		}
		plan.UnitPrices = prices
		t.Plan = plan
	}
	return &t, nil
}

// Credentials

const credentialColumns = `id, tenant_id, key_id, secret_ref, name, allowed_ips, active, created_at, last_used_at, expires_at`

func scanCredential(s rowScanner) (*domain.APICredential, error) {
	var c domain.APICredential
	var ips []byte
	var lastUsed, expires sql.NullTime
	if errScan := s.Scan(&c.ID, &c.TenantID, &c.KeyID, &c.SecretRef, &c.Name, &ips, &c.Active, &c.CreatedAt, &lastUsed, &expires); errScan != nil {
		return nil, errScan
	}
	if err := fromJSON(ips, &c.AllowedIPs); err != nil {
		return nil, err
	}
	c.LastUsedAt = timePtr(lastUsed)
	c.ExpiresAt = timePtr(expires)
	return &c, nil
}

func (r *PostgresRepository) GetCredentialByKeyID(ctx context.Context, keyID string) (*domain.APICredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_credentials WHERE key_id = $1`
	c, errRow := scanCredential(r.db.QueryRowContext(ctx, query, keyID))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	return c, errRow
}

func (r *PostgresRepository) CreateCredential(ctx context.Context, cred *domain.APICredential) error {
	ips := cred.AllowedIPs
	if ips == nil {
		ips = []string{}
	}
	rawIPs, err := toJSON(ips)
	if err != nil {
		return err
	}
	query := `INSERT INTO api_credentials (` + credentialColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, errExec := r.db.ExecContext(ctx, query, cred.ID, cred.TenantID, cred.KeyID, cred.SecretRef, cred.Name,
		rawIPs, cred.Active, cred.CreatedAt, nullTime(cred.LastUsedAt), nullTime(cred.ExpiresAt))
	return errExec
}

func (r *PostgresRepository) ListCredentials(ctx context.Context, tenantID string) ([]domain.APICredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_credentials WHERE tenant_id = $1 ORDER BY created_at`
	rows, errQuery := r.db.QueryContext(ctx, query, tenantID)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var creds []domain.APICredential
	for rows.Next() {
		c, errScan := scanCredential(rows)
		if errScan != nil {
			return nil, errScan
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

func (r *PostgresRepository) UpdateCredentialSecret(ctx context.Context, keyID, secretRef string) error {
	res, errExec := r.db.ExecContext(ctx, `UPDATE api_credentials SET secret_ref = $2 WHERE key_id = $1`, keyID, secretRef)
	if errExec != nil {
		return errExec
	}
	return expectAffected(res)
}

func (r *PostgresRepository) SetCredentialActive(ctx context.Context, keyID string, active bool) error {
	res, errExec := r.db.ExecContext(ctx, `UPDATE api_credentials SET active = $2 WHERE key_id = $1`, keyID, active)
	if errExec != nil {
		return errExec
	}
	return expectAffected(res)
}

func (r *PostgresRepository) TouchCredentialLastUsed(ctx context.Context, id string, at time.Time) error {
	_, errExec := r.db.ExecContext(ctx, `UPDATE api_credentials SET last_used_at = $2 WHERE id = $1`, id, at)
	return errExec
}

// invalidTextRepresentation is raised when a malformed UUID is bound to a UUID column.
const invalidTextRepresentation = "22P02"

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

// missing reports whether a single-row lookup found nothing. An id that cannot
// be a UUID matches no row.
func missing(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || isInvalidText(err)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
