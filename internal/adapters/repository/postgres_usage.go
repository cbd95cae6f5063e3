package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

func (r *PostgresRepository) RecordUsage(ctx context.Context, ev *domain.UsageEvent) error {
	query := `INSERT INTO usage_events (id, tenant_id, module, job_id, request_id, billed, unit_price, amount, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, errExec := r.db.ExecContext(ctx, query, ev.ID, ev.TenantID, string(ev.Module), ev.JobID, ev.RequestID,
		ev.Billed, ev.UnitPrice, ev.Amount, ev.CreatedAt)
	return errExec
}

// SumUsage totals usage in the half-open window [from, to).
func (r *PostgresRepository) SumUsage(ctx context.Context, tenantID string, module domain.Module, from, to time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM usage_events
	          WHERE tenant_id = $1 AND module = $2 AND created_at >= $3 AND created_at < $4`
	var sum int64
	if errRow := r.db.QueryRowContext(ctx, query, tenantID, string(module), from, to).Scan(&sum); errRow != nil {
		return 0, errRow
	}
	return sum, nil
}

// usageWhere renders the filter as a WHERE clause with positional args.
func usageWhere(f domain.UsageFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Module != "" {
		add("module = $%d", string(f.Module))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgresRepository) ListUsage(ctx context.Context, f domain.UsageFilter) ([]domain.UsageEvent, error) {
	where, args := usageWhere(f)
	args = append(args, f.Limit)
	query := `SELECT id, tenant_id, module, job_id, request_id, billed, unit_price, amount, created_at FROM usage_events` +
		where + fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, errQuery := r.db.QueryContext(ctx, query, args...)
	if isInvalidText(errQuery) {
		return nil, nil
	}
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var events []domain.UsageEvent
	for rows.Next() {
		var ev domain.UsageEvent
		var module string
		if errScan := rows.Scan(&ev.ID, &ev.TenantID, &module, &ev.JobID, &ev.RequestID, &ev.Billed,
			&ev.UnitPrice, &ev.Amount, &ev.CreatedAt); errScan != nil {
			return nil, errScan
		}
		ev.Module = domain.Module(module)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) SummarizeUsage(ctx context.Context, f domain.UsageFilter) ([]domain.ModuleTotal, error) {
	where, args := usageWhere(f)
	query := `SELECT module, SUM(amount) FROM usage_events` + where + ` GROUP BY module ORDER BY module`

	rows, errQuery := r.db.QueryContext(ctx, query, args...)
	if isInvalidText(errQuery) {
		return nil, nil
	}
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var totals []domain.ModuleTotal
	for rows.Next() {
		var t domain.ModuleTotal
		var module string
		if errScan := rows.Scan(&module, &t.Total); errScan != nil {
			return nil, errScan
		}
		t.Module = domain.Module(module)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
