package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/veriflow/internal/core/domain"
)

func TestPostgresRepository_Unit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer db.Close()

	repo := NewPostgresRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("GetTenantWithPlan", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"id", "name", "plan_id", "status", "webhook_url",
			"override_per_minute", "override_per_day", "override_quotas", "created_at", "updated_at",
			"slug", "name", "active", "per_minute", "per_day", "quotas", "unit_prices", "created_at",
		}).AddRow("t1", "Acme", "p1", "active", "",
			nil, 500, []byte(`{"ocr_monthly":10}`), now, now,
			"starter", "Starter", true, 60, 50000, []byte(`{"ocr_monthly":5000}`), []byte(`{"ocr":"0.1000"}`), now)

		mock.ExpectQuery(`SELECT (.+) FROM tenants t LEFT JOIN plans p ON p.id = t.plan_id WHERE t.id = \$1`).
			WithArgs("t1").
			WillReturnRows(rows)

		tenant, err := repo.GetTenant(ctx, "t1")
		if err != nil {
			t.Fatalf("GetTenant failed: %v", err)
		}
		if tenant == nil || tenant.Plan == nil || tenant.Plan.Slug != "starter" {
			t.Fatalf("Unexpected tenant: %+v", tenant)
		}
		if tenant.Overrides == nil || tenant.Overrides.PerMinute != nil || *tenant.Overrides.PerDay != 500 {
			t.Errorf("Unexpected overrides: %+v", tenant.Overrides)
		}
		if got := *tenant.Overrides.Quotas["ocr_monthly"]; got != 10 {
			t.Errorf("Expected ocr override 10, got %d", got)
		}
		if got := tenant.Plan.UnitPrices["ocr"].String(); got != "0.1" {
			t.Errorf("Expected ocr price 0.1, got %s", got)
		}
	})

	t.Run("GetTenantMissing", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM tenants`).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		tenant, err := repo.GetTenant(ctx, "nope")
		if err != nil || tenant != nil {
			t.Errorf("Expected nil tenant, got %+v, %v", tenant, err)
		}
	})

	t.Run("SetTenantStatusNotFound", func(t *testing.T) {
		mock.ExpectExec(`UPDATE tenants SET status = \$2`).
			WithArgs("nope", "suspended").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := repo.SetTenantStatus(ctx, "nope", domain.TenantSuspended); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetCredentialByKeyID", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "tenant_id", "key_id", "secret_ref", "name", "allowed_ips", "active", "created_at", "last_used_at", "expires_at"}).
			AddRow("c1", "t1", "k1", "v1:abc", "ci", []byte(`["10.0.0.0/8"]`), true, now, nil, now.Add(time.Hour))

		mock.ExpectQuery(`SELECT (.+) FROM api_credentials WHERE key_id = \$1`).
			WithArgs("k1").
			WillReturnRows(rows)

		cred, err := repo.GetCredentialByKeyID(ctx, "k1")
		if err != nil {
			t.Fatalf("GetCredentialByKeyID failed: %v", err)
		}
		if cred.LastUsedAt != nil || cred.ExpiresAt == nil {
			t.Errorf("Unexpected timestamps: %+v", cred)
		}
		if len(cred.AllowedIPs) != 1 || cred.AllowedIPs[0] != "10.0.0.0/8" {
			t.Errorf("Unexpected allowed IPs: %v", cred.AllowedIPs)
		}
	})

	t.Run("CreateCredential", func(t *testing.T) {
		cred := &domain.APICredential{ID: "c2", TenantID: "t1", KeyID: "k2", SecretRef: "v1:x", Active: true, CreatedAt: now}
		mock.ExpectExec(`INSERT INTO api_credentials`).
			WithArgs("c2", "t1", "k2", "v1:x", "", []byte(`[]`), true, now, nil, nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := repo.CreateCredential(ctx, cred); err != nil {
			t.Errorf("CreateCredential failed: %v", err)
		}
	})

	t.Run("SumUsage", func(t *testing.T) {
		from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 1, 0)
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM usage_events`).
			WithArgs("t1", "ocr", from, to).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(42))

		sum, err := repo.SumUsage(ctx, "t1", domain.ModuleOCR, from, to)
		if err != nil || sum != 42 {
			t.Errorf("Expected 42, got %d, %v", sum, err)
		}
	})

	t.Run("ListUsageFiltered", func(t *testing.T) {
		from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 1, 0)
		mock.ExpectQuery(`SELECT (.+) FROM usage_events WHERE tenant_id = \$1 AND module = \$2 AND created_at >= \$3 AND created_at < \$4 ORDER BY created_at DESC LIMIT \$5`).
			WithArgs("t1", "ocr", from, to, 50).
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "module", "job_id", "request_id", "billed", "unit_price", "amount", "created_at"}).
				AddRow("u1", "t1", "ocr", "j1", "", true, "0.1000", 2, now))

		events, err := repo.ListUsage(ctx, domain.UsageFilter{TenantID: "t1", Module: domain.ModuleOCR, From: from, To: to, Limit: 50})
		if err != nil {
			t.Fatalf("ListUsage failed: %v", err)
		}
		if len(events) != 1 || events[0].Module != domain.ModuleOCR || events[0].Amount != 2 || events[0].UnitPrice.String() != "0.1" {
			t.Errorf("Unexpected events: %+v", events)
		}
	})

	t.Run("SummarizeUsageUnfiltered", func(t *testing.T) {
		mock.ExpectQuery(`SELECT module, SUM\(amount\) FROM usage_events GROUP BY module ORDER BY module`).
			WillReturnRows(sqlmock.NewRows([]string{"module", "sum"}).AddRow("liveness", 3).AddRow("ocr", 7))

		totals, err := repo.SummarizeUsage(ctx, domain.UsageFilter{})
		if err != nil {
			t.Fatalf("SummarizeUsage failed: %v", err)
		}
		if len(totals) != 2 || totals[1].Module != domain.ModuleOCR || totals[1].Total != 7 {
			t.Errorf("Unexpected totals: %+v", totals)
		}
	})

	t.Run("SetTenantOverrides", func(t *testing.T) {
		perDay := 900
		mock.ExpectExec(`UPDATE tenants SET override_per_minute = \$2, override_per_day = \$3, override_quotas = \$4`).
			WithArgs("t1", nil, int64(900), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if err := repo.SetTenantOverrides(ctx, "t1", &domain.LimitOverride{PerDay: &perDay}); err != nil {
			t.Errorf("SetTenantOverrides failed: %v", err)
		}

		mock.ExpectExec(`UPDATE tenants SET override_per_minute`).
			WithArgs("ghost", nil, nil, []byte(`{}`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		if err := repo.SetTenantOverrides(ctx, "ghost", nil); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ClaimJob", func(t *testing.T) {
		mock.ExpectExec(`UPDATE verification_jobs SET status = 'running', started_at = \$2 WHERE id = \$1 AND status = 'queued'`).
			WithArgs("j1", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE verification_jobs SET status = 'running'`).
			WithArgs("j1", now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		first, err := repo.ClaimJob(ctx, "j1", now)
		if err != nil || !first {
			t.Errorf("Expected first claim to win, got %v, %v", first, err)
		}
		second, err := repo.ClaimJob(ctx, "j1", now)
		if err != nil || second {
			t.Errorf("Expected second claim to lose, got %v, %v", second, err)
		}
	})

	t.Run("GetJobScopedToTenant", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "tenant_id", "steps", "inputs", "rules", "webhook_url", "request_id", "status", "result", "error", "created_at", "started_at", "finished_at"}).
			AddRow("j1", "t1", []byte(`["liveness","score"]`), []byte(`{}`), []byte(`{"min_similarity":0.8}`), "", "req-1", "failed",
				[]byte(`{}`), []byte(`{"code":"PROVIDER_TIMEOUT","message":"slow"}`), now, now, now)

		mock.ExpectQuery(`SELECT (.+) FROM verification_jobs WHERE id = \$1 AND tenant_id = \$2`).
			WithArgs("j1", "t1").
			WillReturnRows(rows)

		job, err := repo.GetJob(ctx, "t1", "j1")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status != domain.JobFailed || job.Error == nil || job.Error.Code != "PROVIDER_TIMEOUT" {
			t.Errorf("Unexpected job: %+v", job)
		}
		if len(job.Steps) != 2 || job.StartedAt == nil || job.FinishedAt == nil {
			t.Errorf("Unexpected job fields: %+v", job)
		}
	})

	t.Run("MalformedIDsMatchNothing", func(t *testing.T) {
		badUUID := &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}

		mock.ExpectQuery(`SELECT (.+) FROM verification_jobs WHERE id = \$1 AND tenant_id = \$2`).
			WithArgs("abc", "t1").
			WillReturnError(badUUID)
		job, err := repo.GetJob(ctx, "t1", "abc")
		if err != nil || job != nil {
			t.Errorf("Expected nil job, got %+v, %v", job, err)
		}

		mock.ExpectQuery(`SELECT (.+) FROM webhook_subscriptions WHERE id = \$1`).
			WithArgs("abc").
			WillReturnError(badUUID)
		sub, err := repo.GetSubscription(ctx, "abc")
		if err != nil || sub != nil {
			t.Errorf("Expected nil subscription, got %+v, %v", sub, err)
		}

		mock.ExpectExec(`UPDATE tenants SET status = \$2`).
			WithArgs("abc", "suspended").
			WillReturnError(badUUID)
		if err := repo.SetTenantStatus(ctx, "abc", domain.TenantSuspended); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("FinishJobNotRunning", func(t *testing.T) {
		finished := now
		job := &domain.VerificationJob{ID: "j2", Status: domain.JobSucceeded, FinishedAt: &finished}
		mock.ExpectExec(`UPDATE verification_jobs SET status = \$2, result = \$3, error = \$4, finished_at = \$5`).
			WithArgs("j2", "succeeded", sqlmock.AnyArg(), sqlmock.AnyArg(), finished).
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := repo.FinishJob(ctx, job); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListDeliveries", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "subscription_id", "tenant_id", "event", "url", "attempt", "headers", "payload", "status_code", "ok", "error", "duration_ms", "created_at"}).
			AddRow("d2", "s1", "t1", "job.succeeded", "https://hook", 2, []byte(`{"User-Agent":"VeriFlow-Webhook/1.0"}`), []byte(`{"id":"wh_1"}`), 200, true, "", 12, now).
			AddRow("d1", "s1", "t1", "job.succeeded", "https://hook", 1, []byte(`{}`), []byte(`{"id":"wh_1"}`), nil, false, "connection refused", 3, now)

		mock.ExpectQuery(`SELECT (.+) FROM webhook_deliveries WHERE subscription_id = \$1 ORDER BY created_at DESC LIMIT \$2`).
			WithArgs("s1", 50).
			WillReturnRows(rows)

		deliveries, err := repo.ListDeliveries(ctx, "s1", 50)
		if err != nil {
			t.Fatalf("ListDeliveries failed: %v", err)
		}
		if len(deliveries) != 2 {
			t.Fatalf("Expected 2 deliveries, got %d", len(deliveries))
		}
		if deliveries[0].StatusCode == nil || *deliveries[0].StatusCode != 200 {
			t.Errorf("Expected status 200 on newest attempt, got %+v", deliveries[0])
		}
		if deliveries[1].StatusCode != nil || deliveries[1].OK {
			t.Errorf("Expected transport failure on first attempt, got %+v", deliveries[1])
		}
	})

	t.Run("QueryError", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM webhook_subscriptions WHERE tenant_id = \$1`).
			WithArgs("t1").
			WillReturnError(errors.New("db down"))

		if _, err := repo.ListSubscriptions(ctx, "t1"); err == nil {
			t.Error("Expected error from ListSubscriptions")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS plans`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := Migrate(context.Background(), db); err != nil {
		t.Errorf("Migrate failed: %v", err)
	}

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))
	if err := Migrate(context.Background(), db); err == nil {
		t.Error("expected Migrate to surface the error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}
