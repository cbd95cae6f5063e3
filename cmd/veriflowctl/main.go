package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/veriflow/internal/adapters/repository"
	"github.com/poyrazK/veriflow/internal/adapters/secrets"
	"github.com/poyrazK/veriflow/internal/config"
	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/poyrazK/veriflow/internal/logging"
	"github.com/spf13/cobra"
)

// backend holds the admin services a command needs.
type backend struct {
	credentials   *services.CredentialService
	subscriptions *services.SubscriptionService
	tenants       *services.TenantService
	usage         *services.UsageMeter
	close         func() error
}

type opener func(ctx context.Context) (*backend, error)

func main() {
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	var b *backend
	root := &cobra.Command{
		Use:   "veriflowctl",
		Short: "Administer VeriFlow tenants, credentials and webhooks",
		Long: `veriflowctl talks to the VeriFlow database directly. It reads DATABASE_URL
and KEYRING_KEY from the environment or a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			b, err = open(cmd.Context())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if b == nil || b.close == nil {
				return nil
			}
			return b.close()
		},
	}
	get := func() *backend { return b }

	root.AddCommand(newTenantCmd(get), newPlanCmd(get), newCredentialCmd(get), newWebhookCmd(get), newUsageCmd(get))
	return root
}

func openPostgres(ctx context.Context) (*backend, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" || cfg.KeyringKey == "" {
		return nil, fmt.Errorf("DATABASE_URL and KEYRING_KEY must be set")
	}
	logger, logCloser := logging.New(cfg.Log)

	key, err := secrets.ParseKey(cfg.KeyringKey)
	if err != nil {
		return nil, fmt.Errorf("parse keyring key: %w", err)
	}
	keyring, err := secrets.NewKeyring(key)
	if err != nil {
		return nil, fmt.Errorf("create keyring: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	repo := repository.NewPostgresRepository(db)
	// Only synchronous pings go out from here, so nothing is ever scheduled.
	dispatcher := services.NewWebhookDispatcher(repo, keyring, nil, &http.Client{}, cfg.WebhookVersion, logger)

	return &backend{
		credentials:   services.NewCredentialService(repo, keyring),
		subscriptions: services.NewSubscriptionService(repo, keyring, dispatcher),
		tenants:       services.NewTenantService(repo),
		usage:         services.NewUsageMeter(repo),
		close: func() error {
			_ = logCloser.Close()
			return db.Close()
		},
	}, nil
}
