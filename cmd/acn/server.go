package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acnlabs/acn/pkg/api"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/escrow"
	"github.com/acnlabs/acn/pkg/gateway"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/router"
	"github.com/acnlabs/acn/pkg/security"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/tasks"
	"github.com/acnlabs/acn/pkg/wallet"
	"github.com/acnlabs/acn/pkg/webhook"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a collaboration network node",
	Long: `Run a collaboration network node: the agent registry, message router,
subnet gateway and task pool behind one HTTP listener.

Configuration comes from ACN_* environment variables, optionally overlaid
on a YAML file; flags override both. With no database URL the node persists
to an embedded bolt store under the data directory.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "YAML config file")
	serverCmd.Flags().String("listen", "", "Listen address (default :8420)")
	serverCmd.Flags().String("data-dir", "", "Bolt data directory")
	serverCmd.Flags().String("database-url", "", "Postgres URL (selects the Postgres backend)")
	serverCmd.Flags().String("public-url", "", "Public base URL registered for tunnel agents")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: !cfg.LogPretty,
	})

	fmt.Println("Starting ACN node...")
	fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
	fmt.Printf("  Public URL: %s\n", cfg.PublicURL)
	if cfg.DatabaseURL != "" {
		fmt.Println("  Storage: postgres")
	} else {
		fmt.Printf("  Storage: bolt (%s)\n", cfg.DataDir)
	}
	fmt.Println()

	// Durable and ephemeral storage
	store, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	eph := storage.NewMemoryEphemeral()
	fmt.Println("✓ Storage ready")

	// Activity/audit pipeline
	broker := audit.NewBroker()
	broker.Start()
	recorder := audit.NewRecorder(store, broker)

	// Authentication
	authSvc := auth.NewService(cfg, store)

	// Registry with its offline watchdog
	reg := registry.NewService(cfg, store, eph, recorder)
	watchdog := registry.NewWatchdog(store, eph, recorder, cfg.WatchdogInterval)
	watchdog.Start()
	fmt.Println("✓ Registry started")

	// Subnet secrets encrypted at rest when a password is configured
	var secrets *security.SecretsManager
	if cfg.SecretsPassword != "" {
		secrets, err = security.NewSecretsManagerFromPassword(cfg.SecretsPassword)
		if err != nil {
			return fmt.Errorf("failed to initialize secrets manager: %w", err)
		}
	}

	// Gateway for tunneled agents
	gw := gateway.New(cfg, store, reg, recorder, secrets)
	if err := gw.EnsureDefaultSubnets(cmd.Context()); err != nil {
		return fmt.Errorf("failed to ensure default subnets: %w", err)
	}
	gw.Start()
	fmt.Println("✓ Gateway started")

	// Message router
	rt := router.New(cfg, store, eph, reg, recorder)

	// Money collaborators; absent URLs leave the engine in points-less mode
	var w tasks.Wallet
	if cfg.WalletURL != "" {
		w = wallet.NewClient(cfg.WalletURL, cfg.CollaboratorTimeout)
	}
	var e tasks.Escrow
	if cfg.EscrowURL != "" {
		e = escrow.NewClient(cfg.EscrowURL, cfg.CollaboratorTimeout)
	}
	var paymentClient *payment.Client
	var p tasks.Payments
	if cfg.PaymentURL != "" {
		paymentClient = payment.NewClient(cfg.PaymentURL, cfg.CollaboratorTimeout)
		p = paymentClient
	}

	// Task pool with lifecycle notifications through the router
	taskSvc := tasks.New(store, eph, recorder, w, e, p)
	taskSvc.SetNotifier(rt)
	fmt.Println("✓ Task engine started")

	// Outbound webhooks ride the audit broker; idle without a URL
	dispatcher := webhook.NewDispatcher(cfg, broker, eph)
	dispatcher.Start()

	// Prometheus gauges sampled from storage
	collector := metrics.NewCollector(store, eph)
	collector.Start()

	srv := api.New(cfg, api.Deps{
		Store:     store,
		Ephemeral: eph,
		Auth:      authSvc,
		Registry:  reg,
		Gateway:   gw,
		Router:    rt,
		Tasks:     taskSvc,
		Payments:  paymentClient,
		Recorder:  recorder,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	fmt.Println()
	fmt.Printf("Node is running on %s. Press Ctrl+C to stop.\n", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Stop in reverse dependency order; the listener drains first so no
	// request arrives at a stopped service.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown error: %v\n", err)
	}
	collector.Stop()
	dispatcher.Stop()
	gw.Stop()
	watchdog.Stop()
	broker.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}

// loadServerConfig merges environment, optional YAML file and flags, the
// flags winning.
func loadServerConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v, _ := cmd.Flags().GetString("public-url"); v != "" {
		cfg.PublicURL = v
	}
	return cfg, nil
}
