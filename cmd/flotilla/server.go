package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flotillahq/flotilla/pkg/api"
	"github.com/flotillahq/flotilla/pkg/audit"
	"github.com/flotillahq/flotilla/pkg/cache"
	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/creds"
	"github.com/flotillahq/flotilla/pkg/discovery"
	"github.com/flotillahq/flotilla/pkg/domain"
	"github.com/flotillahq/flotilla/pkg/engine"
	"github.com/flotillahq/flotilla/pkg/installer"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/metrics"
	"github.com/flotillahq/flotilla/pkg/monitor"
	"github.com/flotillahq/flotilla/pkg/placement"
	"github.com/flotillahq/flotilla/pkg/probe"
	"github.com/flotillahq/flotilla/pkg/proxy"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Flotilla control plane",
	Long: `Run the control plane: the HTTP API, the deployment engine, the
fleet monitor, and the nginx sync loop, backed by an embedded database.

Configuration is read from a YAML file, then overridden by FLOTILLA_*
environment variables.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Path to config file (YAML)")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stderr,
	})
	metrics.Register()

	logger := log.WithComponent("server")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("starting control plane")

	fmt.Println("Starting Flotilla control plane...")
	fmt.Printf("  Data directory: %s\n", cfg.DataDir)
	fmt.Printf("  API address:    %s\n", cfg.Listen)
	fmt.Println()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()
	fmt.Println("✓ State store opened")

	key, err := creds.LoadKeyFile(afero.NewOsFs(), cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load credential key: %w", err)
	}
	credStore, err := creds.New(key)
	if err != nil {
		return err
	}
	fmt.Println("✓ Credential store unlocked")

	var metricCache *cache.Cache
	if cfg.CacheURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricCache, err = cache.New(ctx, cfg.CacheURL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect metric cache: %w", err)
		}
		defer metricCache.Close()
		fmt.Println("✓ Metric cache connected")
	} else {
		logger.Warn().Msg("no cache_url configured, metric samples will not be retained")
	}

	inv := inventory.New(store, credStore)
	prober := probe.New(store, cfg.SSH.ConnectTimeout, cfg.SSH.CommandTimeout)
	scanner := discovery.NewScanner(store, cfg.SSH.ConnectTimeout)

	alerter := monitor.NewAlerter(store)

	proxyMgr := proxy.NewManager(cfg.Proxy)
	syncer := proxy.NewSyncer(store, inv, proxyMgr, store, alerter, cfg.SSH.ConnectTimeout)
	syncCh := make(chan struct{}, 1)
	triggerSync := func() {
		select {
		case syncCh <- struct{}{}:
		default:
		}
	}

	eng := engine.New(store, inv, installer.NewRegistry(), store, scanner, cfg, triggerSync)
	placements := placement.NewManager(store, inv, eng, cfg, triggerSync)
	domains := domain.NewManager(store, cfg.Resolver, triggerSync)

	checker := monitor.NewSSHChecker(inv, prober, store, cfg.SSH.ConnectTimeout, cfg.SSH.CommandTimeout)
	mon := monitor.New(store, inv, alerter, metricCache, checker, cfg.Monitor)

	auditor := audit.NewRecorder(store)
	apiServer := api.New(cfg, inv, eng, placements, domains, alerter, auditor, prober, metricCache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start deployment engine: %w", err)
	}
	fmt.Println("✓ Deployment engine started")
	mon.Start(ctx)
	fmt.Println("✓ Fleet monitor started")
	go runProxySync(ctx, syncer, syncCh)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	logger.Info().Str("listen", cfg.Listen).Msg("control plane ready")
	fmt.Println("✓ API listening")
	fmt.Println()
	fmt.Println("Control plane is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	cancel()
	mon.Stop()
	eng.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}

// runProxySync drains coalesced change notifications and pushes fresh
// nginx configuration to the proxy host. Failures are logged and retried
// on the next notification.
func runProxySync(ctx context.Context, syncer *proxy.Syncer, ch <-chan struct{}) {
	logger := log.WithComponent("proxy-sync")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := syncer.Sync(ctx); err != nil {
				logger.Error().Err(err).Msg("proxy sync failed")
			}
		}
	}
}
