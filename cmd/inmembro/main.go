// Command inmembro launches the in-memory message broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/inmembro/internal/app/broker"
	"github.com/coachpo/inmembro/internal/infra/config"
	httpserver "github.com/coachpo/inmembro/internal/infra/server/http"
	"github.com/coachpo/inmembro/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	brokerLoggerPrefix       = "inmembro "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBrokerLogger()
	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, topic overrides=%d",
		appCfg.Environment, len(appCfg.Broker.Topics))

	appStore, err := config.NewAppConfigStore(appCfg)
	if err != nil {
		logger.Fatalf("initialise app config store: %v", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	registry := broker.NewRegistry(broker.Options{
		Resolver: appStore.TopicConfigFor,
		Logger:   logger,
		Meter:    telemetryProvider.Meter("broker"),
	})

	var lifecycle conc.WaitGroup

	// Request contexts derive from serveCtx so open subscriptions end, and
	// detach, as soon as shutdown begins.
	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()

	apiServer := buildAPIServer(serveCtx, appCfg.APIServer, registry, appStore, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("broker API listening on %s", apiServer.Addr)

	watchReload(ctx, &lifecycle, logger, configPath, appStore)

	logger.Print("broker started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:          apiServer,
		serverTimeout:   appCfg.APIServer.ShutdownTimeout,
		cancelStreams:   serveCancel,
		mainCancel:      cancel,
		lifecycle:       &lifecycle,
		telemetry:       telemetryProvider,
		remainingTopics: registry.Len,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBrokerLogger() *log.Logger {
	return log.New(os.Stdout, brokerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func telemetryConfig(appCfg config.AppConfig) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	if appCfg.Meta.Version != "" {
		cfg.ServiceVersion = appCfg.Meta.Version
	}
	cfg.Environment = string(appCfg.Environment)
	cfg.OTLPInsecure = cfg.OTLPInsecure || appCfg.Telemetry.OTLPInsecure
	cfg.Enabled = cfg.Enabled || appCfg.Telemetry.Enabled
	return cfg
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(appCfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(ctx context.Context, cfg config.APIServerConfig, registry *broker.Registry, appStore *config.AppConfigStore, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Options{
		Registry: registry,
		Config:   appStore,
		Logger:   logger,
	})

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          logger,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("broker server: %v", err)
		}
	})
}

// watchReload re-reads the config file on SIGHUP. Only topics created after
// the reload see new topic settings.
func watchReload(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, configPath string, store *config.AppConfigStore) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	lifecycle.Go(func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloadConfig(ctx, logger, configPath, store)
			}
		}
	})
}

func reloadConfig(ctx context.Context, logger *log.Logger, configPath string, store *config.AppConfigStore) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		logger.Printf("reload config: %v", err)
		return
	}
	changed, err := store.Replace(cfg)
	if err != nil {
		logger.Printf("reload config: %v", err)
		return
	}
	if changed {
		logger.Printf("configuration reloaded from %s", configPath)
	}
}

type gracefulShutdownConfig struct {
	server          *http.Server
	serverTimeout   time.Duration
	cancelStreams   context.CancelFunc
	mainCancel      context.CancelFunc
	lifecycle       *conc.WaitGroup
	telemetry       *telemetry.Provider
	remainingTopics func() int
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.cancelStreams != nil {
		logger.Print("shutdown: closing subscription streams")
		cfg.cancelStreams()
	}

	if cfg.server != nil {
		shutdownStep("stopping broker server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.remainingTopics != nil {
		logger.Printf("shutdown: discarding %d in-memory topics", cfg.remainingTopics())
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
