package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-cooldown/internal/config"
	"github.com/tributary-ai/llm-router-cooldown/internal/cooldown"
	"github.com/tributary-ai/llm-router-cooldown/internal/metrics"
	"github.com/tributary-ai/llm-router-cooldown/internal/providers"
	"github.com/tributary-ai/llm-router-cooldown/internal/routing"
	"github.com/tributary-ai/llm-router-cooldown/internal/server"
)

// Application represents the main application
type Application struct {
	config *config.Config
	router *routing.Router
	server *server.Server
	logger *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	routerInstance := routing.NewRouter(logger)
	for _, model := range cfg.ModelList {
		if _, err := routerInstance.AddDeployment(model); err != nil {
			return nil, fmt.Errorf("failed to register deployment %s: %w", model.ModelName, err)
		}
	}

	metricsHandler, err := registerSinks(metrics.DefaultRegistry(), cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics sink: %w", err)
	}

	handler := cooldown.NewHandler(
		routerInstance,
		providers.NewResolver(cfg.Providers.APIBases),
		metrics.DefaultRegistry(),
		cfg.Metrics.Integration,
		logger,
	)
	routerInstance.OnCooldown(handler.Handle)
	routerInstance.OnRecovery(handler.HandleRecovery)
	routerInstance.OnFailure(handler.HandleFailure)
	routerInstance.OnRemoval(handler.HandleRemoval)

	serverInstance, err := server.NewServer(routerInstance, metrics.DefaultRegistry(), metricsHandler, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config: cfg,
		router: routerInstance,
		server: serverInstance,
		logger: logger,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.WithField("deployments", len(app.router.ListDeployments())).Info("Starting deployment cooldown bridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go app.router.RunCooldownExpiry(ctx, app.config.Router.CooldownExpiryInterval)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Let in-flight cooldown reports finish
	app.router.Wait()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// registerSinks registers the configured sink and returns the /metrics handler, if any
func registerSinks(registry *metrics.Registry, cfg config.MetricsConfig, logger *logrus.Logger) (http.Handler, error) {
	if !cfg.Enabled {
		logger.Info("Metrics export disabled")
		return nil, nil
	}

	switch cfg.Integration {
	case metrics.IntegrationPrometheus:
		sink, err := metrics.NewPrometheusSink(metrics.PrometheusConfig{Namespace: cfg.Namespace})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(cfg.Integration, sink); err != nil {
			return nil, err
		}
		logger.WithField("namespace", cfg.Namespace).Info("Prometheus sink registered")
		return sink.Handler(), nil
	case config.IntegrationMemory:
		if err := registry.Register(cfg.Integration, metrics.NewMemorySink()); err != nil {
			return nil, err
		}
		logger.Info("In-memory metrics sink registered")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown metrics integration: %s", cfg.Integration)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  COOLDOWN_BRIDGE_PORT                 Server port (default: 4000)\n")
	fmt.Fprintf(os.Stderr, "  COOLDOWN_BRIDGE_LOG_LEVEL            Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  COOLDOWN_BRIDGE_LOG_FORMAT           Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  COOLDOWN_BRIDGE_METRICS_INTEGRATION  Metrics sink (prometheus,memory)\n")
	fmt.Fprintf(os.Stderr, "  COOLDOWN_BRIDGE_JWT_SECRET           Secret for ingress JWTs\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("LLM Router Cooldown Bridge v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
