// Callflow Server
//
// Standalone gRPC sidecar exposing the conversation engine to a voice host.
// Agent configurations are read from a directory of YAML or JSON documents;
// SIGHUP reloads them.
//
// Usage:
//
//	go run ./cmd/callflow-server -agents ./agents              # Default :50051
//	go run ./cmd/callflow-server -agents ./agents -addr :8080  # Custom port
//
// Every CoreConfig key can be set from the environment (or a .env file) as
// CALLFLOW_<KEY>, for example CALLFLOW_CONTEXT_TTL_SECONDS=1800 or
// CALLFLOW_LOCALE=US.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/callflow/commbus"
	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/config"
	"github.com/jeeves-cluster-organization/callflow/coreengine/engine"
	"github.com/jeeves-cluster-organization/callflow/coreengine/grpc"
	"github.com/jeeves-cluster-organization/callflow/coreengine/observability"
)

// envPrefix prefixes every environment variable the server reads.
const envPrefix = "CALLFLOW_"

const shutdownTimeout = 10 * time.Second

// stdLogger implements the package Logger interfaces using standard library log.
type stdLogger struct {
	debug bool
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	if l.debug {
		log.Printf("[DEBUG] %s %v", msg, keysAndValues)
	}
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

// serverFlags are the process settings that are not part of CoreConfig.
type serverFlags struct {
	addr         string
	metricsAddr  string
	agentsDir    string
	otlpEndpoint string
	environment  string
	envFile      string
}

func parseFlags(args []string, getenv func(string) string) (*serverFlags, error) {
	env := func(key, def string) string {
		if v := getenv(envPrefix + key); v != "" {
			return v
		}
		return def
	}

	fs := flag.NewFlagSet("callflow-server", flag.ContinueOnError)
	f := &serverFlags{}
	fs.StringVar(&f.addr, "addr", env("ADDR", ":50051"), "gRPC server address")
	fs.StringVar(&f.metricsAddr, "metrics-addr", env("METRICS_ADDR", ":9090"), "Prometheus metrics address (empty disables)")
	fs.StringVar(&f.agentsDir, "agents", env("AGENTS_DIR", "./agents"), "directory of agent documents")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", env("OTLP_ENDPOINT", ""), "OTLP gRPC endpoint (empty disables tracing)")
	fs.StringVar(&f.environment, "environment", env("ENVIRONMENT", "development"), "deployment environment")
	fs.StringVar(&f.envFile, "env-file", ".env", "optional dotenv file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadCoreConfig starts from the defaults and applies every CALLFLOW_<KEY>
// variable that names a CoreConfig key.
func loadCoreConfig(getenv func(string) string) (*config.CoreConfig, error) {
	values := make(map[string]any)
	for key := range config.DefaultCoreConfig().ToMap() {
		if v := getenv(envPrefix + strings.ToUpper(key)); v != "" {
			values[key] = v
		}
	}

	cfg := config.CoreConfigFromMap(values)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	logger := &stdLogger{}
	if err := run(os.Args[1:], logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("callflow server: %v", err)
	}
}

func run(args []string, logger *stdLogger) error {
	// Flags read the environment for defaults, so the dotenv file has to be
	// loaded first. A missing default file is not an error.
	envFile := ".env"
	for i, a := range args {
		if (a == "-env-file" || a == "--env-file") && i+1 < len(args) {
			envFile = args[i+1]
		} else if v, ok := strings.CutPrefix(a, "-env-file="); ok {
			envFile = v
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	flags, err := parseFlags(args, os.Getenv)
	if err != nil {
		return err
	}
	cfg, err := loadCoreConfig(os.Getenv)
	if err != nil {
		return err
	}
	config.SetCoreConfig(cfg)
	logger.debug = strings.EqualFold(cfg.LogLevel, "DEBUG")

	logger.Info("callflow_server_starting",
		"address", flags.addr,
		"agents_dir", flags.agentsDir,
		"locale", cfg.Locale,
	)

	if flags.otlpEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
			ServiceName: "callflow",
			Endpoint:    flags.otlpEndpoint,
			Environment: flags.environment,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracer(ctx)
		}()
		logger.Info("tracing_enabled", "endpoint", flags.otlpEndpoint)
	}

	files, err := agentconfig.NewFileProvider(flags.agentsDir)
	if err != nil {
		return err
	}
	provider := agentconfig.NewCachingProvider(files, cfg.AgentConfigCacheTTL())
	logger.Info("agent_configs_loaded", "agents", files.AgentIDs())

	bus := engine.NewBus(cfg, logger)
	if err := bus.RegisterHandler("InvalidateAgentConfig", provider.HandleInvalidate); err != nil {
		return err
	}

	eng, err := engine.NewEngine(provider, bus, cfg, logger)
	if err != nil {
		return err
	}

	if flags.metricsAddr != "" {
		metrics := &http.Server{
			Addr:              flags.metricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err.Error())
			}
		}()
		defer func() { _ = metrics.Close() }()
		logger.Info("metrics_server_started", "address", flags.metricsAddr)
	}

	server := grpc.NewGracefulServer(grpc.NewConversationServer(eng, logger), flags.addr)
	errCh, err := server.StartBackground()
	if err != nil {
		return err
	}
	logger.Info("callflow_server_ready", "address", server.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			_ = eng.Shutdown(context.Background())
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadAgents(files, bus, logger)
				continue
			}
			logger.Info("shutdown_signal_received", "signal", sig.String())
			server.ShutdownWithTimeout(shutdownTimeout)

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := eng.Shutdown(ctx); err != nil {
				return err
			}
			logger.Info("callflow_server_stopped")
			return nil
		}
	}
}

// reloadAgents re-reads the agent directory and drops every cached config.
func reloadAgents(files *agentconfig.FileProvider, bus commbus.CommBus, logger *stdLogger) {
	if err := files.Reload(); err != nil {
		logger.Error("agent_reload_failed", "error", err.Error())
		return
	}
	if err := bus.Send(context.Background(), &commbus.InvalidateAgentConfig{}); err != nil {
		logger.Error("agent_cache_invalidate_failed", "error", err.Error())
		return
	}
	logger.Info("agent_configs_reloaded", "agents", files.AgentIDs())
}
