// Command gateway launches the tickstream fan-out gateway.
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/marketcalls/tickstream/config"
	"github.com/marketcalls/tickstream/internal/adapter"
	"github.com/marketcalls/tickstream/internal/adapter/angelone"
	"github.com/marketcalls/tickstream/internal/bus/tickbus"
	"github.com/marketcalls/tickstream/internal/gateway"
	"github.com/marketcalls/tickstream/internal/observability"
	"github.com/marketcalls/tickstream/internal/registry"
	"github.com/marketcalls/tickstream/internal/telemetry"
	"github.com/marketcalls/tickstream/internal/token"
)

const (
	defaultConfigPath        = "config/app.yaml"
	gatewayLoggerPrefix      = "tickstream "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	sessionShutdownTimeout   = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	connectTimeout           = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()

	cfg, err := loadSettings(cfgPathFlag, logger)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Debug))
	logger.Printf("configuration initialised: env=%s, vendor=%s, listen=%s",
		cfg.Environment, cfg.Vendor.URL, cfg.Gateway.Addr)

	telemetryProvider, metrics, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	resolver, err := loadResolver(cfg.InstrumentsPath, logger)
	if err != nil {
		logger.Fatalf("load instrument map: %v", err)
	}

	bus := tickbus.NewMemoryBus(tickbus.MemoryConfig{BufferSize: cfg.Bus.BufferSize})

	feed := angelone.NewProvider(angelone.Options{
		URL: cfg.Vendor.URL,
		Credentials: adapter.Credentials{
			APIKey:     cfg.Vendor.Credentials.APIKey,
			ClientCode: cfg.Vendor.Credentials.ClientCode,
			AuthToken:  cfg.Vendor.Credentials.AuthToken,
			FeedToken:  cfg.Vendor.Credentials.FeedToken,
		},
		Resolver:                 resolver,
		Bus:                      bus,
		DialTimeout:              cfg.Vendor.DialTimeout,
		WriteTimeout:             cfg.Vendor.WriteTimeout,
		HeartbeatInterval:        cfg.Vendor.HeartbeatInterval,
		InitialBackoff:           cfg.Vendor.Backoff.Initial,
		MaxBackoff:               cfg.Vendor.Backoff.Max,
		RejectWindow:             cfg.Vendor.RejectWindow,
		ControlMessagesPerSecond: cfg.Vendor.ControlMessagesPerSecond,
		Logger:                   observability.Log(),
		Metrics:                  metrics,
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	err = feed.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Fatalf("connect vendor feed: %v", err)
	}
	logger.Printf("vendor feed streaming: state=%s", feed.State())

	reg := registry.New(feed, observability.Log())
	wsServer := gateway.NewServer(gateway.Config{
		QueueDepth:   cfg.Gateway.QueueDepth,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}, reg, bus, observability.Log(), metrics)

	httpServer := buildHTTPServer(cfg.Gateway.Addr, wsServer, feed)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("websocket server: %v", err)
			cancel()
		}
	})
	logger.Printf("gateway listening on %s", cfg.Gateway.Addr)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     httpServer,
		sessions:   wsServer,
		feed:       feed,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        bus,
		telemetry:  telemetryProvider,
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

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadSettings(flagValue string, logger *log.Logger) (config.Settings, error) {
	path := flagValue
	if path == "" {
		path = filepath.Clean(defaultConfigPath)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Printf("configuration file not found, using defaults")
			return config.FromEnv(config.Default()), nil
		}
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return config.Settings{}, err
	}
	return config.FromEnv(cfg), nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, *telemetry.Metrics, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
		Interval:     cfg.Telemetry.Interval,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter("tickstream"))
	if err != nil {
		return nil, nil, fmt.Errorf("register instruments: %w", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, metrics, nil
}

func loadResolver(path string, logger *log.Logger) (token.Resolver, error) {
	instruments, err := token.LoadInstruments(path)
	if err != nil {
		return nil, err
	}
	logger.Printf("instrument map loaded: %d instruments", len(instruments))
	return token.NewStaticResolver(instruments), nil
}

func buildHTTPServer(addr string, wsServer *gateway.Server, feed adapter.Feed) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := struct {
			FeedState string `json:"feed_state"`
			Sessions  int    `json:"sessions"`
			Error     string `json:"error,omitempty"`
		}{
			FeedState: feed.State().String(),
			Sessions:  wsServer.SessionCount(),
		}
		if err := feed.Err(); err != nil {
			status.Error = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	sessions   *gateway.Server
	feed       adapter.Feed
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        tickbus.Bus
	telemetry  *telemetry.Provider
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

	if cfg.server != nil {
		shutdownStep("stopping http listener", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.sessions != nil {
		shutdownStep("disconnecting sessions", sessionShutdownTimeout, func(stepCtx context.Context) error {
			cfg.sessions.Shutdown(stepCtx)
			return nil
		})
	}

	if cfg.feed != nil {
		shutdownStep("closing vendor feed", serverShutdownTimeout, func(context.Context) error {
			return cfg.feed.Close()
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

	if cfg.bus != nil {
		shutdownStep("closing tick bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
