package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagbridge/internal/bridge"
	"github.com/matt-riley/flagbridge/internal/channel"
	"github.com/matt-riley/flagbridge/internal/config"
	"github.com/matt-riley/flagbridge/internal/flagzclient"
	"github.com/matt-riley/flagbridge/internal/logging"
	"github.com/matt-riley/flagbridge/internal/metrics"
	"github.com/matt-riley/flagbridge/internal/middleware"
	"github.com/matt-riley/flagbridge/internal/tracing"
	"github.com/matt-riley/flagbridge/sdk"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		Long: "Run the bridge on the transport selected by BRIDGE_TRANSPORT. " +
			"Configuration is read from the environment.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.New(cfg.LogLevel)
			slog.SetDefault(log)

			shutdownTracer, err := tracing.Init(cmd.Context())
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(ctx); err != nil {
					log.Error("tracer shutdown error", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			start := flagzclient.StartFunc(
				flagzclient.WithLogger(log),
				flagzclient.WithCoalesceWindow(cfg.StreamCoalesceWindow),
			)
			return serve(ctx, cfg, log, start)
		},
	}
}

// serve runs the bridge with clients built by start until ctx is done or a
// server fails.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger, start sdk.StartFunc) error {
	m := metrics.New()
	hub := channel.NewHub(
		channel.WithLogger(log),
		channel.WithMetrics(m),
		channel.WithQueueSize(cfg.NotifyQueueSize),
	)
	b := bridge.New(start, hub,
		bridge.WithLogger(log),
		bridge.WithMetrics(m),
		bridge.WithIdentifyTimeout(cfg.IdentifyTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	serveErrCh := make(chan error, 2)

	switch cfg.Transport {
	case config.TransportGRPC:
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
		}
		opts := []channel.GRPCOption{channel.WithGRPCLogger(log), channel.WithGRPCMetrics(m)}
		if cfg.TokenHash != "" {
			limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
			opts = append(opts,
				channel.WithTokenValidator(middleware.NewHashValidator(cfg.TokenHash)),
				channel.WithAuthRateLimiter(limiter),
			)
		} else {
			log.Warn("gRPC channel accepts unauthenticated hosts; set BRIDGE_TOKEN_HASH to require a token")
		}
		server := channel.NewGRPCServer(hub, b, opts...)
		wg.Go(func() {
			if err := server.Serve(ctx, listener); err != nil {
				serveErrCh <- err
			}
		})
	default:
		server := channel.NewSocketServer(cfg.SocketPath, hub, b,
			channel.WithSocketLogger(log),
			channel.WithSocketMetrics(m),
		)
		wg.Go(func() {
			if err := server.Serve(ctx); err != nil {
				serveErrCh <- fmt.Errorf("serve socket: %w", err)
			}
		})
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
		metricsServer = &http.Server{
			Handler:           otelhttp.NewHandler(newMetricsHandler(m, b, hub, log), "flagbridge-metrics"),
			ReadHeaderTimeout: httpReadHeaderTimeout,
			IdleTimeout:       httpIdleTimeout,
		}
		wg.Go(func() {
			if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrCh <- fmt.Errorf("serve metrics: %w", err)
			}
		})
	}

	log.Info("bridge started",
		"transport", cfg.Transport,
		"socket_path", cfg.SocketPath,
		"grpc_addr", cfg.GRPCAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	cancel()

	log.Info("bridge shutting down")
	shutdownHTTP(log, metricsServer)
	wg.Wait()

	if err := b.Shutdown(); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("close client: %w", err)
	}
	return serveErr
}

func shutdownHTTP(log *slog.Logger, server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

type healthStatus struct {
	Status        string `json:"status"`
	ClientStarted bool   `json:"client_started"`
	Hosts         int    `json:"hosts"`
}

func newMetricsHandler(m *metrics.Metrics, b *bridge.Bridge, hub *channel.Hub, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:        "ok",
			ClientStarted: b.Started(),
			Hosts:         hub.Peers(),
		})
	})
	return middleware.HTTPRequestLogging(log)(mux)
}
