// Package config loads bridge configuration from environment variables.
//
// Optional variables:
//   - BRIDGE_TRANSPORT: "socket" or "grpc" (default "socket").
//   - BRIDGE_SOCKET_PATH: unix socket path for the socket transport
//     (default "/tmp/flagbridge.sock").
//   - BRIDGE_GRPC_ADDR: listen address for the gRPC transport
//     (default ":9090").
//   - BRIDGE_TOKEN_HASH: bcrypt hash of the bearer token gRPC hosts must
//     present. Empty disables authentication.
//   - AUTH_RATE_LIMIT: failed authentication attempts allowed per peer per
//     minute (default "10", must be > 0 if set).
//   - METRICS_ADDR: listen address for /metrics and /healthz
//     (default ":9100"). Set to "off" to disable.
//   - NOTIFY_QUEUE_SIZE: per-host notification queue length
//     (default "64", must be > 0 if set).
//   - IDENTIFY_TIMEOUT: upper bound on an identify call (default "0",
//     meaning no bound beyond the call itself).
//   - STREAM_COALESCE_WINDOW: how long the flagz client gathers stream
//     events before refetching (default "250ms", must be > 0 if set).
//   - LOG_LEVEL: debug, info, warn or error (default "info").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transports.
const (
	TransportSocket = "socket"
	TransportGRPC   = "grpc"
)

const (
	defaultSocketPath           = "/tmp/flagbridge.sock"
	defaultGRPCAddr             = ":9090"
	defaultMetricsAddr          = ":9100"
	defaultAuthRateLimit        = 10
	defaultNotifyQueueSize      = 64
	defaultStreamCoalesceWindow = 250 * time.Millisecond

	metricsDisabled = "off"
)

// Config holds the runtime configuration for the bridge process.
type Config struct {
	Transport            string
	SocketPath           string
	GRPCAddr             string
	TokenHash            string
	AuthRateLimit        int
	MetricsAddr          string
	NotifyQueueSize      int
	IdentifyTimeout      time.Duration
	StreamCoalesceWindow time.Duration
	LogLevel             string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if a value fails validation.
func Load() (Config, error) {
	transport := strings.ToLower(envOrDefault("BRIDGE_TRANSPORT", TransportSocket))
	if transport != TransportSocket && transport != TransportGRPC {
		return Config{}, fmt.Errorf("BRIDGE_TRANSPORT must be %q or %q, got %q", TransportSocket, TransportGRPC, transport)
	}

	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}
	notifyQueueSize, err := positiveInt("NOTIFY_QUEUE_SIZE", defaultNotifyQueueSize)
	if err != nil {
		return Config{}, err
	}

	var identifyTimeout time.Duration
	if value := strings.TrimSpace(os.Getenv("IDENTIFY_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse IDENTIFY_TIMEOUT: %w", err)
		}
		if parsed < 0 {
			return Config{}, errors.New("IDENTIFY_TIMEOUT must be >= 0")
		}
		identifyTimeout = parsed
	}

	coalesce := defaultStreamCoalesceWindow
	if value := strings.TrimSpace(os.Getenv("STREAM_COALESCE_WINDOW")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_COALESCE_WINDOW: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STREAM_COALESCE_WINDOW must be > 0")
		}
		coalesce = parsed
	}

	metricsAddr := envOrDefault("METRICS_ADDR", defaultMetricsAddr)
	if strings.EqualFold(metricsAddr, metricsDisabled) {
		metricsAddr = ""
	}

	return Config{
		Transport:            transport,
		SocketPath:           envOrDefault("BRIDGE_SOCKET_PATH", defaultSocketPath),
		GRPCAddr:             envOrDefault("BRIDGE_GRPC_ADDR", defaultGRPCAddr),
		TokenHash:            strings.TrimSpace(os.Getenv("BRIDGE_TOKEN_HASH")),
		AuthRateLimit:        authRateLimit,
		MetricsAddr:          metricsAddr,
		NotifyQueueSize:      notifyQueueSize,
		IdentifyTimeout:      identifyTimeout,
		StreamCoalesceWindow: coalesce,
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
