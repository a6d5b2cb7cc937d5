package middleware

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorization = errors.New("missing authorization metadata")
	errInvalidAuthorization = errors.New("invalid authorization metadata")
)

// TokenValidator validates a bearer token and returns the host identity it
// belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth interceptor parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles repeated authentication failures per peer.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// reject converts an authentication failure into a gRPC status, consulting
// the rate limiter first.
func (c authConfig) reject(ctx context.Context) error {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter != nil {
		if addr := peerAddress(ctx); addr != "" && !c.rateLimiter.RecordFailureAndAllow(addr) {
			return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
	}
	return status.Error(codes.Unauthenticated, "unauthorized")
}

// StreamBearerAuthInterceptor enforces bearer-token auth when a channel
// stream is opened.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		hostID, err := authorize(ctx, validator)
		if err != nil {
			return cfg.reject(ctx)
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithHostID(ctx, hostID),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const hostIDKey contextKey = "host_id"

// HostIDFromContext returns the authenticated host identity.
func HostIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(hostIDKey).(string)
	return id, ok
}

// NewContextWithHostID returns a copy of ctx carrying hostID.
func NewContextWithHostID(ctx context.Context, hostID string) context.Context {
	return context.WithValue(ctx, hostIDKey, hostID)
}

func authorize(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorization
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return "", errMissingAuthorization
	}
	for _, header := range headers {
		token, err := parseBearerToken(header)
		if err != nil {
			continue
		}
		hostID, err := validator.ValidateToken(ctx, token)
		if err != nil {
			continue
		}
		if strings.TrimSpace(hostID) == "" {
			return "", errInvalidAuthorization
		}
		return hostID, nil
	}
	return "", errInvalidAuthorization
}

func parseBearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errInvalidAuthorization
	}
	return parts[1], nil
}

func peerAddress(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractHost(p.Addr.String())
}
