package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagbridge/internal/metrics"
	"github.com/matt-riley/flagbridge/internal/middleware"
	"github.com/matt-riley/flagbridge/internal/payload"
)

const (
	// ServiceName is the gRPC service carrying the channel.
	ServiceName = "flagbridge.v1.Channel"
	// ConnectMethod is the full name of the bidirectional channel stream.
	ConnectMethod = "/" + ServiceName + "/Connect"

	grpcStopTimeout = 10 * time.Second
)

// ConnectStreamDesc describes the channel stream for clients opening it with
// [grpc.ClientConn.NewStream]. Both directions carry google.protobuf.Struct
// envelopes.
var ConnectStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

var channelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    ConnectStreamDesc.StreamName,
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "flagbridge/v1/channel.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*GRPCServer).connect(stream)
}

// GRPCOption configures a [GRPCServer].
type GRPCOption func(*grpcConfig)

type grpcConfig struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	validator   middleware.TokenValidator
	rateLimiter *middleware.RateLimiter
}

// WithGRPCLogger sets the server logger.
func WithGRPCLogger(logger *slog.Logger) GRPCOption {
	return func(c *grpcConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGRPCMetrics instruments the server and counts auth failures.
func WithGRPCMetrics(m *metrics.Metrics) GRPCOption {
	return func(c *grpcConfig) { c.metrics = m }
}

// WithTokenValidator requires a bearer token on every channel stream.
func WithTokenValidator(v middleware.TokenValidator) GRPCOption {
	return func(c *grpcConfig) { c.validator = v }
}

// WithAuthRateLimiter throttles peers that repeatedly fail authentication.
// It has no effect without [WithTokenValidator].
func WithAuthRateLimiter(rl *middleware.RateLimiter) GRPCOption {
	return func(c *grpcConfig) { c.rateLimiter = rl }
}

// GRPCServer serves the channel as a bidirectional gRPC stream, alongside
// the standard health service. Health checks are not authenticated.
type GRPCServer struct {
	hub     *Hub
	handler Handler
	logger  *slog.Logger
	server  *grpc.Server
	health  *health.Server
}

// NewGRPCServer builds a server dispatching channel calls to handler.
func NewGRPCServer(hub *Hub, handler Handler, opts ...GRPCOption) *GRPCServer {
	cfg := grpcConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		unary  []grpc.UnaryServerInterceptor
		stream []grpc.StreamServerInterceptor
	)
	if cfg.metrics != nil {
		unary = append(unary, cfg.metrics.UnaryServerInterceptor())
		stream = append(stream, cfg.metrics.StreamServerInterceptor())
	}
	if cfg.validator != nil {
		var authOpts []middleware.AuthOption
		if cfg.metrics != nil {
			authOpts = append(authOpts, middleware.WithOnAuthFailure(cfg.metrics.IncAuthFailures))
		}
		if cfg.rateLimiter != nil {
			authOpts = append(authOpts, middleware.WithRateLimiter(cfg.rateLimiter))
		}
		stream = append(stream, middleware.StreamBearerAuthInterceptor(cfg.validator, authOpts...))
	}
	unary = append(unary, middleware.UnaryRequestLoggingInterceptor(cfg.logger))
	stream = append(stream, middleware.StreamRequestLoggingInterceptor(cfg.logger))

	s := &GRPCServer{
		hub:     hub,
		handler: handler,
		logger:  cfg.logger,
		server: grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(unary...),
			grpc.ChainStreamInterceptor(stream...),
		),
		health: health.NewServer(),
	}
	s.server.RegisterService(&channelServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve serves on listener until ctx is done, then stops gracefully,
// forcing the stop after a timeout.
func (s *GRPCServer) Serve(ctx context.Context, listener net.Listener) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()
	s.logger.Info("grpc channel listening", "addr", listener.Addr().String())

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		s.server.Stop()
	}
	return nil
}

func (s *GRPCServer) connect(stream grpc.ServerStream) error {
	name := "grpc"
	if hostID, ok := middleware.HostIDFromContext(stream.Context()); ok {
		name = "grpc:" + hostID
	}
	return s.hub.Serve(stream.Context(), name, &grpcConn{stream: stream}, s.handler)
}

type grpcConn struct {
	stream grpc.ServerStream
}

func (c *grpcConn) Recv() (Envelope, error) {
	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		return Envelope{}, err
	}
	return EnvelopeFromStruct(msg)
}

func (c *grpcConn) Send(env Envelope) error {
	msg, err := EnvelopeToStruct(env)
	if err != nil {
		return err
	}
	return c.stream.SendMsg(msg)
}

// Close is a no-op; the stream ends when its handler returns.
func (c *grpcConn) Close() error { return nil }

// EnvelopeToStruct converts env into its gRPC message form. Numbers become
// doubles and typed slices and maps become lists and structs.
func EnvelopeToStruct(env Envelope) (*structpb.Struct, error) {
	fields := make(map[string]any, 4)
	if env.ID != 0 {
		fields["id"] = env.ID
	}
	if env.Method != "" {
		fields["method"] = env.Method
	}
	if env.Arguments != nil {
		fields["arguments"] = normalize(env.Arguments)
	}
	if env.Result != nil {
		fields["result"] = normalize(env.Result)
	}
	if env.Error != nil {
		fields["error"] = map[string]any{"code": env.Error.Code, "message": env.Error.Message}
	}
	if env.NotImplemented {
		fields["notImplemented"] = true
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return msg, nil
}

// EnvelopeFromStruct parses a gRPC message into an envelope.
func EnvelopeFromStruct(msg *structpb.Struct) (Envelope, error) {
	fields := payload.Args(msg.AsMap())

	var env Envelope
	if fields.Has("id") {
		id, ok := fields.Int("id")
		if !ok || id < 1 {
			return Envelope{}, fmt.Errorf("invalid envelope id %v", fields["id"])
		}
		env.ID = uint64(id)
	}
	if fields.Has("method") {
		method, ok := fields.String("method")
		if !ok {
			return Envelope{}, fmt.Errorf("invalid envelope method %v", fields["method"])
		}
		env.Method = method
	}
	env.Arguments = fields["arguments"]
	env.Result = fields["result"]
	if wireErr, ok := fields.Map("error"); ok {
		code, _ := wireErr.String("code")
		message, _ := wireErr.String("message")
		env.Error = &WireError{Code: code, Message: message}
	}
	env.NotImplemented, _ = fields.Bool("notImplemented")
	return env, nil
}

// normalize rewrites v into the value shapes structpb accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case map[string]any:
		if x == nil {
			return nil
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case []any:
		if x == nil {
			return nil
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value().Interface())
		}
		return out
	}
	return fmt.Sprint(v)
}
