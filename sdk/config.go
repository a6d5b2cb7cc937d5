package sdk

import (
	"net/url"
	"time"
)

// StreamingMode selects how the client receives flag updates.
type StreamingMode int

const (
	Streaming StreamingMode = iota
	Polling
)

func (m StreamingMode) String() string {
	if m == Polling {
		return "polling"
	}
	return "streaming"
}

const (
	DefaultBaseURL                       = "http://localhost:8080"
	DefaultEventCapacity                 = 100
	DefaultEventFlushInterval            = 30 * time.Second
	DefaultConnectionTimeout             = 10 * time.Second
	DefaultFlagPollingInterval           = 5 * time.Minute
	DefaultBackgroundFlagPollingInterval = time.Hour
	DefaultDiagnosticRecordingInterval   = 15 * time.Minute
	DefaultMaxCachedUsers                = 5
)

// Config describes how a client should be constructed. Obtain one with
// [NewConfig]; the zero value is not a usable configuration.
type Config struct {
	MobileKey string

	BaseURL   *url.URL
	EventsURL *url.URL
	StreamURL *url.URL

	EventCapacity                 int
	EventFlushInterval            time.Duration
	ConnectionTimeout             time.Duration
	FlagPollingInterval           time.Duration
	BackgroundFlagPollingInterval time.Duration
	DiagnosticRecordingInterval   time.Duration
	MaxCachedUsers                int

	StreamingMode           StreamingMode
	StartOnline             bool
	EnableBackgroundUpdates bool
	UseReport               bool
	InlineUserInEvents      bool
	EvaluationReasons       bool
	DiagnosticOptOut        bool
	AutoAliasingOptOut      bool

	AllUserAttributesPrivate bool
	PrivateUserAttributes    []string

	WrapperName    string
	WrapperVersion string
}

// NewConfig returns a configuration for mobileKey with every other field at
// its default.
func NewConfig(mobileKey string) Config {
	return Config{
		MobileKey:                     mobileKey,
		BaseURL:                       mustParseURL(DefaultBaseURL),
		EventsURL:                     mustParseURL(DefaultBaseURL),
		StreamURL:                     mustParseURL(DefaultBaseURL),
		EventCapacity:                 DefaultEventCapacity,
		EventFlushInterval:            DefaultEventFlushInterval,
		ConnectionTimeout:             DefaultConnectionTimeout,
		FlagPollingInterval:           DefaultFlagPollingInterval,
		BackgroundFlagPollingInterval: DefaultBackgroundFlagPollingInterval,
		DiagnosticRecordingInterval:   DefaultDiagnosticRecordingInterval,
		MaxCachedUsers:                DefaultMaxCachedUsers,
		StreamingMode:                 Streaming,
		StartOnline:                   true,
		PrivateUserAttributes:         []string{},
	}
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic("sdk: invalid default URL " + raw)
	}
	return u
}
