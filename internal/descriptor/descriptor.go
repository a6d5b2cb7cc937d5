// Package descriptor reconstructs typed client descriptors from untyped host
// payloads.
//
// Required fields are strict: a missing or mistyped mobileKey, or a payload
// that is not a map at all, fails with [ErrTypeMismatch]. Every optional field
// is permissive: it overrides the default only when present with the expected
// shape and is otherwise ignored.
package descriptor

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/matt-riley/flagbridge/internal/payload"
	"github.com/matt-riley/flagbridge/sdk"
)

// ErrTypeMismatch reports a required field that is absent or has the wrong type.
var ErrTypeMismatch = errors.New("type mismatch")

// BuildConfig converts a configuration payload into an [sdk.Config].
func BuildConfig(v any) (sdk.Config, error) {
	args, ok := payload.AsArgs(v)
	if !ok {
		return sdk.Config{}, fmt.Errorf("%w: config must be a map, got %T", ErrTypeMismatch, v)
	}
	mobileKey, ok := args.String("mobileKey")
	if !ok {
		return sdk.Config{}, fmt.Errorf("%w: mobileKey must be a string, got %T", ErrTypeMismatch, args["mobileKey"])
	}

	cfg := sdk.NewConfig(mobileKey)

	whenURL(args, "pollUri", func(u *url.URL) { cfg.BaseURL = u })
	whenURL(args, "eventsUri", func(u *url.URL) { cfg.EventsURL = u })
	whenURL(args, "streamUri", func(u *url.URL) { cfg.StreamURL = u })

	whenInt(args, "eventsCapacity", func(n int) { cfg.EventCapacity = n })
	whenInt(args, "maxCachedUsers", func(n int) { cfg.MaxCachedUsers = n })

	whenMillis(args, "eventsFlushIntervalMillis", func(d time.Duration) { cfg.EventFlushInterval = d })
	whenMillis(args, "connectionTimeoutMillis", func(d time.Duration) { cfg.ConnectionTimeout = d })
	whenMillis(args, "pollingIntervalMillis", func(d time.Duration) { cfg.FlagPollingInterval = d })
	whenMillis(args, "backgroundPollingIntervalMillis", func(d time.Duration) { cfg.BackgroundFlagPollingInterval = d })
	whenMillis(args, "diagnosticRecordingIntervalMillis", func(d time.Duration) { cfg.DiagnosticRecordingInterval = d })

	whenBool(args, "stream", func(b bool) {
		if b {
			cfg.StreamingMode = sdk.Streaming
		} else {
			cfg.StreamingMode = sdk.Polling
		}
	})
	whenBool(args, "offline", func(b bool) { cfg.StartOnline = !b })
	whenBool(args, "disableBackgroundUpdating", func(b bool) { cfg.EnableBackgroundUpdates = !b })
	whenBool(args, "useReport", func(b bool) { cfg.UseReport = b })
	whenBool(args, "inlineUsersInEvents", func(b bool) { cfg.InlineUserInEvents = b })
	whenBool(args, "evaluationReasons", func(b bool) { cfg.EvaluationReasons = b })
	whenBool(args, "diagnosticOptOut", func(b bool) { cfg.DiagnosticOptOut = b })
	whenBool(args, "autoAliasingOptOut", func(b bool) { cfg.AutoAliasingOptOut = b })
	whenBool(args, "allAttributesPrivate", func(b bool) { cfg.AllUserAttributesPrivate = b })

	if names, ok := payload.CompactStrings(args["privateAttributeNames"]); ok {
		cfg.PrivateUserAttributes = names
	}

	whenString(args, "wrapperName", func(s string) { cfg.WrapperName = s })
	whenString(args, "wrapperVersion", func(s string) { cfg.WrapperVersion = s })

	return cfg, nil
}

// BuildUser converts a user payload into an [sdk.User]. A missing key yields
// an anonymous user with a generated key.
func BuildUser(v any) (sdk.User, error) {
	args, ok := payload.AsArgs(v)
	if !ok {
		return sdk.User{}, fmt.Errorf("%w: user must be a map, got %T", ErrTypeMismatch, v)
	}

	key, _ := args.String("key")
	user := sdk.NewUser(key)

	whenBool(args, "anonymous", func(b bool) { user.Anonymous = b })
	user.Secondary = optionalString(args, "secondary")
	user.IP = optionalString(args, "ip")
	user.Email = optionalString(args, "email")
	user.Name = optionalString(args, "name")
	user.FirstName = optionalString(args, "firstName")
	user.LastName = optionalString(args, "lastName")
	user.Avatar = optionalString(args, "avatar")
	user.Country = optionalString(args, "country")

	if names, ok := payload.Strings(args["privateAttributeNames"]); ok {
		user.PrivateAttributes = names
	}
	if custom, ok := args.Map("custom"); ok {
		user.Custom = map[string]any(custom)
	}

	return user, nil
}

// millisToDuration divides by 1000 in floating point, matching hosts that
// express intervals as fractional seconds.
func millisToDuration(ms int) time.Duration {
	seconds := float64(ms) / 1000.0
	return time.Duration(seconds * float64(time.Second))
}

func whenString(args payload.Args, key string, apply func(string)) {
	if s, ok := args.String(key); ok {
		apply(s)
	}
}

func whenBool(args payload.Args, key string, apply func(bool)) {
	if b, ok := args.Bool(key); ok {
		apply(b)
	}
}

func whenInt(args payload.Args, key string, apply func(int)) {
	if n, ok := args.Int(key); ok {
		apply(n)
	}
}

func whenMillis(args payload.Args, key string, apply func(time.Duration)) {
	whenInt(args, key, func(ms int) { apply(millisToDuration(ms)) })
}

func whenURL(args payload.Args, key string, apply func(*url.URL)) {
	whenString(args, key, func(raw string) {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return
		}
		apply(u)
	})
}

func optionalString(args payload.Args, key string) *string {
	s, ok := args.String(key)
	if !ok {
		return nil
	}
	return &s
}
