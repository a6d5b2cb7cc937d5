package sdk

import (
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig("mob-key")

	if cfg.MobileKey != "mob-key" {
		t.Fatalf("MobileKey = %q, want mob-key", cfg.MobileKey)
	}
	for name, u := range map[string]string{
		"BaseURL":   cfg.BaseURL.String(),
		"EventsURL": cfg.EventsURL.String(),
		"StreamURL": cfg.StreamURL.String(),
	} {
		if u != DefaultBaseURL {
			t.Fatalf("%s = %q, want %q", name, u, DefaultBaseURL)
		}
	}
	if cfg.EventFlushInterval != 30*time.Second {
		t.Fatalf("EventFlushInterval = %v, want 30s", cfg.EventFlushInterval)
	}
	if cfg.StreamingMode != Streaming || !cfg.StartOnline || cfg.EnableBackgroundUpdates {
		t.Fatalf("mode/online/background = %v/%t/%t", cfg.StreamingMode, cfg.StartOnline, cfg.EnableBackgroundUpdates)
	}
	if cfg.PrivateUserAttributes == nil || len(cfg.PrivateUserAttributes) != 0 {
		t.Fatalf("PrivateUserAttributes = %#v, want empty non-nil slice", cfg.PrivateUserAttributes)
	}

	// Each call returns independent URL values.
	other := NewConfig("mob-key")
	other.BaseURL.Host = "changed"
	if cfg.BaseURL.Host == "changed" {
		t.Fatal("NewConfig shares URL values between calls")
	}
}

func TestNewUser(t *testing.T) {
	user := NewUser("user-1")
	if user.Key != "user-1" || user.Anonymous {
		t.Fatalf("NewUser(user-1) = %#v", user)
	}

	first, second := NewUser(""), NewUser("")
	if !first.Anonymous || first.Key == "" {
		t.Fatalf("NewUser(\"\") = %#v, want anonymous generated key", first)
	}
	if first.Key == second.Key {
		t.Fatalf("generated keys collide: %q", first.Key)
	}
}

func TestUserAttributes(t *testing.T) {
	email := "a@example.com"
	user := User{
		Key:    "user-1",
		Email:  &email,
		Custom: map[string]any{"plan": "pro", "key": "spoofed", "email": "spoofed"},
	}

	attrs := user.Attributes()
	if attrs["key"] != "user-1" || attrs["email"] != email {
		t.Fatalf("custom attributes overrode built-ins: %#v", attrs)
	}
	if attrs["plan"] != "pro" {
		t.Fatalf("plan = %v, want pro", attrs["plan"])
	}
	if _, ok := attrs["country"]; ok {
		t.Fatal("unset country was included")
	}
	if attrs["anonymous"] != false {
		t.Fatalf("anonymous = %v, want false", attrs["anonymous"])
	}
}

func TestFailureReasonDescription(t *testing.T) {
	tests := []struct {
		reason FailureReason
		want   string
	}{
		{reason: FailureReason{}, want: "none"},
		{reason: FailureReason{Kind: FailureHTTPError, StatusCode: 503}, want: "httpError(503)"},
		{reason: FailureReason{Kind: FailureUnauthorized}, want: "unauthorized"},
		{reason: FailureReason{Kind: FailureUnknownError, Message: "dial tcp: refused"}, want: "dial tcp: refused"},
	}

	for _, test := range tests {
		if got := test.reason.Description(); got != test.want {
			t.Fatalf("Description() = %q, want %q", got, test.want)
		}
	}
}

func TestModeStrings(t *testing.T) {
	if Polling.String() != "polling" || Streaming.String() != "streaming" {
		t.Fatalf("StreamingMode strings = %q/%q", Polling, Streaming)
	}
	if ConnectionEstablishingStreaming.String() != "establishingStreamingConnection" {
		t.Fatalf("ConnectionEstablishingStreaming = %q", ConnectionEstablishingStreaming)
	}
	if ConnectionOffline.String() != "offline" {
		t.Fatalf("ConnectionOffline = %q", ConnectionOffline)
	}
}

func TestSubscriptionFunc(t *testing.T) {
	calls := 0
	var sub Subscription = SubscriptionFunc(func() { calls++ })
	sub.Cancel()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
