package descriptor

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/matt-riley/flagbridge/sdk"
)

func TestBuildConfigFlushIntervalOnly(t *testing.T) {
	got, err := BuildConfig(map[string]any{
		"mobileKey":                 "k1",
		"eventsFlushIntervalMillis": 5000,
	})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}

	want := sdk.NewConfig("k1")
	want.EventFlushInterval = 5 * time.Second
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildConfig() = %#v, want %#v", got, want)
	}
}

func TestBuildConfigMissingOptionalFieldsKeepDefaults(t *testing.T) {
	got, err := BuildConfig(map[string]any{"mobileKey": "k1"})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}
	if want := sdk.NewConfig("k1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildConfig() = %#v, want defaults %#v", got, want)
	}
}

func TestBuildConfigIgnoresMistypedOptionalFields(t *testing.T) {
	got, err := BuildConfig(map[string]any{
		"mobileKey":                 "k1",
		"pollUri":                   42,
		"eventsUri":                 "not a url",
		"eventsCapacity":            "100",
		"eventsFlushIntervalMillis": 1.5,
		"stream":                    "yes",
		"offline":                   1,
		"maxCachedUsers":            true,
		"privateAttributeNames":     "email",
		"wrapperName":               []any{"x"},
	})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}
	if want := sdk.NewConfig("k1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildConfig() = %#v, want defaults %#v", got, want)
	}
}

func TestBuildConfigAppliesEveryField(t *testing.T) {
	got, err := BuildConfig(map[string]any{
		"mobileKey":                         "mob-123",
		"pollUri":                           "https://poll.example.com",
		"eventsUri":                         "https://events.example.com",
		"streamUri":                         "https://stream.example.com",
		"eventsCapacity":                    int64(250),
		"eventsFlushIntervalMillis":         uint32(1500),
		"connectionTimeoutMillis":           7000.0,
		"pollingIntervalMillis":             60000,
		"backgroundPollingIntervalMillis":   900000,
		"diagnosticRecordingIntervalMillis": 300000,
		"maxCachedUsers":                    -1,
		"stream":                            false,
		"offline":                           true,
		"disableBackgroundUpdating":         false,
		"useReport":                         true,
		"inlineUsersInEvents":               true,
		"evaluationReasons":                 true,
		"diagnosticOptOut":                  true,
		"autoAliasingOptOut":                true,
		"allAttributesPrivate":              true,
		"privateAttributeNames":             []any{"email", 7, "name"},
		"wrapperName":                       "flutter",
		"wrapperVersion":                    "1.2.3",
	})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"BaseURL", got.BaseURL.String(), "https://poll.example.com"},
		{"EventsURL", got.EventsURL.String(), "https://events.example.com"},
		{"StreamURL", got.StreamURL.String(), "https://stream.example.com"},
		{"EventCapacity", got.EventCapacity, 250},
		{"EventFlushInterval", got.EventFlushInterval, 1500 * time.Millisecond},
		{"ConnectionTimeout", got.ConnectionTimeout, 7 * time.Second},
		{"FlagPollingInterval", got.FlagPollingInterval, time.Minute},
		{"BackgroundFlagPollingInterval", got.BackgroundFlagPollingInterval, 15 * time.Minute},
		{"DiagnosticRecordingInterval", got.DiagnosticRecordingInterval, 5 * time.Minute},
		{"MaxCachedUsers", got.MaxCachedUsers, -1},
		{"StreamingMode", got.StreamingMode, sdk.Polling},
		{"StartOnline", got.StartOnline, false},
		{"EnableBackgroundUpdates", got.EnableBackgroundUpdates, true},
		{"UseReport", got.UseReport, true},
		{"InlineUserInEvents", got.InlineUserInEvents, true},
		{"EvaluationReasons", got.EvaluationReasons, true},
		{"DiagnosticOptOut", got.DiagnosticOptOut, true},
		{"AutoAliasingOptOut", got.AutoAliasingOptOut, true},
		{"AllUserAttributesPrivate", got.AllUserAttributesPrivate, true},
		{"PrivateUserAttributes", got.PrivateUserAttributes, []string{"email", "name"}},
		{"WrapperName", got.WrapperName, "flutter"},
		{"WrapperVersion", got.WrapperVersion, "1.2.3"},
	}
	for _, check := range checks {
		if !reflect.DeepEqual(check.got, check.want) {
			t.Errorf("%s = %#v, want %#v", check.name, check.got, check.want)
		}
	}
}

func TestBuildConfigRequiresMobileKey(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{name: "missing", payload: map[string]any{"eventsCapacity": 10}},
		{name: "wrong type", payload: map[string]any{"mobileKey": 12345}},
		{name: "nil value", payload: map[string]any{"mobileKey": nil}},
		{name: "not a map", payload: "k1"},
		{name: "nil payload", payload: nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := BuildConfig(test.payload)
			if !errors.Is(err, ErrTypeMismatch) {
				t.Fatalf("BuildConfig() error = %v, want %v", err, ErrTypeMismatch)
			}
		})
	}
}

func TestBuildUser(t *testing.T) {
	got, err := BuildUser(map[string]any{
		"key":                   "user-1",
		"anonymous":             false,
		"secondary":             "sec",
		"ip":                    "10.0.0.1",
		"email":                 "a@example.com",
		"name":                  "Ada",
		"firstName":             "Ada",
		"lastName":              "Lovelace",
		"avatar":                "https://example.com/a.png",
		"country":               "GB",
		"privateAttributeNames": []any{"email"},
		"custom":                map[string]any{"plan": "pro", "seats": 3},
	})
	if err != nil {
		t.Fatalf("BuildUser() error = %v", err)
	}

	if got.Key != "user-1" || got.Anonymous {
		t.Fatalf("key/anonymous = %q/%t, want user-1/false", got.Key, got.Anonymous)
	}
	for name, value := range map[string]*string{
		"secondary": got.Secondary, "ip": got.IP, "email": got.Email, "name": got.Name,
		"firstName": got.FirstName, "lastName": got.LastName, "avatar": got.Avatar, "country": got.Country,
	} {
		if value == nil {
			t.Fatalf("%s = nil, want set", name)
		}
	}
	if *got.LastName != "Lovelace" {
		t.Fatalf("LastName = %q, want Lovelace", *got.LastName)
	}
	if !reflect.DeepEqual(got.PrivateAttributes, []string{"email"}) {
		t.Fatalf("PrivateAttributes = %#v", got.PrivateAttributes)
	}
	if got.Custom["plan"] != "pro" || got.Custom["seats"] != 3 {
		t.Fatalf("Custom = %#v", got.Custom)
	}
}

func TestBuildUserWithoutKeyIsAnonymous(t *testing.T) {
	got, err := BuildUser(map[string]any{"email": "anon@example.com"})
	if err != nil {
		t.Fatalf("BuildUser() error = %v", err)
	}
	if got.Key == "" {
		t.Fatal("Key is empty, want generated key")
	}
	if !got.Anonymous {
		t.Fatal("Anonymous = false, want true")
	}
	if got.Email == nil || *got.Email != "anon@example.com" {
		t.Fatalf("Email = %v, want anon@example.com", got.Email)
	}
}

func TestBuildUserIsPermissive(t *testing.T) {
	got, err := BuildUser(map[string]any{
		"key":                   7,
		"anonymous":             "no",
		"email":                 false,
		"privateAttributeNames": []any{"email", 1},
		"custom":                []any{"x"},
	})
	if err != nil {
		t.Fatalf("BuildUser() error = %v", err)
	}
	if !got.Anonymous {
		t.Fatal("mistyped key should yield an anonymous user")
	}
	if got.Email != nil || got.PrivateAttributes != nil || got.Custom != nil {
		t.Fatalf("mistyped optional fields were applied: %#v", got)
	}
}

func TestBuildUserRejectsNonMap(t *testing.T) {
	if _, err := BuildUser([]any{"user-1"}); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("BuildUser() error = %v, want %v", err, ErrTypeMismatch)
	}
}

func FuzzBuildConfig(f *testing.F) {
	f.Add("k1", int64(5000), 1.5, true, "https://example.com")
	f.Add("", int64(-1), -0.0, false, "::")

	f.Fuzz(func(t *testing.T, key string, ms int64, fl float64, flag bool, uri string) {
		cfg, err := BuildConfig(map[string]any{
			"mobileKey":                 key,
			"eventsFlushIntervalMillis": ms,
			"connectionTimeoutMillis":   fl,
			"stream":                    flag,
			"pollUri":                   uri,
			"eventsCapacity":            fl,
		})
		if err != nil {
			t.Fatalf("BuildConfig() error = %v", err)
		}
		if cfg.MobileKey != key {
			t.Fatalf("MobileKey = %q, want %q", cfg.MobileKey, key)
		}
		if cfg.BaseURL == nil {
			t.Fatal("BaseURL = nil")
		}
	})
}
