package flagzclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/flagbridge/internal/flagzclient"
	"github.com/matt-riley/flagbridge/sdk"
)

const testKey = "mob-test"

// fakeFlagz serves the flag list, batch evaluation and SSE stream endpoints
// of a flagz server from an in-memory flag set.
type fakeFlagz struct {
	mu           sync.Mutex
	flags        map[string]bool
	status       int
	evaluations  int
	attributes   []map[string]any
	lastEventIDs []string

	frames chan string
	stop   chan struct{}
}

func newFakeFlagz(t *testing.T, flags map[string]bool) (*fakeFlagz, *httptest.Server) {
	t.Helper()
	f := &fakeFlagz{
		flags:  flags,
		frames: make(chan string, 16),
		stop:   make(chan struct{}),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(func() {
		close(f.stop)
		srv.Close()
	})
	return f, srv
}

func (f *fakeFlagz) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	switch r.URL.Path {
	case "/v1/flags":
		f.mu.Lock()
		keys := make([]string, 0, len(f.flags))
		for key := range f.flags {
			keys = append(keys, key)
		}
		f.mu.Unlock()
		slices.Sort(keys)
		flags := make([]map[string]any, len(keys))
		for i, key := range keys {
			flags[i] = map[string]any{"key": key, "disabled": false}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"flags": flags})
	case "/v1/evaluate":
		var body struct {
			Requests []struct {
				Key     string `json:"key"`
				Context struct {
					Attributes map[string]any `json:"attributes"`
				} `json:"context"`
			} `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.evaluations++
		results := make([]map[string]any, 0, len(body.Requests))
		for _, req := range body.Requests {
			results = append(results, map[string]any{"key": req.Key, "value": f.flags[req.Key]})
		}
		if len(body.Requests) > 0 {
			f.attributes = append(f.attributes, body.Requests[0].Context.Attributes)
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	case "/v1/stream":
		f.mu.Lock()
		f.lastEventIDs = append(f.lastEventIDs, r.Header.Get("Last-Event-ID"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-f.stop:
				return
			case frame := <-f.frames:
				if frame == "" {
					return
				}
				fmt.Fprint(w, frame)
				flusher.Flush()
			}
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFlagz) setFlags(flags map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = flags
}

func (f *fakeFlagz) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeFlagz) evaluationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluations
}

func (f *fakeFlagz) lastAttributes() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.attributes) == 0 {
		return nil
	}
	return f.attributes[len(f.attributes)-1]
}

func (f *fakeFlagz) streamRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.lastEventIDs)
}

// push queues raw SSE text for the open stream. An empty frame ends the
// stream.
func (f *fakeFlagz) push(frame string) {
	f.frames <- frame
}

func testConfig(t *testing.T, srv *httptest.Server, mode sdk.StreamingMode) sdk.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	cfg := sdk.NewConfig(testKey)
	cfg.BaseURL, cfg.StreamURL, cfg.EventsURL = u, u, u
	cfg.StreamingMode = mode
	cfg.FlagPollingInterval = time.Hour
	cfg.ConnectionTimeout = 2 * time.Second
	return cfg
}

func startClient(t *testing.T, cfg sdk.Config, opts ...flagzclient.Option) (*flagzclient.Client, <-chan struct{}) {
	t.Helper()
	started := make(chan struct{})
	opts = append([]flagzclient.Option{flagzclient.WithReconnectDelay(10 * time.Millisecond)}, opts...)
	client, err := flagzclient.Start(context.Background(), cfg, sdk.NewUser("user-1"), sync.OnceFunc(func() { close(started) }), opts...)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, started
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for observer")
		var zero T
		return zero
	}
}

func TestStartValidatesConfig(t *testing.T) {
	_, srv := newFakeFlagz(t, nil)

	noKey := testConfig(t, srv, sdk.Polling)
	noKey.MobileKey = ""
	if _, err := flagzclient.Start(context.Background(), noKey, sdk.NewUser("u"), nil); err == nil {
		t.Fatal("Start() without mobile key error = nil")
	}

	noURL := testConfig(t, srv, sdk.Polling)
	noURL.BaseURL = nil
	if _, err := flagzclient.Start(context.Background(), noURL, sdk.NewUser("u"), nil); err == nil {
		t.Fatal("Start() without base URL error = nil")
	}
}

func TestStartFetchesFlagsForUser(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true, "checkout": false})
	client, started := startClient(t, testConfig(t, srv, sdk.Polling))
	waitClosed(t, started)

	if !client.IsOnline() {
		t.Fatal("IsOnline() = false after online start")
	}
	if got := f.lastAttributes()["key"]; got != "user-1" {
		t.Fatalf("evaluated user key = %v, want user-1", got)
	}

	flags := client.AllFlags()
	if len(flags) != 2 || flags["banner"] != true || flags["checkout"] != false {
		t.Fatalf("AllFlags() = %#v", flags)
	}

	info := client.ConnectionInformation()
	if info.CurrentConnectionMode != sdk.ConnectionPolling {
		t.Fatalf("mode = %v, want polling", info.CurrentConnectionMode)
	}
	if info.LastKnownFlagValidity == nil {
		t.Fatal("LastKnownFlagValidity = nil after a successful refresh")
	}
	if info.LastFailedConnection != nil {
		t.Fatalf("LastFailedConnection = %v, want nil", info.LastFailedConnection)
	}
}

func TestVariationDetails(t *testing.T) {
	_, srv := newFakeFlagz(t, map[string]bool{"banner": true, "checkout": false})
	client, started := startClient(t, testConfig(t, srv, sdk.Polling))
	waitClosed(t, started)

	on := client.BoolVariationDetail("banner", false)
	if !on.Value || on.VariationIndex == nil || *on.VariationIndex != 0 || on.Reason["kind"] != "FALLTHROUGH" {
		t.Fatalf("banner detail = %+v", on)
	}
	off := client.BoolVariationDetail("checkout", true)
	if off.Value || off.VariationIndex == nil || *off.VariationIndex != 1 {
		t.Fatalf("checkout detail = %+v", off)
	}

	missing := client.BoolVariationDetail("nope", true)
	if !missing.Value || missing.VariationIndex != nil || missing.Reason["errorKind"] != "FLAG_NOT_FOUND" {
		t.Fatalf("missing detail = %+v", missing)
	}

	wrong := client.IntVariationDetail("banner", 7)
	if wrong.Value != 7 || wrong.Reason["errorKind"] != "WRONG_TYPE" {
		t.Fatalf("int detail = %+v", wrong)
	}
	if got := client.StringVariation("banner", "fallback"); got != "fallback" {
		t.Fatalf("StringVariation() = %q, want fallback", got)
	}
	if got := client.MapVariationDetail("nope", nil); got.Reason["errorKind"] != "FLAG_NOT_FOUND" {
		t.Fatalf("map detail = %+v", got)
	}
}

func TestStartOffline(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	cfg := testConfig(t, srv, sdk.Streaming)
	cfg.StartOnline = false

	client, started := startClient(t, cfg)
	select {
	case <-started:
	default:
		t.Fatal("done was not called before Start returned")
	}

	if client.IsOnline() {
		t.Fatal("IsOnline() = true for offline start")
	}
	if mode := client.ConnectionInformation().CurrentConnectionMode; mode != sdk.ConnectionOffline {
		t.Fatalf("mode = %v, want offline", mode)
	}
	detail := client.BoolVariationDetail("banner", false)
	if detail.Value || detail.Reason["errorKind"] != "CLIENT_NOT_READY" {
		t.Fatalf("detail before any fetch = %+v", detail)
	}

	identified := make(chan struct{})
	client.Identify(context.Background(), sdk.NewUser("user-2"), func() { close(identified) })
	waitClosed(t, identified)
	if n := f.evaluationCount(); n != 0 {
		t.Fatalf("evaluations = %d while offline, want 0", n)
	}
}

func TestRefreshFailureClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   sdk.FailureReason
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: sdk.FailureReason{Kind: sdk.FailureUnauthorized}},
		{name: "forbidden", status: http.StatusForbidden, want: sdk.FailureReason{Kind: sdk.FailureUnauthorized}},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: sdk.FailureReason{Kind: sdk.FailureHTTPError, StatusCode: 503}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
			f.setStatus(tt.status)
			client, started := startClient(t, testConfig(t, srv, sdk.Polling))
			waitClosed(t, started)

			info := client.ConnectionInformation()
			if info.LastConnectionFailureReason != tt.want {
				t.Fatalf("failure reason = %+v, want %+v", info.LastConnectionFailureReason, tt.want)
			}
			if info.LastFailedConnection == nil {
				t.Fatal("LastFailedConnection = nil after failed refresh")
			}
			if info.LastKnownFlagValidity != nil {
				t.Fatal("LastKnownFlagValidity set without a successful refresh")
			}
		})
	}
}

func TestRefreshFailureUnreachable(t *testing.T) {
	_, srv := newFakeFlagz(t, nil)
	cfg := testConfig(t, srv, sdk.Polling)
	srv.Close()

	client, started := startClient(t, cfg)
	waitClosed(t, started)

	reason := client.ConnectionInformation().LastConnectionFailureReason
	if reason.Kind != sdk.FailureUnknownError || reason.Message == "" {
		t.Fatalf("failure reason = %+v, want unknown error with message", reason)
	}
}

func TestStreamingUpdatesNotifyObservers(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": false})
	client, started := startClient(t, testConfig(t, srv, sdk.Streaming), flagzclient.WithCoalesceWindow(10*time.Millisecond))
	waitClosed(t, started)

	all := make(chan map[string]sdk.ChangedFlag, 4)
	client.ObserveAll(func(changes map[string]sdk.ChangedFlag) { all <- changes })
	keyed := make(chan sdk.ChangedFlag, 4)
	client.Observe("banner", func(change sdk.ChangedFlag) { keyed <- change })
	unrelated := make(chan sdk.ChangedFlag, 4)
	client.Observe("other", func(change sdk.ChangedFlag) { unrelated <- change })

	f.setFlags(map[string]bool{"banner": true, "checkout": true})
	f.push("id: 1\nevent: update\ndata: {\"key\":\"banner\"}\n\n")

	changes := receive(t, all)
	if len(changes) != 2 {
		t.Fatalf("changes = %#v, want banner and checkout", changes)
	}
	if c := changes["banner"]; c.OldValue != false || c.NewValue != true {
		t.Fatalf("banner change = %+v", c)
	}
	if c := changes["checkout"]; c.OldValue != nil || c.NewValue != true {
		t.Fatalf("checkout change = %+v", c)
	}
	if c := receive(t, keyed); c.Key != "banner" || c.NewValue != true {
		t.Fatalf("keyed change = %+v", c)
	}
	select {
	case c := <-unrelated:
		t.Fatalf("unrelated observer fired: %+v", c)
	default:
	}

	waitFor(t, "streaming mode", func() bool {
		return client.ConnectionInformation().CurrentConnectionMode == sdk.ConnectionStreaming
	})
}

func TestStreamingDeletedFlag(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true, "checkout": true})
	client, started := startClient(t, testConfig(t, srv, sdk.Streaming), flagzclient.WithCoalesceWindow(10*time.Millisecond))
	waitClosed(t, started)

	all := make(chan map[string]sdk.ChangedFlag, 4)
	client.ObserveAll(func(changes map[string]sdk.ChangedFlag) { all <- changes })

	f.setFlags(map[string]bool{"banner": true})
	f.push("id: 1\nevent: delete\ndata: {\"key\":\"checkout\"}\n\n")

	changes := receive(t, all)
	if c, ok := changes["checkout"]; !ok || c.OldValue != true || c.NewValue != nil {
		t.Fatalf("changes = %#v, want checkout deleted", changes)
	}
	if _, ok := client.AllFlags()["checkout"]; ok {
		t.Fatal("deleted flag still served")
	}
}

func TestStreamingUnchangedRefresh(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	client, started := startClient(t, testConfig(t, srv, sdk.Streaming), flagzclient.WithCoalesceWindow(10*time.Millisecond))
	waitClosed(t, started)

	unchanged := make(chan struct{}, 4)
	client.ObserveFlagsUnchanged(func() { unchanged <- struct{}{} })
	all := make(chan map[string]sdk.ChangedFlag, 4)
	client.ObserveAll(func(changes map[string]sdk.ChangedFlag) { all <- changes })

	f.push("id: 1\nevent: update\ndata: {\"key\":\"banner\"}\n\n")
	receive(t, unchanged)
	select {
	case changes := <-all:
		t.Fatalf("all-flags observer fired without changes: %#v", changes)
	default:
	}
}

func TestStreamingCoalescesBursts(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	_, started := startClient(t, testConfig(t, srv, sdk.Streaming), flagzclient.WithCoalesceWindow(200*time.Millisecond))
	waitClosed(t, started)
	base := f.evaluationCount()

	f.push("id: 1\nevent: update\ndata: {}\n\nid: 2\nevent: update\ndata: {}\n\nid: 3\nevent: delete\ndata: {}\n\n")

	waitFor(t, "coalesced refresh", func() bool { return f.evaluationCount() == base+1 })
	time.Sleep(400 * time.Millisecond)
	if got := f.evaluationCount(); got != base+1 {
		t.Fatalf("evaluations = %d, want %d", got, base+1)
	}
}

func TestStreamingResumesFromLastEventID(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	_, started := startClient(t, testConfig(t, srv, sdk.Streaming), flagzclient.WithCoalesceWindow(10*time.Millisecond))
	waitClosed(t, started)

	f.push("id: 7\nevent: update\ndata: {}\n\n")
	f.push("")

	waitFor(t, "stream reconnect", func() bool { return len(f.streamRequests()) >= 2 })
	requests := f.streamRequests()
	if requests[0] != "" {
		t.Fatalf("first Last-Event-ID = %q, want empty", requests[0])
	}
	if requests[1] != "7" {
		t.Fatalf("resumed Last-Event-ID = %q, want 7", requests[1])
	}
}

func TestPollingRefreshes(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	cfg := testConfig(t, srv, sdk.Polling)
	cfg.FlagPollingInterval = 20 * time.Millisecond
	_, started := startClient(t, cfg)
	waitClosed(t, started)

	waitFor(t, "polling refreshes", func() bool { return f.evaluationCount() >= 3 })
}

func TestIdentifyRefetchesForNewUser(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	client, started := startClient(t, testConfig(t, srv, sdk.Polling))
	waitClosed(t, started)

	identified := make(chan struct{})
	client.Identify(context.Background(), sdk.NewUser("user-2"), func() { close(identified) })
	waitClosed(t, identified)

	if got := f.lastAttributes()["key"]; got != "user-2" {
		t.Fatalf("evaluated user key = %v, want user-2", got)
	}
}

func TestSetOnlineTogglesConnection(t *testing.T) {
	f, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	client, started := startClient(t, testConfig(t, srv, sdk.Polling))
	waitClosed(t, started)

	client.SetOnline(false)
	if client.IsOnline() {
		t.Fatal("IsOnline() = true after SetOnline(false)")
	}
	if mode := client.ConnectionInformation().CurrentConnectionMode; mode != sdk.ConnectionOffline {
		t.Fatalf("mode = %v, want offline", mode)
	}
	if !client.BoolVariation("banner", false) {
		t.Fatal("cached flag not served while offline")
	}

	base := f.evaluationCount()
	client.SetOnline(true)
	if !client.IsOnline() {
		t.Fatal("IsOnline() = false after SetOnline(true)")
	}
	waitFor(t, "refresh after going online", func() bool { return f.evaluationCount() == base+1 })
}

func TestCloseIsIdempotent(t *testing.T) {
	_, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	client, started := startClient(t, testConfig(t, srv, sdk.Streaming))
	waitClosed(t, started)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if client.IsOnline() {
		t.Fatal("IsOnline() = true after Close")
	}
	client.SetOnline(true)
	if client.IsOnline() {
		t.Fatal("SetOnline(true) reconnected a closed client")
	}
	if err := client.Track("purchase", nil, nil); err == nil {
		t.Fatal("Track() after Close error = nil")
	}
}

func TestStartFuncReturnsClient(t *testing.T) {
	_, srv := newFakeFlagz(t, map[string]bool{"banner": true})
	started := make(chan struct{})
	start := flagzclient.StartFunc(flagzclient.WithHTTPClient(srv.Client()))

	client, err := start(context.Background(), testConfig(t, srv, sdk.Polling), sdk.NewUser("user-1"), func() { close(started) })
	if err != nil {
		t.Fatalf("start() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	waitClosed(t, started)
	if !client.BoolVariation("banner", false) {
		t.Fatal("BoolVariation(banner) = false, want true")
	}

	cfg := testConfig(t, srv, sdk.Polling)
	cfg.MobileKey = ""
	if client, err := start(context.Background(), cfg, sdk.NewUser("u"), nil); err == nil || client != nil {
		t.Fatalf("start() = %v, %v; want nil client and error", client, err)
	}
}
