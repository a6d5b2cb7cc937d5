package flagzclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// APIError is returned when the flagz server responds with an HTTP error
// status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagz: HTTP %d: %s", e.StatusCode, e.Message)
}

// api is the subset of the flagz HTTP API the client consumes.
type api struct {
	baseURL    string
	streamURL  string
	apiKey     string
	httpClient *http.Client
}

func newAPI(baseURL, streamURL *url.URL, apiKey string, httpClient *http.Client) *api {
	return &api{
		baseURL:    strings.TrimRight(baseURL.String(), "/"),
		streamURL:  strings.TrimRight(streamURL.String(), "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type wireFlag struct {
	Key      string `json:"key"`
	Disabled bool   `json:"disabled"`
}

type wireEvalItem struct {
	Key          string      `json:"key"`
	Context      wireContext `json:"context"`
	DefaultValue bool        `json:"default_value"`
}

type wireContext struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

type wireEvalResult struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

func (a *api) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	return resp, nil
}

func apiError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}

// fetch evaluates every flag the key can see for the given attributes.
func (a *api) fetch(ctx context.Context, attributes map[string]any) (map[string]bool, error) {
	resp, err := a.do(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return nil, err
	}
	var listed struct {
		Flags []wireFlag `json:"flags"`
	}
	err = json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("flagz: decode flags: %w", err)
	}

	values := make(map[string]bool, len(listed.Flags))
	if len(listed.Flags) == 0 {
		return values, nil
	}

	items := make([]wireEvalItem, len(listed.Flags))
	for i, f := range listed.Flags {
		items[i] = wireEvalItem{Key: f.Key, Context: wireContext{Attributes: attributes}}
	}
	resp, err = a.do(ctx, http.MethodPost, "/v1/evaluate", map[string]any{"requests": items})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var evaluated struct {
		Results []wireEvalResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&evaluated); err != nil {
		return nil, fmt.Errorf("flagz: decode evaluation: %w", err)
	}
	for _, r := range evaluated.Results {
		values[r.Key] = r.Value
	}
	return values, nil
}

// streamEvent is one flag change announced on the SSE stream.
type streamEvent struct {
	ID   int64
	Type string
}

// stream connects to the SSE stream, resuming after lastEventID. The channel
// is closed when ctx is done or the connection drops.
func (a *api) stream(ctx context.Context, lastEventID int64) (<-chan streamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.streamURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("flagz: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}

	ch := make(chan streamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseSSE(ctx, bufio.NewReaderSize(resp.Body, 1<<20), ch)
	}()
	return ch, nil
}

// parseSSE reads the id, event and data fields of an SSE stream and emits
// one event per blank-line terminated block that carried data. Events named
// "error" are skipped.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- streamEvent) {
	var (
		eventType string
		hasData   bool
		eventID   int64
	)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if hasData && eventType != "error" {
				select {
				case ch <- streamEvent{ID: eventID, Type: eventType}:
				case <-ctx.Done():
					return
				}
			}
			eventType, hasData = "", false
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			hasData = true
		}

		if err != nil {
			return
		}
	}
}
