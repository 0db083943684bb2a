// Package http provides an HTTP client for the switchgate feature flag service.
package http

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

	switchgate "github.com/matt-riley/switchgate/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the switchgate server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. Leave empty for a
	// server running from a flag file.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements switchgate.FlagManager, switchgate.Evaluator, and
// switchgate.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the switchgate service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	Key           string                       `json:"key,omitempty"`
	Context       switchgate.EvaluationContext `json:"context,omitempty"`
	CorrelationID string                       `json:"correlation_id,omitempty"`
	Mode          string                       `json:"mode,omitempty"`
	Requests      []wireEvalReqItem            `json:"requests,omitempty"`
}

type wireEvalReqItem struct {
	Key           string                       `json:"key"`
	Context       switchgate.EvaluationContext `json:"context"`
	CorrelationID string                       `json:"correlation_id,omitempty"`
	Mode          string                       `json:"mode,omitempty"`
}

type wireEvalResult struct {
	Key string `json:"key"`
	*switchgate.EvaluateResponse
	Error string `json:"error"`
}

type wireEvaluateBatchResp struct {
	Results []wireEvalResult `json:"results"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("switchgate: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("switchgate: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("switchgate: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("switchgate: decode response: %w", err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
// Message is the server's "error" field when the body is JSON.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("switchgate: HTTP %d: %s", e.StatusCode, e.Message)
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func flagPath(key string) string {
	return "/v1/flags/" + url.PathEscape(key)
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag switchgate.Flag) (switchgate.Flag, error) {
	var out switchgate.Flag
	if err := c.doJSON(ctx, http.MethodPost, "/v1/flags", flag, &out); err != nil {
		return switchgate.Flag{}, err
	}
	return out, nil
}

func (c *Client) GetFlag(ctx context.Context, key string) (switchgate.Flag, error) {
	var out switchgate.Flag
	if err := c.doJSON(ctx, http.MethodGet, flagPath(key), nil, &out); err != nil {
		return switchgate.Flag{}, err
	}
	return out, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]switchgate.Flag, error) {
	var out []switchgate.Flag
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flags", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateFlag(ctx context.Context, flag switchgate.Flag) (switchgate.Flag, error) {
	var out switchgate.Flag
	if err := c.doJSON(ctx, http.MethodPut, flagPath(flag.Key), flag, &out); err != nil {
		return switchgate.Flag{}, err
	}
	return out, nil
}

func (c *Client) DeleteFlag(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, flagPath(key), nil, nil)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, req switchgate.EvaluateRequest) (switchgate.EvaluateResponse, error) {
	body := wireEvaluateReq{
		Key:           req.Key,
		Context:       req.Context,
		CorrelationID: req.CorrelationID,
		Mode:          req.Mode,
	}
	var out switchgate.EvaluateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", body, &out); err != nil {
		return switchgate.EvaluateResponse{}, err
	}
	return out, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []switchgate.EvaluateRequest) ([]switchgate.EvaluateResult, error) {
	items := make([]wireEvalReqItem, len(reqs))
	for i, r := range reqs {
		evalCtx := r.Context
		if evalCtx == nil {
			evalCtx = switchgate.EvaluationContext{}
		}
		items[i] = wireEvalReqItem{Key: r.Key, Context: evalCtx, CorrelationID: r.CorrelationID, Mode: r.Mode}
	}

	var out wireEvaluateBatchResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: items}, &out); err != nil {
		return nil, err
	}

	results := make([]switchgate.EvaluateResult, len(out.Results))
	for i, r := range out.Results {
		results[i] = switchgate.EvaluateResult{Key: r.Key, Response: r.EvaluateResponse, Error: r.Error}
	}
	return results, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits FlagEvents on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan switchgate.FlagEvent, error) {
	return c.stream(ctx, "/v1/stream", lastEventID)
}

// StreamFlag is Stream restricted to events for a single flag key.
func (c *Client) StreamFlag(ctx context.Context, key string, lastEventID int64) (<-chan switchgate.FlagEvent, error) {
	return c.stream(ctx, "/v1/stream?key="+url.QueryEscape(key), lastEventID)
}

func (c *Client) stream(ctx context.Context, path string, lastEventID int64) (<-chan switchgate.FlagEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("switchgate: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	ch := make(chan switchgate.FlagEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// A 1 MiB buffer fits large flag payloads on one data line.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed FlagEvents to ch.
// It implements the subset of SSE the server emits: id, event and data
// fields, dispatch on blank lines, and multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- switchgate.FlagEvent) {
	var (
		eventType string
		dataLines []string
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
			if len(dataLines) > 0 {
				ev := decodeEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func decodeEvent(eventType string, eventID int64, data string) switchgate.FlagEvent {
	ev := switchgate.FlagEvent{Type: eventType, EventID: eventID}
	switch eventType {
	case "update":
		var f switchgate.Flag
		if err := json.Unmarshal([]byte(data), &f); err == nil {
			ev.Flag = &f
			ev.Key = f.Key
		}
	case "delete":
		var payload struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil {
			ev.Key = payload.Key
		}
	}
	return ev
}
