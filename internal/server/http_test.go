package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/switchgate/internal/core"
	"github.com/matt-riley/switchgate/internal/metrics"
	"github.com/matt-riley/switchgate/internal/middleware"
	"github.com/matt-riley/switchgate/internal/repository"
	"github.com/matt-riley/switchgate/internal/service"
)

func reqWithProject(req *http.Request) *http.Request {
	ctx := middleware.NewContextWithProjectID(req.Context(), "default")
	return req.WithContext(ctx)
}

func newTestHandler(svc Service, opts ...HTTPOption) http.Handler {
	return NewHTTPHandler(svc, append([]HTTPOption{WithStreamPollInterval(5 * time.Millisecond)}, opts...)...)
}

func TestHTTPHandlerGetFlag(t *testing.T) {
	svc := &fakeService{
		getFlagFunc: func(_ context.Context, projectID, key string) (repository.Flag, error) {
			if projectID != "default" || key != "new-ui" {
				t.Fatalf("GetFlag(%q, %q), want (%q, %q)", projectID, key, "default", "new-ui")
			}
			return repository.Flag{
				Key:         "new-ui",
				Description: "new UI rollout",
				Status:      true,
				Rules:       json.RawMessage(`[]`),
			}, nil
		},
	}

	handler := newTestHandler(svc)
	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/flags/new-ui", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got repository.Flag
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Key != "new-ui" || !got.Status {
		t.Fatalf("response = %#v, want enabled new-ui flag", got)
	}
}

func TestHTTPHandlerGetFlagNotFound(t *testing.T) {
	svc := &fakeService{
		getFlagFunc: func(context.Context, string, string) (repository.Flag, error) {
			return repository.Flag{}, service.ErrFlagNotFound
		},
	}

	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/flags/missing", nil)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), `"error":"flag not found"`) {
		t.Fatalf("body = %q, want flag not found error", rec.Body.String())
	}
}

func TestHTTPHandlerListFlags(t *testing.T) {
	svc := &fakeService{
		listFlagsFunc: func(_ context.Context, projectID string) ([]repository.Flag, error) {
			if projectID != "default" {
				t.Fatalf("ListFlags projectID = %q, want %q", projectID, "default")
			}
			return []repository.Flag{
				{
					Key:         "new-ui",
					Description: "new UI rollout",
					Status:      true,
				},
			}, nil
		},
	}

	handler := newTestHandler(svc)
	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/flags", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []repository.Flag
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 1 || got[0].Key != "new-ui" {
		t.Fatalf("response = %#v, want single new-ui flag", got)
	}
}

func TestHTTPHandlerListFlagsEmptyIsArray(t *testing.T) {
	svc := &fakeService{
		listFlagsFunc: func(context.Context, string) ([]repository.Flag, error) {
			return nil, nil
		},
	}

	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/flags", nil)))

	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body = %q, want []", got)
	}
}

func TestHTTPHandlerRequiresProject(t *testing.T) {
	routes := []struct {
		method string
		path   string
		body   string
	}{
		{method: http.MethodGet, path: "/v1/flags"},
		{method: http.MethodPost, path: "/v1/flags", body: `{"key":"a"}`},
		{method: http.MethodGet, path: "/v1/flags/a"},
		{method: http.MethodPut, path: "/v1/flags/a", body: `{}`},
		{method: http.MethodDelete, path: "/v1/flags/a"},
		{method: http.MethodPost, path: "/v1/evaluate", body: `{"key":"a"}`},
		{method: http.MethodGet, path: "/v1/stream"},
	}

	handler := newTestHandler(&fakeService{})
	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			req := httptest.NewRequest(route.method, route.path, strings.NewReader(route.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestHTTPHandlerCreateFlagSetsProject(t *testing.T) {
	var got repository.Flag
	svc := &fakeService{
		createFlagFunc: func(_ context.Context, flag repository.Flag) (repository.Flag, error) {
			got = flag
			return flag, nil
		},
	}

	body := `{"key":"new-ui","status":true,"rules":[{"segment":{"key":"us","matching":"all","conditions":[]}}]}`
	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(body))))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got.ProjectID != "default" || got.Key != "new-ui" || !got.Status {
		t.Fatalf("CreateFlag flag = %#v, want enabled new-ui in default", got)
	}
}

func TestHTTPHandlerCreateFlagOversizedBody(t *testing.T) {
	svc := &fakeService{
		createFlagFunc: func(_ context.Context, _ repository.Flag) (repository.Flag, error) {
			t.Fatal("CreateFlag should not be called for oversized request bodies")
			return repository.Flag{}, nil
		},
	}

	oversizedDescription := strings.Repeat("a", 1025)
	body := `{"key":"new-ui","description":"` + oversizedDescription + `"}`

	handler := newTestHandler(svc, WithMaxJSONBodyBytes(1024))
	req := reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestHTTPHandlerCreateFlagRejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	body := `{"key":"new-ui","enabled":true}`
	newTestHandler(&fakeService{}).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(body))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), `"error":"invalid JSON body"`) {
		t.Fatalf("body = %q, want invalid JSON body error", rec.Body.String())
	}
}

func TestHTTPHandlerCreateFlagInvalidRulesReturnsBadRequest(t *testing.T) {
	svc := &fakeService{
		createFlagFunc: func(_ context.Context, _ repository.Flag) (repository.Flag, error) {
			return repository.Flag{}, fmt.Errorf("%w: rules[0].segment is required", service.ErrInvalidRules)
		},
	}

	handler := newTestHandler(svc)
	req := reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(`{"key":"new-ui","rules":[{}]}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "rules[0].segment is required") {
		t.Fatalf("body = %q, want field-level rule error", rec.Body.String())
	}
}

func TestHTTPHandlerUpdateFlag(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "path key fills body", body: `{"status":true}`, wantStatus: http.StatusOK},
		{name: "matching keys", body: `{"key":"new-ui"}`, wantStatus: http.StatusOK},
		{name: "mismatched keys", body: `{"key":"other"}`, wantStatus: http.StatusBadRequest},
		{name: "not found", body: `{}`, err: service.ErrFlagNotFound, wantStatus: http.StatusNotFound},
		{name: "read only", body: `{}`, err: errors.Join(service.ErrReadOnly, repository.ErrReadOnly), wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				updateFlagFunc: func(_ context.Context, flag repository.Flag) (repository.Flag, error) {
					if flag.Key != "new-ui" || flag.ProjectID != "default" {
						t.Fatalf("UpdateFlag flag = %#v, want new-ui in default", flag)
					}
					return flag, tt.err
				},
			}

			rec := httptest.NewRecorder()
			req := reqWithProject(httptest.NewRequest(http.MethodPut, "/v1/flags/new-ui", strings.NewReader(tt.body)))
			newTestHandler(svc).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHTTPHandlerDeleteFlag(t *testing.T) {
	var deleted string
	svc := &fakeService{
		deleteFlagFunc: func(_ context.Context, projectID, key string) error {
			deleted = projectID + "/" + key
			return nil
		},
	}

	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodDelete, "/v1/flags/new-ui", nil)))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if deleted != "default/new-ui" {
		t.Fatalf("deleted = %q, want %q", deleted, "default/new-ui")
	}
}

func TestHTTPHandlerEvaluateSingle(t *testing.T) {
	var got service.EvaluateRequest
	svc := &fakeService{
		evaluateFunc: func(_ context.Context, req service.EvaluateRequest) (core.EvaluateResponse, error) {
			got = req
			return core.EvaluateResponse{
				Match:         true,
				Meta:          core.Meta{Segment: "us", Condition: core.SingleCondition("country")},
				Reason:        core.ReasonFlagMatch,
				CorrelationID: req.CorrelationID,
				ResponseID:    "response-1",
			}, nil
		},
	}

	body := `{"key":"new-ui","context":{"country":"US","plan":"pro"},"correlation_id":"corr-1","mode":"legacy"}`
	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got.ProjectID != "default" || got.Key != "new-ui" || got.CorrelationID != "corr-1" {
		t.Fatalf("Evaluate request = %#v", got)
	}
	if got.Mode == nil || *got.Mode != core.ModeLegacy {
		t.Fatalf("Evaluate mode = %v, want legacy", got.Mode)
	}
	if keys := got.Context.Keys(); len(keys) != 2 || keys[0] != "country" || keys[1] != "plan" {
		t.Fatalf("Evaluate context keys = %v, want [country plan]", keys)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["match"] != true || resp["reason"] != "FlagMatch" || resp["correlationId"] != "corr-1" || resp["responseId"] != "response-1" {
		t.Fatalf("response = %v", resp)
	}
	meta, _ := resp["meta"].(map[string]any)
	if meta["segment"] != "us" || meta["condition"] != "country" {
		t.Fatalf("response meta = %v, want us/country", meta)
	}
}

func TestHTTPHandlerEvaluateUnknownFlag(t *testing.T) {
	svc := &fakeService{
		evaluateFunc: func(context.Context, service.EvaluateRequest) (core.EvaluateResponse, error) {
			return core.EvaluateResponse{}, service.ErrFlagNotFound
		},
	}

	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{"key":"nope"}`))))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerEvaluateRejectsBadMode(t *testing.T) {
	rec := httptest.NewRecorder()
	body := `{"key":"new-ui","mode":"turbo"}`
	newTestHandler(&fakeService{}).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerEvaluateCorrelationFallback(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header string
		want   string
	}{
		{name: "body wins", body: `{"key":"a","correlation_id":"from-body"}`, header: "from-header", want: "from-body"},
		{name: "header", body: `{"key":"a"}`, header: "from-header", want: "from-header"},
		{name: "request id", body: `{"key":"a"}`, want: "req-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			svc := &fakeService{
				evaluateFunc: func(_ context.Context, req service.EvaluateRequest) (core.EvaluateResponse, error) {
					got = req.CorrelationID
					return core.EvaluateResponse{}, nil
				},
			}

			// The request logging middleware supplies the request id.
			handler := middleware.HTTPRequestLogging(nil)(newTestHandler(svc))
			req := reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(tt.body)))
			req.Header.Set(middleware.RequestIDHeader, "req-7")
			if tt.header != "" {
				req.Header.Set(CorrelationIDHeader, tt.header)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Fatalf("correlation id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPHandlerEvaluateBatch(t *testing.T) {
	var got []service.EvaluateRequest
	svc := &fakeService{
		evaluateBatchFunc: func(_ context.Context, requests []service.EvaluateRequest) ([]service.EvaluateResult, error) {
			got = requests
			return []service.EvaluateResult{
				{Key: "a", EvaluateResponse: &core.EvaluateResponse{Match: true, Reason: core.ReasonFlagMatch}},
				{Key: "b", Error: "flag not found"},
			}, nil
		},
	}

	body := `{"correlation_id":"batch","mode":"full","requests":[{"key":"a","context":{"x":"1"}},{"key":"b","context":{},"correlation_id":"own","mode":"legacy"}]}`
	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if len(got) != 2 {
		t.Fatalf("EvaluateBatch requests = %d, want 2", len(got))
	}
	if got[0].CorrelationID != "batch" || got[0].Mode == nil || *got[0].Mode != core.ModeFull {
		t.Fatalf("requests[0] = %#v, want inherited correlation id and full mode", got[0])
	}
	if got[1].CorrelationID != "own" || got[1].Mode == nil || *got[1].Mode != core.ModeLegacy {
		t.Fatalf("requests[1] = %#v, want own correlation id and legacy mode", got[1])
	}

	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0]["match"] != true || resp.Results[1]["error"] != "flag not found" {
		t.Fatalf("results = %v", resp.Results)
	}
}

func TestHTTPHandlerEvaluateBadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "empty", body: `{}`, wantErr: "key or requests is required"},
		{name: "both forms", body: `{"key":"a","requests":[{"key":"b"}]}`, wantErr: "use either key or requests"},
		{name: "missing item key", body: `{"requests":[{"key":"a"},{"key":" "}]}`, wantErr: "requests[1].key is required"},
		{name: "trailing data", body: `{"key":"a"}{}`, wantErr: "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestHandler(&fakeService{}).ServeHTTP(rec, reqWithProject(httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(tt.body))))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if !strings.Contains(rec.Body.String(), tt.wantErr) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantErr)
			}
		})
	}
}

func TestHTTPHandlerStreamReplaysFromLastEventID(t *testing.T) {
	var mu sync.Mutex
	sinceCalls := make([]int64, 0)
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, _ string, since int64) ([]repository.FlagEvent, error) {
			mu.Lock()
			sinceCalls = append(sinceCalls, since)
			mu.Unlock()
			if since != 1 {
				return nil, nil
			}
			return []repository.FlagEvent{
				{
					EventID:   2,
					FlagKey:   "new-ui",
					EventType: service.EventTypeUpdated,
					Payload:   json.RawMessage(`{"key":"new-ui","status":true}`),
				},
				{
					EventID:   3,
					FlagKey:   "old-ui",
					EventType: service.EventTypeDeleted,
					Payload:   json.RawMessage(`{"key":"old-ui"}`),
				},
			}, nil
		},
	}

	handler := newTestHandler(svc)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	mu.Lock()
	defer mu.Unlock()
	if len(sinceCalls) == 0 || sinceCalls[0] != 1 {
		t.Fatalf("first ListEventsSince call = %#v, want first value %d", sinceCalls, 1)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "id: 2") || !strings.Contains(body, "event: update") {
		t.Fatalf("stream body missing update event: %q", body)
	}
	if !strings.Contains(body, "id: 3") || !strings.Contains(body, "event: delete") {
		t.Fatalf("stream body missing delete event: %q", body)
	}
}

func TestHTTPHandlerStreamInvalidLastEventID(t *testing.T) {
	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	req.Header.Set("Last-Event-ID", "-4")
	rec := httptest.NewRecorder()
	newTestHandler(&fakeService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerStreamFiltersByKey(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(context.Context, string, int64) ([]repository.FlagEvent, error) {
			t.Error("ListEventsSince should not be called when a key filter is set")
			return nil, nil
		},
		listEventsSinceForKeyFunc: func(_ context.Context, projectID string, since int64, key string) ([]repository.FlagEvent, error) {
			if projectID != "default" || key != "new-ui" {
				t.Errorf("ListEventsSinceForKey(%q, %q), want (default, new-ui)", projectID, key)
			}
			if since != 0 {
				return nil, nil
			}
			return []repository.FlagEvent{
				{EventID: 4, FlagKey: "new-ui", EventType: service.EventTypeUpdated, Payload: json.RawMessage(`{"key":"new-ui"}`)},
			}, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream?key=new-ui", nil).WithContext(ctx))
	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "id: 4") {
		t.Fatalf("stream body missing filtered event: %q", rec.Body.String())
	}
}

func TestHTTPHandlerStreamCompactsPayloadToSingleDataLine(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, _ string, since int64) ([]repository.FlagEvent, error) {
			if since != 0 {
				return nil, nil
			}

			return []repository.FlagEvent{
				{
					EventID:   1,
					FlagKey:   "new-ui",
					EventType: service.EventTypeUpdated,
					Payload:   json.RawMessage("{\n  \"key\": \"new-ui\",\n  \"status\": true\n}"),
				},
			}, nil
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"key":"new-ui","status":true}`) {
		t.Fatalf("stream body missing compact payload: %q", body)
	}
	if strings.Contains(body, "data: {\n") {
		t.Fatalf("stream body should not contain multiline data payload: %q", body)
	}
}

func TestHTTPHandlerStreamInitialFetchErrorReturnsHTTPError(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, _ string, _ int64) ([]repository.FlagEvent, error) {
			return nil, errors.New("backend failure")
		},
	}

	handler := newTestHandler(svc)
	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
	if !strings.Contains(rec.Body.String(), `"error":"internal server error"`) {
		t.Fatalf("body = %q, want internal server error json", rec.Body.String())
	}
}

func TestHTTPHandlerStreamFlushesHeadersWithoutInitialEvents(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, _ string, _ int64) ([]repository.FlagEvent, error) {
			return nil, nil
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want %q", got, "text/event-stream")
	}
	if !rec.Flushed {
		t.Fatal("stream should flush headers even without initial events")
	}
}

func TestHTTPHandlerStreamSendsSSEErrorAfterStartOnBackendFailure(t *testing.T) {
	var mu sync.Mutex
	callCount := 0
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, _ string, _ int64) ([]repository.FlagEvent, error) {
			mu.Lock()
			callCount++
			n := callCount
			mu.Unlock()
			switch n {
			case 1:
				return []repository.FlagEvent{
					{
						EventID:   1,
						FlagKey:   "new-ui",
						EventType: service.EventTypeUpdated,
						Payload:   json.RawMessage(`{"key":"new-ui","status":true}`),
					},
				}, nil
			case 2:
				return nil, errors.New("backend failure")
			default:
				return nil, nil
			}
		},
	}

	handler := newTestHandler(svc)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	req := reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: update") {
		t.Fatalf("stream body missing update event: %q", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Fatalf("stream body missing error event: %q", body)
	}
	if !strings.Contains(body, `data: {"error":"internal server error"}`) {
		t.Fatalf("stream body missing error payload: %q", body)
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&fakeService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q, want ok status", rec.Body.String())
	}
}

func TestHTTPHandlerMetrics(t *testing.T) {
	t.Run("not exposed without metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestHandler(&fakeService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("records routes and streams", func(t *testing.T) {
		m := metrics.New()
		svc := &fakeService{
			getFlagFunc: func(context.Context, string, string) (repository.Flag, error) {
				return repository.Flag{Key: "a"}, nil
			},
			listEventsSinceFunc: func(context.Context, string, int64) ([]repository.FlagEvent, error) {
				return nil, nil
			},
		}
		handler := NewHTTPHandler(svc, WithStreamPollInterval(time.Hour), WithMetrics(m))

		handler.ServeHTTP(httptest.NewRecorder(), reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/flags/a", nil)))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		handler.ServeHTTP(httptest.NewRecorder(), reqWithProject(httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx)))

		if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/flags/{key}", "200")); got != 1 {
			t.Fatalf("http requests for GET /v1/flags/{key} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
			t.Fatalf("active streams after close = %v, want 0", got)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("metrics status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Body.String(), "switchgate_http_requests_total") {
			t.Fatalf("metrics body missing request counter")
		}
	})
}

type fakeService struct {
	createFlagFunc            func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	updateFlagFunc            func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	getFlagFunc               func(ctx context.Context, projectID, key string) (repository.Flag, error)
	listFlagsFunc             func(ctx context.Context, projectID string) ([]repository.Flag, error)
	deleteFlagFunc            func(ctx context.Context, projectID, key string) error
	evaluateFunc              func(ctx context.Context, req service.EvaluateRequest) (core.EvaluateResponse, error)
	evaluateBatchFunc         func(ctx context.Context, requests []service.EvaluateRequest) ([]service.EvaluateResult, error)
	listEventsSinceFunc       func(ctx context.Context, projectID string, eventID int64) ([]repository.FlagEvent, error)
	listEventsSinceForKeyFunc func(ctx context.Context, projectID string, eventID int64, key string) ([]repository.FlagEvent, error)
}

func (f *fakeService) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if f.createFlagFunc != nil {
		return f.createFlagFunc(ctx, flag)
	}
	return repository.Flag{}, errors.New("CreateFlag not implemented")
}

func (f *fakeService) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if f.updateFlagFunc != nil {
		return f.updateFlagFunc(ctx, flag)
	}
	return repository.Flag{}, errors.New("UpdateFlag not implemented")
}

func (f *fakeService) GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error) {
	if f.getFlagFunc != nil {
		return f.getFlagFunc(ctx, projectID, key)
	}
	return repository.Flag{}, errors.New("GetFlag not implemented")
}

func (f *fakeService) ListFlags(ctx context.Context, projectID string) ([]repository.Flag, error) {
	if f.listFlagsFunc != nil {
		return f.listFlagsFunc(ctx, projectID)
	}
	return nil, errors.New("ListFlags not implemented")
}

func (f *fakeService) DeleteFlag(ctx context.Context, projectID, key string) error {
	if f.deleteFlagFunc != nil {
		return f.deleteFlagFunc(ctx, projectID, key)
	}
	return errors.New("DeleteFlag not implemented")
}

func (f *fakeService) Evaluate(ctx context.Context, req service.EvaluateRequest) (core.EvaluateResponse, error) {
	if f.evaluateFunc != nil {
		return f.evaluateFunc(ctx, req)
	}
	return core.EvaluateResponse{}, errors.New("Evaluate not implemented")
}

func (f *fakeService) EvaluateBatch(ctx context.Context, requests []service.EvaluateRequest) ([]service.EvaluateResult, error) {
	if f.evaluateBatchFunc != nil {
		return f.evaluateBatchFunc(ctx, requests)
	}
	return nil, errors.New("EvaluateBatch not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.FlagEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, projectID, eventID)
	}
	return nil, errors.New("ListEventsSince not implemented")
}

func (f *fakeService) ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.FlagEvent, error) {
	if f.listEventsSinceForKeyFunc != nil {
		return f.listEventsSinceForKeyFunc(ctx, projectID, eventID, key)
	}
	return nil, errors.New("ListEventsSinceForKey not implemented")
}
