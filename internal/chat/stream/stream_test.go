package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recorder struct {
	chunks    []string
	completes int
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk:    func(text string) { r.chunks = append(r.chunks, text) },
		OnComplete: func() { r.completes++ },
		OnError:    func(err error) { r.errs = append(r.errs, err) },
	}
}

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func testRequest(baseURL string) *Request {
	return &Request{
		BaseURL:  baseURL,
		Model:    "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
}

func TestStreamTwoChunksThenDone(t *testing.T) {
	ts := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateCompleted {
		t.Fatalf("state = %v, want completed", state)
	}
	if len(rec.chunks) != 2 || rec.chunks[0] != "Hel" || rec.chunks[1] != "lo" {
		t.Errorf("chunks = %v, want [Hel lo]", rec.chunks)
	}
	if rec.completes != 1 {
		t.Errorf("completes = %d, want 1", rec.completes)
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}
}

func TestStallAfterContentRecovers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, 150*time.Millisecond, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateStalledRecovered {
		t.Fatalf("state = %v, want stalled-recovered", state)
	}
	if rec.completes != 1 || len(rec.errs) != 0 {
		t.Errorf("completes = %d errs = %v, want clean completion", rec.completes, rec.errs)
	}
	if len(rec.chunks) < 2 || !strings.Contains(rec.chunks[len(rec.chunks)-1], "interrupted") {
		t.Errorf("expected a stall notice appended to %v", rec.chunks)
	}
}

func TestStallBeforeContentFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, 150*time.Millisecond, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateFailed {
		t.Fatalf("state = %v, want failed", state)
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrNotResponding) {
		t.Errorf("errs = %v, want not-responding", rec.errs)
	}
	if rec.completes != 0 {
		t.Error("complete fired on a hard stall")
	}
}

func TestZeroContentCompletionIsError(t *testing.T) {
	ts := httptest.NewServer(sseHandler(`[DONE]`))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateFailed {
		t.Fatalf("state = %v, want failed", state)
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrNoContent) {
		t.Errorf("errs = %v, want empty-response error", rec.errs)
	}
	if rec.completes != 0 {
		t.Error("zero-content stream reported as complete")
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	ts := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{not valid json`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateCompleted {
		t.Fatalf("state = %v, want completed", state)
	}
	if len(rec.chunks) != 2 || rec.chunks[0] != "a" || rec.chunks[1] != "b" {
		t.Errorf("chunks = %v, want malformed line skipped", rec.chunks)
	}
}

func TestFinishReasonNotices(t *testing.T) {
	ts := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"half an answ"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"length"}]}`,
		`[DONE]`,
	))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateCompleted {
		t.Fatalf("state = %v, want completed", state)
	}
	if len(rec.chunks) != 2 || !strings.Contains(rec.chunks[1], "truncated") {
		t.Errorf("chunks = %v, want truncation notice", rec.chunks)
	}
	if rec.completes != 1 {
		t.Errorf("completes = %d, want 1", rec.completes)
	}
}

func TestFinishReasonWithoutContentIsNoContent(t *testing.T) {
	ts := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{},"finish_reason":"length"}]}`,
		`[DONE]`,
	))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateFailed {
		t.Fatalf("state = %v, want failed", state)
	}
	if len(rec.chunks) != 0 {
		t.Errorf("chunks = %v, want no notice without real output", rec.chunks)
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrNoContent) {
		t.Errorf("errs = %v, want empty-response error", rec.errs)
	}
}

func TestCallerCancelCompletesCleanly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"c%d\"}}]}\n\n", i)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	cb := rec.callbacks()
	inner := cb.OnChunk
	cb.OnChunk = func(text string) {
		inner(text)
		cancel()
	}

	c := NewClient(nil, time.Second, nil)
	state := c.Stream(ctx, testRequest(ts.URL), cb)

	if state != StateCompleted {
		t.Fatalf("state = %v, want completed after caller cancel", state)
	}
	if rec.completes != 1 || len(rec.errs) != 0 {
		t.Errorf("completes = %d errs = %v, want clean completion", rec.completes, rec.errs)
	}
}

func TestOverallTimeoutFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(ctx, testRequest(ts.URL), rec.callbacks())

	if state != StateFailed {
		t.Fatalf("state = %v, want failed on overall timeout", state)
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrNotResponding) {
		t.Errorf("errs = %v, want not-responding", rec.errs)
	}
}

func TestNonOKStatusIsClassified(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer ts.Close()

	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)
	state := c.Stream(context.Background(), testRequest(ts.URL), rec.callbacks())

	if state != StateFailed {
		t.Fatalf("state = %v, want failed", state)
	}
	var apiErr *APIError
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &apiErr) {
		t.Fatalf("errs = %v, want APIError", rec.errs)
	}
	if apiErr.Category != CategoryAuth {
		t.Errorf("category = %s, want auth", apiErr.Category)
	}
}

func TestInputErrorsNeverReachNetwork(t *testing.T) {
	rec := &recorder{}
	c := NewClient(nil, time.Second, nil)

	state := c.Stream(context.Background(), &Request{BaseURL: "http://127.0.0.1:1", Messages: []Message{{Role: "user", Content: "hi"}}}, rec.callbacks())
	if state != StateFailed || len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrNoModel) {
		t.Errorf("missing model: state = %v errs = %v", state, rec.errs)
	}

	rec = &recorder{}
	state = c.Stream(context.Background(), &Request{BaseURL: "http://127.0.0.1:1", Model: "m"}, rec.callbacks())
	if state != StateFailed || len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrEmptyRequest) {
		t.Errorf("empty request: state = %v errs = %v", state, rec.errs)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Category
	}{
		{400, `{"error":{"message":"bad model id"}}`, CategoryBadRequest},
		{400, `{"error":{"message":"this model's maximum context length is 8192 tokens"}}`, CategoryContextLength},
		{401, `{}`, CategoryAuth},
		{402, `{}`, CategoryPayment},
		{403, `{}`, CategoryPermission},
		{404, `{"error":{"message":"model 'nope' not found"}}`, CategoryModelNotFound},
		{404, `{"error":{"message":"image input not supported"}}`, CategoryNoVision},
		{404, `plain not found`, CategoryNotFound},
		{429, `{}`, CategoryRateLimit},
		{429, `{"error":{"message":"too many requests, slow down"}}`, CategoryRateLimit},
		{429, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`, CategoryPayment},
		{502, `{}`, CategoryServerError},
		{504, `{}`, CategoryGatewayTimeout},
		{418, `teapot`, CategoryUnknown},
	}
	for _, tc := range cases {
		got := classifyStatus(tc.status, []byte(tc.body))
		if got.Category != tc.want {
			t.Errorf("status %d body %q: category = %s, want %s", tc.status, tc.body, got.Category, tc.want)
		}
	}

	generic := classifyStatus(418, []byte("teapot"))
	if !strings.Contains(generic.Error(), "API error (418)") || !strings.Contains(generic.Error(), "teapot") {
		t.Errorf("generic message = %q", generic.Error())
	}
}
