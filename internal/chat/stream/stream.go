// Package stream ingests model output over provider streaming APIs.
// It owns the raw HTTP exchange so it can bound every read with a
// stall timeout and classify provider failures from the raw body.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// State is the terminal outcome of one streaming request.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateStalledRecovered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateStalledRecovered:
		return "stalled-recovered"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Image is one attachment on an outgoing message, raw base64 plus its
// media type. Each dialect encodes it differently on the wire.
type Image struct {
	Base64   string
	MimeType string
}

// Message is one turn of the assembled context.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

// Request describes one streaming completion call.
type Request struct {
	BaseURL string
	APIKey  string
	Model   string
	System  string

	Messages []Message

	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Callbacks receive the stream incrementally. Chunks arrive in wire
// order. Exactly one of OnComplete or OnError fires per request.
type Callbacks struct {
	OnChunk    func(text string)
	OnComplete func()
	OnError    func(err error)
}

var (
	// ErrNoModel rejects a request before it reaches the network.
	ErrNoModel = errors.New("no model selected")
	// ErrEmptyRequest rejects a request with no messages.
	ErrEmptyRequest = errors.New("nothing to send")
	// ErrNoContent marks a stream that ended without any text. This is
	// surfaced rather than treated as success: it usually means a wrong
	// model id or an exhausted quota upstream.
	ErrNoContent = errors.New("the model returned an empty response")
	// ErrNotResponding marks a stream that produced nothing before the
	// stall timeout, or an overall request timeout.
	ErrNotResponding = errors.New("the model is not responding")
)

const (
	stallNotice      = "\n\n[response interrupted: the model stopped sending data]"
	truncationNotice = "\n\n[output truncated: maximum response length reached]"
	filterNotice     = "\n\n[some content was filtered by the provider]"
)

// DefaultStallTimeout bounds each individual read of the stream. It is
// intentionally shorter than any overall request timeout.
const DefaultStallTimeout = 30 * time.Second

// Client streams completions from a provider endpoint.
type Client struct {
	httpClient   *http.Client
	stallTimeout time.Duration
	logger       *slog.Logger
}

// NewClient builds a streaming client. A nil httpClient uses a default
// with no overall timeout; the caller's context governs request life.
func NewClient(httpClient *http.Client, stallTimeout time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{httpClient: httpClient, stallTimeout: stallTimeout, logger: logger}
}

// Stream sends the request and feeds the response through cb. It
// returns the terminal state; every path fires exactly one of
// cb.OnComplete or cb.OnError first. Caller cancellation of ctx maps
// to a clean completion, a deadline to a not-responding failure.
func (c *Client) Stream(ctx context.Context, req *Request, cb Callbacks) State {
	if req.Model == "" {
		cb.OnError(ErrNoModel)
		return StateFailed
	}
	if len(req.Messages) == 0 {
		cb.OnError(ErrEmptyRequest)
		return StateFailed
	}

	dialect := ClassifyBaseURL(req.BaseURL)
	resp, err := c.send(ctx, dialect, req)
	if err != nil {
		return c.finishTransportError(ctx, err, cb)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		apiErr := classifyStatus(resp.StatusCode, body)
		c.logger.Warn("provider rejected request",
			"dialect", dialect.String(), "status", resp.StatusCode, "category", apiErr.Category)
		cb.OnError(apiErr)
		return StateFailed
	}

	return c.consume(ctx, dialect, resp.Body, cb)
}

func (c *Client) send(ctx context.Context, dialect Dialect, req *Request) (*http.Response, error) {
	body, err := dialect.BuildBody(req)
	if err != nil {
		return nil, fmt.Errorf("building request body: %w", err)
	}

	endpoint := dialect.Endpoint(req.BaseURL, req.Model)
	if dialect == DialectGoogleNative && req.APIKey != "" {
		endpoint += "&key=" + req.APIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range dialect.AuthHeaders(req.APIKey) {
		httpReq.Header.Set(k, v)
	}

	return c.httpClient.Do(httpReq)
}

// consume drains the response body, racing each read against the
// stall timer. A stall after content becomes a recovered completion;
// a stall before any content is a hard failure.
func (c *Client) consume(ctx context.Context, dialect Dialect, body io.ReadCloser, cb Callbacks) State {
	done := make(chan struct{})
	defer close(done)

	events := make(chan event, 100)
	go func() {
		defer close(events)
		reader := newEventReader(body)
		for {
			payload, err := reader.Next()
			if err != nil {
				return
			}
			ev, err := dialect.parseEvent([]byte(payload))
			if err != nil {
				// Malformed line; skip it, the stream may recover.
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	received := false
	timer := time.NewTimer(c.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cb.OnError(ErrNotResponding)
				return StateFailed
			}
			// Caller-initiated cancel is a clean stop, not an error.
			cb.OnComplete()
			return StateCompleted

		case <-timer.C:
			if received {
				cb.OnChunk(stallNotice)
				cb.OnComplete()
				return StateStalledRecovered
			}
			cb.OnError(ErrNotResponding)
			return StateFailed

		case ev, ok := <-events:
			if !ok {
				// A context abort closes the body and ends the reader;
				// classify by cause, not by arrival order.
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					cb.OnError(ErrNotResponding)
					return StateFailed
				}
				if ctx.Err() != nil {
					cb.OnComplete()
					return StateCompleted
				}
				if !received {
					cb.OnError(ErrNoContent)
					return StateFailed
				}
				cb.OnComplete()
				return StateCompleted
			}
			if ev.Err != nil {
				cb.OnError(ev.Err)
				return StateFailed
			}
			if ev.Text != "" {
				cb.OnChunk(ev.Text)
				received = true
			}
			// Notices annotate real output. A stream that carries only a
			// finish reason still ends as a no-content failure.
			if received {
				switch ev.FinishReason {
				case "length":
					cb.OnChunk(truncationNotice)
				case "content_filter":
					cb.OnChunk(filterNotice)
				}
			}
			if ev.Done {
				if !received {
					cb.OnError(ErrNoContent)
					return StateFailed
				}
				cb.OnComplete()
				return StateCompleted
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.stallTimeout)
		}
	}
}

func (c *Client) finishTransportError(ctx context.Context, err error, cb Callbacks) State {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		cb.OnError(ErrNotResponding)
	case errors.Is(ctx.Err(), context.Canceled):
		cb.OnComplete()
		return StateCompleted
	default:
		c.logger.Warn("transport failure", "error", err)
		cb.OnError(fmt.Errorf("could not reach the provider, check your connection: %w", err))
	}
	return StateFailed
}
