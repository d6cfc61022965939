package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/internal/resilience"
)

// UserHeader carries the meeting owner's identity on every API call.
const UserHeader = "X-User-Keycloak-Uuid"

// CorrelationHeader carries the trace ID of the calling capture.
const CorrelationHeader = "X-Correlation-ID"

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("meeting api: %s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Transitions is the set of status transitions the worker requests from the
// core API. [*Client] implements it.
type Transitions interface {
	StartCaptureBot(ctx context.Context, m Meeting) error
	EndCapture(ctx context.Context, m Meeting) error
	InitTranscription(ctx context.Context, m Meeting) error
	FailCaptureBot(ctx context.Context, m Meeting) error
}

var _ Transitions = (*Client)(nil)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithBreaker routes every call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics records call latency and outcome on m.
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithRetries sets how often a request is retried on transport errors and
// 5xx responses, and the initial wait between attempts.
func WithRetries(n int, wait time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetRetryCount(n).SetRetryWaitTime(wait)
	}
}

// Client calls the meeting endpoints of the core API.
type Client struct {
	http    *resty.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// NewClient returns a client for the core API at baseURL, for example
// "http://core:8000". Meeting endpoints live under baseURL/api/meetings.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/meetings").
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	c := &Client{
		http:    rc,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "meeting-api"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartCaptureBot reports that the bot joined and capture is running.
func (c *Client) StartCaptureBot(ctx context.Context, m Meeting) error {
	return c.post(ctx, "capture_bot_start", fmt.Sprintf("/%d/capture/bot/start", m.ID), m.OwnerUUID)
}

// EndCapture reports that capture ended.
func (c *Client) EndCapture(ctx context.Context, m Meeting) error {
	return c.post(ctx, "capture_stop", fmt.Sprintf("/%d/capture/stop", m.ID), m.OwnerUUID)
}

// InitTranscription asks the core to start transcribing the uploaded audio.
func (c *Client) InitTranscription(ctx context.Context, m Meeting) error {
	return c.post(ctx, "transcription_init", fmt.Sprintf("/%d/transcription/init", m.ID), m.OwnerUUID)
}

// FailCaptureBot reports that the bot could not join the meeting.
func (c *Client) FailCaptureBot(ctx context.Context, m Meeting) error {
	return c.post(ctx, "capture_bot_fail", fmt.Sprintf("/%d/capture/bot/fail", m.ID), m.OwnerUUID)
}

func (c *Client) post(ctx context.Context, endpoint, path, user string) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req := c.http.R().
			SetContext(ctx).
			SetHeader(UserHeader, user)
		if cid := observe.CorrelationID(ctx); cid != "" {
			req.SetHeader(CorrelationHeader, cid)
		}
		resp, err := req.Post(path)
		if err != nil {
			return fmt.Errorf("meeting api: %s: %w", endpoint, err)
		}
		if resp.IsError() {
			return &StatusError{Endpoint: endpoint, Code: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
		}
		return nil
	})

	if c.metrics != nil {
		c.metrics.RecordAPIRequest(ctx, endpoint, apiStatus(err), time.Since(start))
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("meeting api: %s: %w", endpoint, err)
	}
	return err
}

func apiStatus(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &se):
		return fmt.Sprintf("%d", se.Code)
	default:
		return "error"
	}
}
