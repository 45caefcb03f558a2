package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
	bridgeerrors "github.com/randalmurphal/eventbridge/pkg/eventbridge/errors"
)

// Headers set on every webhook request.
const (
	HeaderWorkOrderID = "X-Work-Order-Id"
	HeaderWorkerID    = "X-Worker-Id"
	HeaderRequesterID = "X-Requester-Id"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL         string
	Timeout     time.Duration
	Headers     map[string]string
	MaxAttempts int

	// Backoff overrides bridgeerrors.DefaultBackoff.
	Backoff *bridgeerrors.Backoff

	// Client defaults to an http.Client with Timeout.
	Client *http.Client
}

// Webhook POSTs each work order's raw parameters to a URL.
//
// 429 and 5xx responses, timeouts and connection failures are retried up to
// MaxAttempts, waiting for the server's Retry-After when it sends one. Any
// other non-2xx response fails immediately. The returned error wraps
// *errors.HTTPError when the server answered.
type Webhook struct {
	url         string
	headers     map[string]string
	client      *http.Client
	maxAttempts int
	backoff     bridgeerrors.Backoff
	logger      *slog.Logger
}

var _ eventbridge.Handler = (*Webhook)(nil)

// NewWebhook creates a webhook handler. logger may be nil.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	backoff := bridgeerrors.DefaultBackoff
	if cfg.Backoff != nil {
		backoff = *cfg.Backoff
	}

	return &Webhook{
		url:         cfg.URL,
		headers:     cfg.Headers,
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

// HandleWorkOrder implements eventbridge.Handler.
func (w *Webhook) HandleWorkOrder(ctx context.Context, workOrderID, workerID, requesterID, rawParams string) error {
	var status int
	attempts, err := bridgeerrors.Retry(ctx, w.maxAttempts, w.backoff, w.logRetry(workOrderID), func(ctx context.Context) error {
		var err error
		status, err = w.post(ctx, workOrderID, workerID, requesterID, rawParams)
		return err
	})
	if err != nil {
		return fmt.Errorf("webhook for work order %s: %w", workOrderID, err)
	}
	if w.logger != nil {
		w.logger.Debug("webhook delivered",
			slog.String("work_order_id", workOrderID),
			slog.Int("status", status),
			slog.Int("attempts", attempts),
		)
	}
	return nil
}

func (w *Webhook) logRetry(workOrderID string) func(bridgeerrors.Attempt) {
	if w.logger == nil {
		return nil
	}
	return func(a bridgeerrors.Attempt) {
		w.logger.Warn("webhook attempt failed, retrying",
			slog.String("work_order_id", workOrderID),
			slog.Int("attempt", a.Number),
			slog.String("error", a.Err.Error()),
			slog.Duration("backoff", a.Wait),
		)
	}
}

func (w *Webhook) post(ctx context.Context, workOrderID, workerID, requesterID, rawParams string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, strings.NewReader(rawParams))
	if err != nil {
		return 0, bridgeerrors.Permanent(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderWorkOrderID, workOrderID)
	req.Header.Set(HeaderWorkerID, workerID)
	req.Header.Set(HeaderRequesterID, requesterID)

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, &bridgeerrors.TimeoutError{Operation: "POST " + w.url, Duration: w.client.Timeout.String()}
		}
		return 0, bridgeerrors.Transient(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &bridgeerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   w.url,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
// Unparseable and past values yield zero.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
