// Package webhook implements C5: delivery of sanitized bridge events to a
// single HTTP webhook subscriber, with bounded retry and circuit breaking.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

const (
	MaxRetries     = 3
	BaseDelay      = time.Second
	AttemptTimeout = 10 * time.Second
)

// classify buckets an HTTP response/error so the retry loop knows whether to
// stop, retry, or give up immediately (§4.5).
type classify int

const (
	classifySuccess classify = iota
	classifyRetryable
	classifyTerminal
)

// Deliverer is C5.
type Deliverer struct {
	url    string
	token  string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	log    *slog.Logger
}

// New builds a Deliverer posting to url with bearer token auth.
func New(url, token string, log *slog.Logger) *Deliverer {
	settings := gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook: circuit breaker state change", "from", from.String(), "to", to.String())
		},
	}

	return &Deliverer{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: AttemptTimeout},
		cb:     gobreaker.NewCircuitBreaker(settings),
		log:    log,
	}
}

// Test performs the startup-critical reachability check against the
// webhook endpoint: a payload with type="test" is POSTed to it, and any
// terminal failure is fatal to bridge startup (§4.5: "sends a payload with
// type=\"test\" to each configured endpoint; any terminal failure is a
// startup-critical error"). Once running, ordinary delivery failures are
// not fatal.
func (d *Deliverer) Test(ctx context.Context) error {
	body, err := json.Marshal(model.WebhookPayload{
		DeliveryID: uuid.NewString(),
		Type:       "test",
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal test payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build test request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	d.setAuth(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: test endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Deliver sends payload to the webhook with up to MaxRetries attempts and
// linear backoff (attempt * BaseDelay). A 2xx response is success; 4xx is
// terminal (no retry); everything else (5xx or a transport error) retries.
func (d *Deliverer) Deliver(ctx context.Context, payload model.WebhookPayload) error {
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		_, err := d.cb.Execute(func() (any, error) {
			return nil, d.attempt(ctx, payload.DeliveryID, body)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if c, ok := err.(classifiedError); ok && c.kind == classifyTerminal {
			return fmt.Errorf("webhook: terminal failure: %w", err)
		}

		if attempt == MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * BaseDelay):
		}
	}
	return fmt.Errorf("webhook: delivery failed after %d attempts: %w", MaxRetries, lastErr)
}

// classifiedError tags a delivery failure with its retry classification so
// the caller can short-circuit on terminal (4xx) responses.
type classifiedError struct {
	kind classify
	err  error
}

func (c classifiedError) Error() string { return c.err.Error() }
func (c classifiedError) Unwrap() error { return c.err }

func (d *Deliverer) attempt(ctx context.Context, deliveryID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return classifiedError{kind: classifyTerminal, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	d.setAuth(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return classifiedError{kind: classifyRetryable, err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return classifiedError{kind: classifyTerminal, err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return classifiedError{kind: classifyRetryable, err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

func (d *Deliverer) setAuth(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

// State reports the circuit breaker's current state. C10's /stats endpoint
// does not include it.
func (d *Deliverer) State() string {
	return d.cb.State().String()
}
