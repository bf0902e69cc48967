package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"vendor-reputation-engine/shared/config"
	"vendor-reputation-engine/shared/metricsx"
)

// Client talks to the marketplace notification dispatch service, which
// fans vendor messages out to email and seller-portal inboxes.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type DispatchRequest struct {
	VendorID   string            `json:"vendor_id"`
	Template   string            `json:"template"`
	Subject    string            `json:"subject"`
	Variables  map[string]string `json:"variables,omitempty"`
	DedupeKey  string            `json:"dedupe_key,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type DispatchResponse struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.NotifyServiceURL == "" {
		return nil, errors.New("NOTIFY_SERVICE_URL is required")
	}
	timeout := time.Duration(cfg.NotifyTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.NotifyServiceURL,
		timeout:  timeout,
		retryMax: cfg.NotifyRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, error) {
	if c == nil || c.http == nil {
		return DispatchResponse{}, errors.New("notify client not initialized")
	}
	if c.breaker.Open() {
		return DispatchResponse{}, errors.New("notify circuit open")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return DispatchResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/notifications/dispatch", bytes.NewReader(body))
		if err != nil {
			return DispatchResponse{}, err
		}
		reqHTTP.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(reqHTTP)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = errors.New("notify service error")
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			metricsx.IncNotifyFailure()
			return DispatchResponse{}, errors.New("notify request failed")
		}
		var out DispatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			c.breaker.Fail()
			metricsx.IncNotifyFailure()
			return DispatchResponse{}, err
		}
		c.breaker.Success()
		metricsx.IncNotifySuccess()
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("notify request failed")
	}
	metricsx.IncNotifyFailure()
	return DispatchResponse{}, lastErr
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
