package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/pkg/config"
)

// Message is one push notification addressed to one device token
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Pusher delivers a single push notification
type Pusher interface {
	Push(ctx context.Context, msg Message) error
}

// ProviderError is a non-2xx answer from the push provider
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("push provider returned %d: %s", e.StatusCode, e.Body)
}

// providerUnreachable reports whether err means no request could reach the
// provider at all. Status codes and per-request timeouts belong to a single
// token and never count against the provider.
func providerUnreachable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type pushRequest struct {
	To           string            `json:"to"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// HTTPPusher posts notifications to an HTTP push provider. Consecutive
// connection failures open a circuit breaker so an unreachable provider fails
// each remaining token immediately. Any answer from the provider, whatever its
// status, keeps the breaker closed.
type HTTPPusher struct {
	endpoint string
	apiKey   string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker[struct{}]
}

// NewHTTPPusher creates a pusher for the configured provider endpoint
func NewHTTPPusher(cfg config.PushConfig) *HTTPPusher {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "push-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !providerUnreachable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("push provider circuit changed state")
		},
	})

	return &HTTPPusher{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		cb:       cb,
	}
}

// Push sends one notification
func (p *HTTPPusher) Push(ctx context.Context, msg Message) error {
	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.send(ctx, msg)
	})
	return err
}

func (p *HTTPPusher) send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(pushRequest{
		To:           msg.Token,
		Notification: pushNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "key="+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProviderError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogPusher only logs notifications; used when no provider is configured
type LogPusher struct{}

// Push logs the notification and reports success
func (LogPusher) Push(_ context.Context, msg Message) error {
	logging.Info().
		Str("token", redactToken(msg.Token)).
		Str("title", msg.Title).
		Str("body", msg.Body).
		Interface("data", msg.Data).
		Msg("push provider not configured, skipping notification")
	return nil
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
