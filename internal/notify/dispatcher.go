// Package notify delivers status callbacks and webhook relays. Everything
// here is fire-and-forget: failures are logged and counted, never retried,
// and never reach the request path that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"wabridge/internal/domain"
	"wabridge/internal/observability"
)

type StatusPayload struct {
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

type webhookEnvelope struct {
	ConnectionID string                `json:"connection_id"`
	Event        string                `json:"event"`
	Data         domain.InboundMessage `json:"data"`
}

type Dispatcher struct {
	// BackendURL receives status transition callbacks; empty disables them.
	BackendURL string
	HTTP       *http.Client
	// Breaker guards the backend URL so a dead backend is not hammered on
	// every transition. Optional.
	Breaker *gobreaker.CircuitBreaker
	// Events fans inbound messages out to SQS when configured.
	Events *EventProducer
}

// NewBreaker returns the circuit breaker used for backend status callbacks.
func NewBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "status-callback",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
}

// NotifyStatus posts {connection_id, status, phone_number} to the backend.
// Consumers must treat deliveries as unordered point-in-time snapshots.
func (d *Dispatcher) NotifyStatus(id string, status domain.Status, phone string) {
	if d.BackendURL == "" {
		return
	}
	payload := StatusPayload{ConnectionID: id, Status: string(status), PhoneNumber: phone}
	go func() {
		err := d.execute(func() error { return d.post(d.BackendURL, payload) })
		if err != nil {
			observability.StatusCallbacks.WithLabelValues("error").Inc()
			slog.Error("status callback failed", "connection_id", id, "status", status, "err", err)
			return
		}
		observability.StatusCallbacks.WithLabelValues("ok").Inc()
	}()
}

// NotifyMessage relays one inbound message to the per-session webhook URL and,
// when configured, onto the event queue.
func (d *Dispatcher) NotifyMessage(id, webhookURL string, msg domain.InboundMessage) {
	if webhookURL != "" {
		env := webhookEnvelope{ConnectionID: id, Event: "message", Data: msg}
		go func() {
			if err := d.post(webhookURL, env); err != nil {
				observability.WebhookDeliveries.WithLabelValues("error").Inc()
				slog.Error("webhook delivery failed", "connection_id", id, "url", webhookURL, "err", err)
				return
			}
			observability.WebhookDeliveries.WithLabelValues("ok").Inc()
		}()
	}
	if d.Events != nil {
		go d.Events.EnqueueMessage(id, msg)
	}
}

func (d *Dispatcher) execute(fn func() error) error {
	if d.Breaker == nil {
		return fn()
	}
	_, err := d.Breaker.Execute(func() (any, error) { return nil, fn() })
	return err
}

func (d *Dispatcher) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
