// Package notify dispatches engine events to an operator-configured webhook.
//
// The engine emits events for quota rejections and billing period resets so
// the marketplace backend can react (upsell prompts, alerting) without
// polling the usage API. Payloads are JSON with optional HMAC-SHA256
// signing; delivery is best effort and never blocks the query path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// EventType describes what happened.
type EventType string

const (
	EventQuotaRejected EventType = "quota_rejected"
	EventPeriodReset   EventType = "period_reset"
)

// Event is the webhook payload.
type Event struct {
	Type      EventType              `json:"type"`
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Service posts events to a single webhook URL. A nil Service or an empty
// URL disables dispatch; callers never need to check.
type Service struct {
	client *http.Client
	url    string
	secret string
}

// NewService creates a webhook notifier. Returns nil when url is empty so
// the zero configuration costs nothing.
func NewService(url, secret string) *Service {
	if url == "" {
		return nil
	}
	return &Service{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
		secret: secret,
	}
}

// QuotaRejected reports a refused admission. Fire and forget.
func (s *Service) QuotaRejected(tenantID, agentID string, reason models.RejectionReason) {
	s.dispatch(Event{
		Type:      EventQuotaRejected,
		TenantID:  tenantID,
		AgentID:   agentID,
		Payload:   map[string]interface{}{"reason": string(reason)},
		Timestamp: time.Now().UTC(),
	})
}

// PeriodReset reports a billing period rollover. Fire and forget.
func (s *Service) PeriodReset(tenantID string, limits models.PeriodLimits) {
	s.dispatch(Event{
		Type:     EventPeriodReset,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"plan":          string(limits.Plan),
			"queries_limit": limits.QueriesLimit,
			"period_end":    limits.PeriodEnd,
		},
		Timestamp: time.Now().UTC(),
	})
}

// dispatch sends the event in the background with retries. Failures are
// logged and dropped; notifications never affect query outcomes.
func (s *Service) dispatch(event Event) {
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := s.send(ctx, event); err != nil {
			log.Warn().Err(err).
				Str("event", string(event.Type)).
				Str("tenant", event.TenantID).
				Msg("Webhook notification failed")
		}
	}()
}

func (s *Service) send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(2*time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "AgentMart-Webhook/1.0")
		req.Header.Set("X-AgentMart-Event", string(event.Type))
		if s.secret != "" {
			mac := hmac.New(sha256.New, []byte(s.secret))
			mac.Write(body)
			req.Header.Set("X-AgentMart-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(err)
		}
		return err
	})
}
