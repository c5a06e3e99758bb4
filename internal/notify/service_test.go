package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

// capture records webhook deliveries.
type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	events []string
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.sigs = append(c.sigs, r.Header.Get("X-AgentMart-Signature"))
	c.events = append(c.events, r.Header.Get("X-AgentMart-Event"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *capture) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.bodies)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("webhook did not receive %d deliveries in time", n)
}

func TestNewService_EmptyURLDisables(t *testing.T) {
	if s := NewService("", "secret"); s != nil {
		t.Error("NewService with empty URL should return nil")
	}

	// A nil service must be safe to call.
	var s *Service
	s.QuotaRejected("acme", "bot", models.RejectQuotaExceeded)
	s.PeriodReset("acme", models.PeriodLimits{})
}

func TestQuotaRejected_DeliversSignedEvent(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	s := NewService(srv.URL, "topsecret")
	s.QuotaRejected("acme", "bot-1", models.RejectQuotaExceeded)
	c.wait(t, 1)

	var event Event
	if err := json.Unmarshal(c.bodies[0], &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Type != EventQuotaRejected {
		t.Errorf("Type = %q, want %q", event.Type, EventQuotaRejected)
	}
	if event.TenantID != "acme" || event.AgentID != "bot-1" {
		t.Errorf("identity = %s/%s, want acme/bot-1", event.TenantID, event.AgentID)
	}
	if event.Payload["reason"] != string(models.RejectQuotaExceeded) {
		t.Errorf("reason = %v, want %q", event.Payload["reason"], models.RejectQuotaExceeded)
	}
	if c.events[0] != string(EventQuotaRejected) {
		t.Errorf("X-AgentMart-Event = %q", c.events[0])
	}

	// The signature must verify against the delivered body.
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(c.bodies[0])
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if c.sigs[0] != want {
		t.Errorf("signature = %q, want %q", c.sigs[0], want)
	}
}

func TestPeriodReset_CarriesLimits(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	s := NewService(srv.URL, "")
	s.PeriodReset("acme", models.PeriodLimits{
		Plan:         models.PlanSubscription,
		QueriesLimit: 1000,
	})
	c.wait(t, 1)

	var event Event
	if err := json.Unmarshal(c.bodies[0], &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Type != EventPeriodReset {
		t.Errorf("Type = %q, want %q", event.Type, EventPeriodReset)
	}
	if event.Payload["plan"] != string(models.PlanSubscription) {
		t.Errorf("plan = %v", event.Payload["plan"])
	}
	// No secret configured: no signature header.
	if c.sigs[0] != "" {
		t.Errorf("signature = %q, want empty without a secret", c.sigs[0])
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewService(srv.URL, "")

	ctx, cancel := contextWithTestTimeout(t)
	defer cancel()
	if err := s.send(ctx, Event{Type: EventQuotaRejected, TenantID: "acme"}); err != nil {
		t.Fatalf("send() error = %v, want success on retry", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("deliveries = %d, want 2 (one retry after 500)", calls)
	}
}

func TestSend_ClientErrorIsFinal(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewService(srv.URL, "")

	ctx, cancel := contextWithTestTimeout(t)
	defer cancel()
	if err := s.send(ctx, Event{Type: EventQuotaRejected}); err == nil {
		t.Fatal("send() error = nil, want failure on 400")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("deliveries = %d, want 1 (4xx is not retried)", calls)
	}
}

func contextWithTestTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 30*time.Second)
}
