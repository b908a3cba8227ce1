package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tycho-trading-agent/internal/market"
	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

func testDecision() *trade.Decision {
	limit := decimal.RequireFromString("900.50")
	return &trade.Decision{
		Proposal: &trade.Proposal{
			Action:     "buy",
			Symbol:     "NVDA",
			Quantity:   decimal.NewFromInt(25),
			OrderType:  "limit",
			LimitPrice: &limit,
			Rationale:  "momentum into earnings",
		},
		Validation: trade.Validation{Valid: true},
		Quote:      &market.Quote{Symbol: "NVDA", Price: decimal.RequireFromString("904.12"), Source: "bridge"},
	}
}

// capturingSend records deliveries and signals each one.
type capturingSend struct {
	mu         sync.Mutex
	from       string
	recipients []string
	msg        []byte
	calls      int
	done       chan struct{}
}

func newCapturingSend() *capturingSend {
	return &capturingSend{done: make(chan struct{}, 4)}
}

func (c *capturingSend) send(_ context.Context, _ Config, from string, recipients []string, msg []byte) error {
	c.mu.Lock()
	c.from = from
	c.recipients = recipients
	c.msg = msg
	c.calls++
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func TestComposeAlert(t *testing.T) {
	msg, err := composeAlert("Tycho <tycho@example.com>", []string{"dan@example.com"}, "conv-123", testDecision())
	if err != nil {
		t.Fatalf("composeAlert: %v", err)
	}
	s := string(msg)

	if !strings.Contains(s, "Subject: Trade proposal: BUY 25 NVDA") {
		t.Errorf("missing subject, got headers:\n%s", s[:min(len(s), 500)])
	}
	if !strings.Contains(s, "tycho@example.com") || !strings.Contains(s, "dan@example.com") {
		t.Error("missing from/to addresses")
	}
	if !strings.Contains(s, "Message-Id:") {
		t.Error("missing Message-Id header")
	}
	for _, want := range []string{"multipart/alternative", "text/plain", "text/html"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q part marker", want)
		}
	}
	for _, want := range []string{
		"NVDA",
		"momentum into earnings",
		"900.5",
		"conv-123",
		"No order has been placed",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestComposeAlertInvalidFrom(t *testing.T) {
	_, err := composeAlert("not-an-email", []string{"dan@example.com"}, "conv-123", testDecision())
	if err == nil {
		t.Fatal("want an error for an unparseable from address")
	}
}

func TestAlertBody(t *testing.T) {
	body := alertBody("conv-123", testDecision())

	for _, want := range []string{
		"# Trade proposal",
		"- Action: **buy**",
		"- Symbol: **NVDA**",
		"- Quantity: 25",
		"- Order type: limit",
		"- Limit price: 900.5",
		"- Quote at decision: 904.12",
		"Rationale: momentum into earnings",
		"Conversation: `conv-123`",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestAlertBodyMarketOrderDefaults(t *testing.T) {
	d := testDecision()
	d.Proposal.OrderType = ""
	d.Proposal.LimitPrice = nil
	d.Quote = nil

	body := alertBody("conv-123", d)
	if !strings.Contains(body, "- Order type: market") {
		t.Errorf("empty order type should render as market:\n%s", body)
	}
	if strings.Contains(body, "Limit price") || strings.Contains(body, "Quote at decision") {
		t.Errorf("absent fields should not render:\n%s", body)
	}
}

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"bold", "Action: **buy**", "Action: buy"},
		{"heading", "# Trade proposal\n\ntext", "Trade proposal\n\ntext"},
		{"inline code", "Conversation: `conv-123`", "Conversation: conv-123"},
		{"plain unchanged", "- Quantity: 25", "- Quantity: 25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToPlain(tt.md); got != tt.want {
				t.Errorf("markdownToPlain(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestNotifyDelivers(t *testing.T) {
	rec := newCapturingSend()
	m := NewMailer(Config{
		Host: "smtp.example.com",
		From: "Tycho <tycho@example.com>",
		To:   "dan@example.com, ops@example.com",
	}, nil)
	m.send = rec.send

	if err := m.Notify(context.Background(), "conv-123", testDecision()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if rec.calls != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.calls)
	}
	if len(rec.recipients) != 2 || rec.recipients[0] != "dan@example.com" || rec.recipients[1] != "ops@example.com" {
		t.Errorf("recipients = %v", rec.recipients)
	}
	if !strings.Contains(string(rec.msg), "Trade proposal: BUY 25 NVDA") {
		t.Error("delivered message missing subject")
	}
}

func TestHookFuncDetachesFromRun(t *testing.T) {
	rec := newCapturingSend()
	m := NewMailer(Config{
		Host: "smtp.example.com",
		From: "tycho@example.com",
		To:   "dan@example.com",
	}, nil)
	m.send = rec.send

	// A cancelled run context must not abort the delivery.
	ctx, cancel := context.WithCancel(context.Background())
	hook := m.HookFunc()
	hook(ctx, "conv-123", testDecision())
	cancel()

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never happened")
	}
	if rec.calls != 1 {
		t.Errorf("deliveries = %d, want 1", rec.calls)
	}
}

func TestNewMailerDefaultsPort(t *testing.T) {
	m := NewMailer(Config{Host: "smtp.example.com"}, nil)
	if m.cfg.Port != 587 {
		t.Errorf("default port = %d, want 587", m.cfg.Port)
	}

	m = NewMailer(Config{Host: "smtp.example.com", Port: 465}, nil)
	if m.cfg.Port != 465 {
		t.Errorf("explicit port = %d, want 465", m.cfg.Port)
	}
}
