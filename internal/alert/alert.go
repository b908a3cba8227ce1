// Package alert delivers email notifications for validated trade
// proposals. The orchestrator hands every proposal that passed
// structural validation to a hook; the mailer composes a MIME message
// (markdown body rendered to text and HTML) and sends it over SMTP in
// the background so the run is never held up by a mail server.
package alert

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

// sendTimeout bounds one background delivery end to end.
const sendTimeout = 30 * time.Second

// Config holds SMTP delivery settings. Port 465 means implicit TLS;
// anything else connects plain and upgrades with STARTTLS.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// sendFunc delivers a composed message. Swapped in tests.
type sendFunc func(ctx context.Context, cfg Config, from string, recipients []string, msg []byte) error

// Mailer sends trade proposal alerts.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
	send   sendFunc
}

// NewMailer creates a mailer. logger may be nil.
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger, send: sendMail}
}

// recipients splits the configured To line on commas.
func (m *Mailer) recipients() []string {
	var out []string
	for _, r := range strings.Split(m.cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Notify composes and delivers one proposal alert synchronously.
func (m *Mailer) Notify(ctx context.Context, conversationID string, decision *trade.Decision) error {
	msg, err := composeAlert(m.cfg.From, m.recipients(), conversationID, decision)
	if err != nil {
		return err
	}
	return m.send(ctx, m.cfg, m.cfg.From, m.recipients(), msg)
}

// HookFunc returns a callback for the orchestrator's trade hook. It
// returns immediately; delivery runs in a goroutine detached from the
// run's context so a finished or cancelled run cannot abort the mail.
func (m *Mailer) HookFunc() func(ctx context.Context, conversationID string, decision *trade.Decision) {
	return func(ctx context.Context, conversationID string, decision *trade.Decision) {
		go func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := m.Notify(sctx, conversationID, decision); err != nil {
				m.logger.Error("trade alert not sent",
					"conversation_id", conversationID,
					"symbol", decision.Proposal.Symbol,
					"error", err,
				)
				return
			}
			m.logger.Info("trade alert sent",
				"conversation_id", conversationID,
				"symbol", decision.Proposal.Symbol,
				"action", decision.Proposal.Action,
			)
		}()
	}
}
