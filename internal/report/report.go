// Package report reconstructs what the agent did from the audit trail.
// Every run writes plan, tool, validation, trade, and error records as
// it goes; this package folds them back together with the message
// history into a readable per-conversation document, as markdown or
// rendered HTML.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

// Builder renders conversation reports from a memory store.
type Builder struct {
	store memory.Store
}

// NewBuilder creates a report builder over the given store.
func NewBuilder(store memory.Store) *Builder {
	return &Builder{store: store}
}

// planData mirrors the plan audit payload.
type planData struct {
	Rationale string `json:"rationale"`
	Steps     []struct {
		Index int    `json:"index"`
		Tool  string `json:"tool"`
	} `json:"steps"`
}

// toolCallData mirrors the tool_call audit payload.
type toolCallData struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// validationData mirrors the validation audit payload.
type validationData struct {
	Valid  bool     `json:"valid"`
	Symbol string   `json:"symbol"`
	Action string   `json:"action"`
	Issues []string `json:"issues"`
	Error  string   `json:"error"`
}

// tradeData mirrors the trade audit payload.
type tradeData struct {
	Decision *trade.Decision `json:"decision"`
}

// errorData mirrors the error audit payload.
type errorData struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Iterations  int    `json:"iterations"`
	ToolCalls   int    `json:"tool_calls"`
}

// runSection collects one run's material in arrival order.
type runSection struct {
	id          string
	userMsgs    []string
	reply       string
	plan        *planData
	tools       []toolCallData
	validations []validationData
	trades      []tradeData
	failures    []errorData
}

// Markdown renders the conversation's full activity as markdown. Runs
// appear in chronological order; within a run the audit records keep
// their write order.
func (b *Builder) Markdown(ctx context.Context, conversationID string) (string, error) {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return "", fmt.Errorf("conversation %s not found", conversationID)
	}

	msgs, err := b.store.GetMessages(ctx, conversationID, 1000)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}
	audits, err := b.store.GetAuditLog(ctx, conversationID, 1000)
	if err != nil {
		return "", fmt.Errorf("load audit log: %w", err)
	}

	sections, order := collectRuns(msgs, audits)

	var md strings.Builder
	fmt.Fprintf(&md, "# Conversation report: %s\n\n", conversationID)
	fmt.Fprintf(&md, "User `%s`. Started %s, last activity %s. %d messages, %d audit events.\n",
		conv.UserID,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.LastActivity.UTC().Format(time.RFC3339),
		len(msgs), len(audits))

	for i, key := range order {
		writeRunSection(&md, i+1, sections[key])
	}

	if len(order) == 0 {
		md.WriteString("\nNo runs recorded.\n")
	}

	return md.String(), nil
}

// HTML renders the markdown report through goldmark inside a minimal
// self-contained page.
func (b *Builder) HTML(ctx context.Context, conversationID string) (string, error) {
	md, err := b.Markdown(ctx, conversationID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Conversation %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 52em; margin: 2em auto;">
%s
</body></html>`, shortID(conversationID), buf.String())

	return page, nil
}

// collectRuns groups messages and audit records by run id, preserving
// first-appearance order. Messages without a run id land in a shared
// untracked section.
func collectRuns(msgs []memory.Message, audits []memory.AuditEntry) (map[string]*runSection, []string) {
	sections := make(map[string]*runSection)
	var order []string

	ensure := func(runID string) *runSection {
		if s, ok := sections[runID]; ok {
			return s
		}
		s := &runSection{id: runID}
		sections[runID] = s
		order = append(order, runID)
		return s
	}

	for _, m := range msgs {
		runID, _ := m.Metadata[memory.MetaRunID].(string)
		s := ensure(runID)
		switch m.Role {
		case memory.RoleUser:
			s.userMsgs = append(s.userMsgs, m.Content)
		case memory.RoleAssistant:
			s.reply = m.Content
		}
	}

	for _, e := range audits {
		var envelope struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(e.EventData, &envelope); err != nil {
			continue
		}
		s := ensure(envelope.RunID)

		switch e.EventType {
		case memory.AuditPlan:
			var p planData
			if json.Unmarshal(e.EventData, &p) == nil {
				s.plan = &p
			}
		case memory.AuditToolCall:
			var tc toolCallData
			if json.Unmarshal(e.EventData, &tc) == nil {
				s.tools = append(s.tools, tc)
			}
		case memory.AuditValidation:
			var v validationData
			if json.Unmarshal(e.EventData, &v) == nil {
				s.validations = append(s.validations, v)
			}
		case memory.AuditTrade:
			var td tradeData
			if json.Unmarshal(e.EventData, &td) == nil && td.Decision != nil {
				s.trades = append(s.trades, td)
			}
		case memory.AuditError:
			var f errorData
			if json.Unmarshal(e.EventData, &f) == nil {
				s.failures = append(s.failures, f)
			}
		}
	}

	return sections, order
}

func writeRunSection(md *strings.Builder, seq int, s *runSection) {
	label := shortID(s.id)
	if label == "" {
		label = "untracked"
	}
	fmt.Fprintf(md, "\n## Run %d (%s)\n", seq, label)

	for _, u := range s.userMsgs {
		fmt.Fprintf(md, "\n**User:** %s\n", u)
	}

	if s.plan != nil {
		fmt.Fprintf(md, "\n**Plan:** %s\n\n", s.plan.Rationale)
		for _, step := range s.plan.Steps {
			fmt.Fprintf(md, "%d. `%s`\n", step.Index, step.Tool)
		}
	}

	if len(s.tools) > 0 {
		md.WriteString("\n**Tool calls:**\n\n")
		for _, tc := range s.tools {
			if tc.Success {
				fmt.Fprintf(md, "- `%s`: ok (%s, %s)\n",
					tc.Tool, attempts(tc.Attempts), formatMs(tc.DurationMs))
			} else {
				fmt.Fprintf(md, "- `%s`: failed after %s: %s\n",
					tc.Tool, attempts(tc.Attempts), tc.Error)
			}
		}
	}

	for _, v := range s.validations {
		switch {
		case v.Error != "":
			fmt.Fprintf(md, "\n**Validation:** proposal unreadable: %s\n", v.Error)
		case v.Valid:
			fmt.Fprintf(md, "\n**Validation:** %s %s passed\n", v.Action, v.Symbol)
		default:
			fmt.Fprintf(md, "\n**Validation:** %s %s rejected: %s\n",
				v.Action, v.Symbol, strings.Join(v.Issues, "; "))
		}
	}

	for _, td := range s.trades {
		p := td.Decision.Proposal
		orderType := p.OrderType
		if orderType == "" {
			orderType = "market"
		}
		fmt.Fprintf(md, "\n**Trade:** %s %s %s (%s order)",
			p.Action, p.Quantity.String(), p.Symbol, orderType)
		if p.LimitPrice != nil {
			fmt.Fprintf(md, " at limit %s", p.LimitPrice.String())
		}
		if p.Rationale != "" {
			fmt.Fprintf(md, ". Rationale: %s", p.Rationale)
		}
		md.WriteString("\n")
	}

	for _, f := range s.failures {
		word := "not recoverable"
		if f.Recoverable {
			word = "recoverable"
		}
		fmt.Fprintf(md, "\n**Error:** %s (%s; %d iterations, %d tool calls)\n",
			f.Message, word, f.Iterations, f.ToolCalls)
	}

	if s.reply != "" {
		fmt.Fprintf(md, "\n**Assistant:** %s\n", s.reply)
	}
}

func attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
