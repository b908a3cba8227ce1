package alert

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

// composeAlert builds a complete RFC 5322 MIME message for a validated
// proposal: multipart/alternative with the markdown body as text/plain
// (formatting stripped) and text/html (goldmark).
func composeAlert(from string, to []string, conversationID string, decision *trade.Decision) ([]byte, error) {
	p := decision.Proposal
	subject := fmt.Sprintf("Trade proposal: %s %s %s",
		strings.ToUpper(p.Action), p.Quantity.String(), p.Symbol)
	body := alertBody(conversationID, decision)

	var buf bytes.Buffer
	var h mail.Header

	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddrs := make([]*mail.Address, 0, len(to))
	for _, a := range to {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse to address %q: %w", a, err)
		}
		toAddrs = append(toAddrs, parsed)
	}
	h.SetAddressList("To", toAddrs)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain text part: %w", err)
	}
	if _, err := io.WriteString(pw, markdownToPlain(body)); err != nil {
		return nil, fmt.Errorf("write plain text: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain text part: %w", err)
	}

	htmlContent, err := markdownToHTML(body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, htmlContent); err != nil {
		return nil, fmt.Errorf("write html: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

// alertBody renders the proposal as markdown.
func alertBody(conversationID string, decision *trade.Decision) string {
	p := decision.Proposal
	orderType := p.OrderType
	if orderType == "" {
		orderType = "market"
	}

	var sb strings.Builder
	sb.WriteString("# Trade proposal\n\n")
	fmt.Fprintf(&sb, "- Action: **%s**\n", p.Action)
	fmt.Fprintf(&sb, "- Symbol: **%s**\n", p.Symbol)
	fmt.Fprintf(&sb, "- Quantity: %s\n", p.Quantity.String())
	fmt.Fprintf(&sb, "- Order type: %s\n", orderType)
	if p.LimitPrice != nil {
		fmt.Fprintf(&sb, "- Limit price: %s\n", p.LimitPrice.String())
	}
	if decision.Quote != nil {
		fmt.Fprintf(&sb, "- Quote at decision: %s\n", decision.Quote.Price.String())
	}
	if p.Rationale != "" {
		fmt.Fprintf(&sb, "\nRationale: %s\n", p.Rationale)
	}
	fmt.Fprintf(&sb, "\nThe proposal passed structural validation. No order has been placed.\n")
	fmt.Fprintf(&sb, "\nConversation: `%s`\n", conversationID)
	return sb.String()
}

// markdownToHTML renders markdown into a minimal self-contained page.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String())

	return html, nil
}

// Patterns for the formatting the alert body actually uses.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips markdown formatting for the text/plain part.
func markdownToPlain(md string) string {
	s := md
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
