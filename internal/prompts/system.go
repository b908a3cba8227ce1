// Package prompts assembles the system prompt sent with every model
// call. Prompt text is Go code rather than config files because it is
// program logic: assembly uses interpolation, benefits from
// compile-time embedding, and can be validated by tests. The
// operator-facing layers (persona file, playbook directory) stay on
// disk and are passed in already loaded.
package prompts

import (
	"strings"
	"time"
)

// basePersona is the identity used when no persona file is configured.
const basePersona = `You are Tycho, an AI trading assistant. You help the user research
markets, track positions, and think through trades. Use your tools for
live data instead of guessing, and say clearly when data is stale or
unavailable. You never place orders; trade proposals are advisory.`

// BasePersona returns the built-in identity prompt.
func BasePersona() string {
	return basePersona
}

// SystemParams carries the layers of a system prompt. Zero-value
// fields are simply omitted from the output.
type SystemParams struct {
	// Persona replaces the built-in identity when non-empty.
	Persona string
	// Playbooks is the combined strategy document content.
	Playbooks string
	// Context holds dynamic blocks rendered fresh per run (watchlist
	// quotes, pending state), already formatted as markdown.
	Context []string
	// Now stamps the prompt with the current time; the zero value
	// omits the clock line.
	Now time.Time
}

// System assembles the full system prompt: persona, then the current
// time, then playbooks, then dynamic context blocks. Ordering is fixed
// so models see stable instructions before volatile data.
func System(p SystemParams) string {
	var sb strings.Builder

	persona := strings.TrimSpace(p.Persona)
	if persona == "" {
		persona = basePersona
	}
	sb.WriteString(persona)

	if !p.Now.IsZero() {
		sb.WriteString("\n\nCurrent time: ")
		sb.WriteString(p.Now.Format("Monday, January 2, 2006 15:04 MST"))
	}

	if pb := strings.TrimSpace(p.Playbooks); pb != "" {
		sb.WriteString("\n\n# Playbooks\n\n")
		sb.WriteString(pb)
	}

	for _, block := range p.Context {
		if block = strings.TrimSpace(block); block != "" {
			sb.WriteString("\n\n")
			sb.WriteString(block)
		}
	}

	return sb.String()
}
