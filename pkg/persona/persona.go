// Package persona defines who the assistant is speaking as and which project
// the conversation belongs to.
package persona

import (
	"fmt"
	"strings"
)

// Persona is one assistant identity.
type Persona struct {
	ID       string
	Name     string
	Behavior string
}

// Project is one user workstream a conversation is scoped to.
type Project struct {
	ID    string
	Name  string
	Facts []string
}

// DefaultPersona is used when no persona configuration is supplied.
var DefaultPersona = Persona{
	ID:       "companion",
	Name:     "Companion",
	Behavior: "You are a pragmatic, warm assistant. Be direct, remember context, and keep answers grounded in what you actually know about the user.",
}

// SystemPrompt renders the persona and project framing that opens every turn.
func SystemPrompt(p Persona, proj Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", p.Name)
	if strings.TrimSpace(p.Behavior) != "" {
		b.WriteString(strings.TrimSpace(p.Behavior))
		b.WriteString("\n")
	}
	if proj.ID != "" {
		fmt.Fprintf(&b, "\nThe current project is %q.", proj.Name)
		if len(proj.Facts) > 0 {
			b.WriteString(" Project notes:\n")
			for _, f := range proj.Facts {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
