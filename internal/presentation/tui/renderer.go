package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/aretw0/draftkeeper/pkg/analytics"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// NewRenderer returns a function that renders markdown using glamour,
// wrapped to the width of f when it is a terminal.
func NewRenderer(f *os.File) (func(string) (string, error), error) {
	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
		opts = append(opts, glamour.WithWordWrap(w-4))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, err
	}
	return r.Render, nil
}

// SessionMarkdown describes a session for human eyes. At most recent messages are listed.
func SessionMarkdown(rec domain.Record, report analytics.Report, recent int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session `%s`\n\n", rec.SessionID)
	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(k string, v any) { fmt.Fprintf(&b, "| %s | %v |\n", k, v) }
	row("User", rec.UserID)
	row("Context", rec.ContextType)
	row("Status", "**"+string(rec.Status)+"**")
	row("Workflow state", rec.CurrentState)
	row("Progress", fmt.Sprintf("%.0f%%", rec.Progress*100))
	row("Confidence", fmt.Sprintf("%.2f", rec.ConfidenceScore))
	row("Created", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	row("Last updated", rec.LastUpdatedAt.Format("2006-01-02 15:04:05 MST"))
	row("Version", rec.Version)
	row("Tokens / cost", fmt.Sprintf("%d / %.4f", rec.TotalTokens, rec.TotalCost))
	row("Engagement", fmt.Sprintf("%.2f", report.Engagement))
	row("Completion likelihood", fmt.Sprintf("%.2f", report.CompletionLikelihood))

	if len(rec.StateHistory) > 0 {
		b.WriteString("\n## Transitions\n\n")
		for _, tr := range rec.StateHistory {
			fmt.Fprintf(&b, "- %s: %s → %s", tr.Timestamp.Format("01-02 15:04"), tr.FromState, tr.ToState)
			if tr.Reason != "" {
				fmt.Fprintf(&b, " (%s)", tr.Reason)
			}
			b.WriteString("\n")
		}
	}

	msgs := rec.Messages
	if recent > 0 && len(msgs) > recent {
		fmt.Fprintf(&b, "\n## Messages (last %d of %d)\n\n", recent, len(msgs))
		msgs = msgs[len(msgs)-recent:]
	} else if len(msgs) > 0 {
		fmt.Fprintf(&b, "\n## Messages (%d)\n\n", len(msgs))
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "> **%s**: %s\n\n", m.Type, strings.ReplaceAll(m.Content, "\n", " "))
	}
	return b.String()
}
