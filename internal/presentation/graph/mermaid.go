package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/draftkeeper/pkg/domain"
)

type edge struct {
	from, to domain.LifecycleStatus
	label    string
}

// lifecycle lists every legal transition.
var lifecycle = []edge{
	{domain.StatusActive, domain.StatusPaused, "pause"},
	{domain.StatusPaused, domain.StatusActive, "resume"},
	{domain.StatusActive, domain.StatusCompleted, "complete"},
	{domain.StatusPaused, domain.StatusCompleted, "complete"},
	{domain.StatusActive, domain.StatusAbandoned, "abandon"},
	{domain.StatusPaused, domain.StatusAbandoned, "abandon"},
	{domain.StatusActive, domain.StatusError, "fail"},
	{domain.StatusPaused, domain.StatusError, "fail"},
}

// LifecycleMermaid produces a Mermaid state diagram of the session lifecycle.
// Transitions found in history are drawn bold with their count; states the
// session passed through are styled as visited and its status as current.
func LifecycleMermaid(history []domain.StateTransition, current domain.LifecycleStatus) string {
	taken := make(map[[2]domain.LifecycleStatus]int)
	visited := map[domain.LifecycleStatus]bool{domain.StatusActive: true}
	for _, tr := range history {
		taken[[2]domain.LifecycleStatus{tr.FromState, tr.ToState}]++
		visited[tr.FromState] = true
		visited[tr.ToState] = true
	}

	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")
	sb.WriteString("    [*] --> active\n")
	for _, e := range lifecycle {
		label := e.label
		if n := taken[[2]domain.LifecycleStatus{e.from, e.to}]; n > 0 {
			label = fmt.Sprintf("%s ×%d", e.label, n)
		}
		sb.WriteString(fmt.Sprintf("    %s --> %s: %s\n", e.from, e.to, label))
	}
	sb.WriteString("    completed --> [*]\n")
	sb.WriteString("    abandoned --> [*]\n")

	sb.WriteString("\n    %% Overlay Styles\n")
	// Force black text (color:#000) for high-contrast on light backgrounds
	sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000\n")
	sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000\n")
	for _, st := range []domain.LifecycleStatus{
		domain.StatusActive, domain.StatusPaused, domain.StatusCompleted, domain.StatusAbandoned, domain.StatusError,
	} {
		switch {
		case st == current:
			sb.WriteString(fmt.Sprintf("    class %s current\n", st))
		case visited[st]:
			sb.WriteString(fmt.Sprintf("    class %s visited\n", st))
		}
	}
	return sb.String()
}
