package tui

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/analytics"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestSessionMarkdown(t *testing.T) {
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	s := domain.NewSession("s-1", "u-1", "course_creation", now)
	for i := range 5 {
		s.AddMessage(domain.Message{Type: "user", Content: fmt.Sprintf("line %d\nmore", i)}, now)
	}
	s.SetProgress(0.5, now)
	_ = s.Pause("lunch", now)

	md := SessionMarkdown(domain.ToRecord(s), analytics.Summarize(s, now), 2)

	assert.Contains(t, md, "# Session `s-1`")
	assert.Contains(t, md, "| Status | **paused** |")
	assert.Contains(t, md, "| Progress | 50% |")
	assert.Contains(t, md, "active → paused (lunch)")
	assert.Contains(t, md, "Messages (last 2 of 5)")
	assert.Contains(t, md, "line 4 more")
	assert.NotContains(t, md, "line 2")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "1.2.3")
	assert.Contains(t, buf.String(), "session keeper 1.2.3")
}
