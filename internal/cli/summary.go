package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/specforge/specforge/internal/orchestrator"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	partialStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// renderSummary formats the per-endpoint outcomes of a run for the terminal.
func renderSummary(outDir string, s *orchestrator.Summary) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Generation summary"))
	b.WriteString("\n")
	if s.Resumed {
		b.WriteString(dimStyle.Render("(resumed from checkpoint)"))
		b.WriteString("\n")
	}

	for _, u := range s.Units {
		var badge string
		switch u.Outcome {
		case orchestrator.OutcomeComplete:
			badge = completeStyle.Render("ok     ")
		case orchestrator.OutcomePartial:
			badge = partialStyle.Render("partial")
		default:
			badge = failedStyle.Render("failed ")
		}
		fmt.Fprintf(&b, "  %s %s", badge, u.Path)
		if u.Models > 0 || u.Tests > 0 {
			fmt.Fprintf(&b, " %s", dimStyle.Render(fmt.Sprintf("(%d models, %d tests, %s)", u.Models, u.Tests, u.Duration.Round(10*time.Millisecond))))
		}
		b.WriteString("\n")
		if u.Err != "" {
			fmt.Fprintf(&b, "          %s\n", failedStyle.Render(u.Err))
		}
		for _, d := range u.Diagnostics {
			fmt.Fprintf(&b, "          %s\n", partialStyle.Render(d.String()))
		}
	}

	fmt.Fprintf(&b, "\n%d complete, %d partial, %d failed in %s (%d oracle calls)\n",
		s.Count(orchestrator.OutcomeComplete),
		s.Count(orchestrator.OutcomePartial),
		s.Count(orchestrator.OutcomeFailed),
		s.Duration.Round(10*time.Millisecond),
		s.Requests)
	fmt.Fprintf(&b, "Framework written to %s\n", outDir)
	return b.String()
}
