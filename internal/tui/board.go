package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/forgeworks/specforge/internal/pipeline"
)

func (m model) View() string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	title := lipgloss.NewStyle().Bold(true)

	id := m.buildID
	status := "starting"
	if m.res != nil {
		id = m.res.BuildID
		status = m.res.Status
	}

	var out strings.Builder
	out.WriteString(title.Render("specforge build "+id) + "\n")
	out.WriteString(dim.Render(fmt.Sprintf("status: %s  elapsed: %s",
		status, time.Since(m.started).Truncate(time.Second))) + "\n\n")

	if m.fetchErr != "" {
		out.WriteString(dim.Render("watch: "+m.fetchErr) + "\n")
	}
	if m.res == nil {
		return out.String()
	}

	for _, stage := range pipeline.Stages() {
		out.WriteString(m.stageLine(stage.String()) + "\n")
	}
	out.WriteString("\n" + m.summary() + "\n")
	return out.String()
}

// stageLine renders one board row: glyph, stage name, duration and
// retry count.
func (m model) stageLine(name string) string {
	okS := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	runS := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	badS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	label := fmt.Sprintf("%-17s", name)
	if d, ok := m.res.StageTimings[name]; ok {
		line := "  ✓ " + label + d.Truncate(time.Millisecond).String()
		if n := m.retries[name]; n > 0 {
			line += fmt.Sprintf("  retries %d", n)
		}
		return okS.Render(line)
	}

	if !terminalStatus(m.res.Status) && name == m.res.Stage {
		line := "  ▸ " + label + time.Since(m.stageStarted).Truncate(time.Second).String()
		if m.res.Status == pipeline.StatusRetryWait {
			line += "  waiting for retry"
		} else if m.res.Attempt > 1 {
			line += fmt.Sprintf("  attempt %d", m.res.Attempt)
		}
		if n := m.retries[name]; n > 0 {
			line += fmt.Sprintf("  retries %d", n)
		}
		return runS.Render(line)
	}

	if terminalStatus(m.res.Status) && name == m.haltedStage() {
		glyph := "✗"
		if m.res.Status == pipeline.StatusNeedsClarification {
			glyph = "?"
		}
		return badS.Render("  " + glyph + " " + label + m.res.Status)
	}

	return dim.Render("  · " + name)
}

// haltedStage names the first uncommitted stage of a build that ended
// short of success: the stage it stopped in.
func (m model) haltedStage() string {
	if m.res.Status == pipeline.StatusSuccess {
		return ""
	}
	for _, stage := range pipeline.Stages() {
		if _, ok := m.res.StageTimings[stage.String()]; !ok {
			return stage.String()
		}
	}
	return ""
}

func (m model) summary() string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	res := m.res

	var lines []string
	switch res.Status {
	case pipeline.StatusSuccess:
		lines = append(lines, "artifact: "+res.ArtifactPath)
		for _, dg := range res.Downgrades {
			lines = append(lines, fmt.Sprintf("auto-fixed %s: %s %s -> %s", dg.RuleID, dg.Field, dg.Original, dg.Fixed))
		}
	case pipeline.StatusRejected:
		for _, v := range res.Errors {
			lines = append(lines, fmt.Sprintf("violation %s: %s", v.RuleID, v.Message))
		}
	case pipeline.StatusNeedsClarification:
		lines = append(lines, "the request needs clarification:")
		for _, q := range res.Questions {
			lines = append(lines, "  - "+q)
		}
	case pipeline.StatusError:
		lines = append(lines, "error: "+res.Error)
	case pipeline.StatusCanceled:
		lines = append(lines, "build canceled")
	default:
		return dim.Render("q to quit")
	}
	return strings.Join(lines, "\n")
}
