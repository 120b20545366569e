package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	headerStyle  = lipgloss.NewStyle().Foreground(purple).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	labelStyle   = lipgloss.NewStyle().Foreground(dim)
)

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func warnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

// renderEvent formats one progress event for the terminal. Tool output is
// muted, cancellation is yellow and failures red. job names the work in the
// finished line.
func renderEvent(ev orchestrator.ProgressEvent, job string) string {
	switch ev.Kind {
	case orchestrator.EventStageChanged:
		if !ev.Stage.Active() {
			return ""
		}
		return headerStyle.Render(orchestrator.FormatStageHeader(ev.Stage))
	case orchestrator.EventFinished:
		switch ev.Outcome {
		case orchestrator.OutcomeSucceeded:
			return successMsg("%s finished", job)
		case orchestrator.OutcomeCancelled:
			return warnMsg("%s cancelled", job)
		default:
			if ev.Error != "" {
				return errorMsg("%s failed: %s", job, ev.Error)
			}
			return errorMsg("%s failed", job)
		}
	}

	switch ev.Level {
	case orchestrator.LevelOutput:
		return mutedStyle.Render(ev.Text)
	case orchestrator.LevelStderr:
		return mutedStyle.Render("  " + ev.Text)
	case orchestrator.LevelWarn:
		return warnStyle.Render(ev.Text)
	case orchestrator.LevelError:
		return errorStyle.Render(ev.Text)
	default:
		return ev.Text
	}
}

// pair holds a key-value pair for keyValues output.
type pair struct {
	key   string
	value string
}

func kv(key, value string) pair {
	return pair{key: key, value: value}
}

// keyValues renders aligned "key:  value" lines.
func keyValues(indent string, pairs ...pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// renderTable renders a styled table with rounded borders.
func renderTable(headers []string, rows [][]string) string {
	hStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return hStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

func mark(ok bool) string {
	if ok {
		return successStyle.Render("✓")
	}
	return mutedStyle.Render("·")
}
