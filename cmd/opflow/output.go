package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleBold  = lipgloss.NewStyle().Bold(true)
)

func renderOK(msg string) string    { return styleOK.Render("✓") + " " + msg }
func renderWarn(msg string) string  { return styleWarn.Render("⚠") + " " + msg }
func renderError(msg string) string { return styleError.Render("✗") + " " + msg }

func renderStatus(s schema.ExecutionStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case schema.StatusCompleted:
		return styleOK.Render(label)
	case schema.StatusFailed:
		return styleError.Render(label)
	case schema.StatusPaused:
		return styleWarn.Render(label)
	default:
		return styleInfo.Render(label)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printState writes a human summary of a session.
func printState(w io.Writer, st *store.ExecutionState) {
	fmt.Fprintf(w, "%s %s  %s\n", styleBold.Render("session"), st.ID, renderStatus(st.Status))
	fmt.Fprintf(w, "%s %s\n", styleMuted.Render("workflow:"), st.WorkflowID)
	if st.CurrentNode != "" {
		fmt.Fprintf(w, "%s %s\n", styleMuted.Render("node:"), st.CurrentNode)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "%s %s\n", styleMuted.Render("error:"), styleError.Render(st.LastError))
	}
	if q := st.PendingQuestion; q != nil {
		fmt.Fprintf(w, "%s %s\n", styleMuted.Render("question:"), q.Prompt)
		for _, o := range q.Options {
			if o.Label != "" && o.Label != o.ID {
				fmt.Fprintf(w, "  - %s %s\n", o.ID, styleMuted.Render(o.Label))
				continue
			}
			fmt.Fprintf(w, "  - %s\n", o.ID)
		}
	}
	for i, r := range st.History {
		mark := styleOK.Render("✓")
		if r.Status == schema.StepFailed {
			mark = styleError.Render("✗")
		}
		line := fmt.Sprintf("  %s %2d %s", mark, i, r.StepID)
		if r.Error != "" {
			line += " " + styleMuted.Render(r.Error)
		}
		fmt.Fprintln(w, line)
	}
	if len(st.Context) > 0 {
		data, _ := json.MarshalIndent(st.Context, "", "  ")
		fmt.Fprintf(w, "%s\n%s\n", styleMuted.Render("context:"), data)
	}
}

func printIssues(w io.Writer, res *schema.ValidationResult) {
	for _, e := range res.Errors {
		fmt.Fprintln(w, renderError(fmt.Sprintf("%s %s %s", e.Path, styleMuted.Render("["+e.Code+"]"), e.Message)))
	}
	for _, e := range res.Warnings {
		fmt.Fprintln(w, renderWarn(fmt.Sprintf("%s %s", e.Path, e.Message)))
	}
}
