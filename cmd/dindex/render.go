package main

import (
	"fmt"
	"strings"

	"github.com/AvengeMedia/dankindex/internal/opqueue"
	"github.com/AvengeMedia/dankindex/internal/query"
	"github.com/charmbracelet/lipgloss"
)

var (
	pathStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	scoreStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	metaStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	tagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	previewStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("7")).PaddingLeft(3)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	conflictStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	cachedStyle   = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("11"))
)

func renderResults(resp *query.Response) {
	header := fmt.Sprintf("%d results for %q (%dms)", resp.Total, resp.Query, resp.TookMS)
	if resp.FromCache {
		header += " " + cachedStyle.Render("[offline cache]")
	}
	fmt.Println(headerStyle.Render(header))

	if resp.Residual != "" && resp.Residual != resp.Query {
		fmt.Println(metaStyle.Render("matched terms: " + resp.Residual))
	}

	for i, r := range resp.Results {
		line := fmt.Sprintf("%2d. %s %s", i+1,
			pathStyle.Render(r.Path),
			scoreStyle.Render(fmt.Sprintf("(%.4f)", r.Score)))
		fmt.Println(line)

		var details []string
		if r.FileType != "" {
			details = append(details, r.FileType)
		}
		if r.Category != "" {
			details = append(details, r.Category)
		}
		if r.Size > 0 {
			details = append(details, formatSize(r.Size))
		}
		if !r.ModTime.IsZero() {
			details = append(details, r.ModTime.Format("2006-01-02"))
		}
		if len(details) > 0 {
			fmt.Println("    " + metaStyle.Render(strings.Join(details, " · ")))
		}
		if len(r.Tags) > 0 {
			fmt.Println("    " + tagStyle.Render("#"+strings.Join(r.Tags, " #")))
		}
		if r.Preview != "" {
			fmt.Println(previewStyle.Render(r.Preview))
		}
	}
}

func renderConflicts(ops []*opqueue.Operation) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%d parked operations", len(ops))))
	for _, op := range ops {
		fmt.Printf("%s %s %s %s\n",
			conflictStyle.Render(fmt.Sprintf("#%d", op.ID)),
			metaStyle.Render(string(op.Type)),
			pathStyle.Render(op.TargetPath),
			scoreStyle.Render(fmt.Sprintf("[%s, %d attempts]", op.Status, op.Attempts)))
		if op.Error != "" {
			fmt.Println("    " + conflictStyle.Render(op.Error))
		}
	}
}
