package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders runs as a markdown table.
func ExportMarkdown(runs []Run) string {
	var b strings.Builder

	b.WriteString("# Run history\n\n")
	if len(runs) == 0 {
		b.WriteString("_No runs recorded._\n")
		return b.String()
	}

	b.WriteString("| Run | Session | Kind | Language | Status | Exit | Started | Duration |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		dur := "-"
		if r.EndedAt != nil {
			dur = r.Duration().Round(time.Millisecond).String()
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s | %s | %s |\n",
			ShortID(r.ID), ShortID(r.SessionID), r.Kind, r.Language, r.Status, exit,
			r.StartedAt.Format("2006-01-02 15:04:05"), dur))
	}

	var failed []Run
	for _, r := range runs {
		if r.Error != "" {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, r := range failed {
			b.WriteString(fmt.Sprintf("- `%s`: %s\n", ShortID(r.ID), r.Error))
		}
	}

	return b.String()
}

// ExportJSON renders runs as formatted JSON.
func ExportJSON(runs []Run) ([]byte, error) {
	export := struct {
		Runs []Run `json:"runs"`
	}{
		Runs: runs,
	}
	if export.Runs == nil {
		export.Runs = []Run{}
	}
	return json.MarshalIndent(export, "", "  ")
}

// ShortID returns the first eight characters of a run or session id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
