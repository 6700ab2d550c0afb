package report

import (
	"fmt"
	"strings"

	"github.com/mamorett/sybilla/internal/model"
)

const maxChartRows = 8

// GeneratePieChart renders a Mermaid pie chart of request share for one
// dimension. Returns an error when there is nothing to chart so the
// caller can fall back to a text-only section.
func GeneratePieChart(title string, rows []model.StatRow) (string, error) {
	rows = topRows(rows)
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows to chart for %s", title)
	}

	var sb strings.Builder
	sb.WriteString("pie showData\n")
	fmt.Fprintf(&sb, "    title %s\n", title)
	for _, row := range rows {
		fmt.Fprintf(&sb, "    %q : %d\n", sanitizeLabel(row.Label), row.Requests)
	}
	return sb.String(), nil
}

// GenerateBarChart renders a Mermaid xychart of request volume for one
// dimension.
func GenerateBarChart(title string, rows []model.StatRow) (string, error) {
	rows = topRows(rows)
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows to chart for %s", title)
	}

	labels := make([]string, 0, len(rows))
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		labels = append(labels, fmt.Sprintf("%q", sanitizeLabel(row.Label)))
		values = append(values, fmt.Sprintf("%d", row.Requests))
	}

	var sb strings.Builder
	sb.WriteString("xychart-beta\n")
	fmt.Fprintf(&sb, "    title %q\n", title)
	fmt.Fprintf(&sb, "    x-axis [%s]\n", strings.Join(labels, ", "))
	sb.WriteString("    y-axis \"Requests\"\n")
	fmt.Fprintf(&sb, "    bar [%s]\n", strings.Join(values, ", "))
	return sb.String(), nil
}

// topRows keeps the highest-volume rows, preserving input order among
// equals so output stays deterministic.
func topRows(rows []model.StatRow) []model.StatRow {
	if len(rows) <= maxChartRows {
		return rows
	}

	sorted := append([]model.StatRow(nil), rows...)
	// Stable insertion sort by requests descending; input order breaks
	// ties.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Requests > sorted[j-1].Requests; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[:maxChartRows]
}

func sanitizeLabel(label string) string {
	label = strings.ReplaceAll(label, "\"", "'")
	label = strings.ReplaceAll(label, "\n", " ")
	if runes := []rune(label); len(runes) > 24 {
		label = string(runes[:24])
	}
	return label
}
