// Package report renders the per-cycle analysis document and its chart
// artifacts.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/util"
)

// RunMetadata identifies the cycle a report belongs to.
type RunMetadata struct {
	RunID     string
	Hostname  string
	StartedAt time.Time
}

// Artifact is one file written alongside the report document.
type Artifact struct {
	Name string
	Path string
	Size int64
}

// Result is the built document plus its auxiliary artifacts.
type Result struct {
	ReportPath string
	ReportSize int64
	Artifacts  []Artifact
}

// Builder renders Markdown reports into run-id addressed directories.
type Builder struct {
	baseDir string

	// renderChart is swappable in tests to exercise chart failures.
	renderChart func(title string, rows []model.StatRow) (string, error)
}

// NewBuilder creates a builder writing under baseDir/<runID>/.
func NewBuilder(baseDir string) *Builder {
	return &Builder{
		baseDir:     baseDir,
		renderChart: GeneratePieChart,
	}
}

var sectionTitles = map[string]string{
	model.DimCountry: "Traffic by Country",
	model.DimCity:    "Traffic by City",
	model.DimSensor:  "Traffic by Sensor",
	model.DimISP:     "Traffic by ISP",
}

// Build renders the document in fixed section order: header, executive
// summary, per-dimension analytics, IP detail, findings,
// recommendations. A failed chart degrades its section to text only and
// never aborts the build.
func (b *Builder) Build(bundle *model.AnalyticsBundle, assessment *model.InsightAssessment, meta RunMetadata) (*Result, error) {
	runDir := filepath.Join(b.baseDir, meta.RunID)
	if err := util.EnsureDir(runDir); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	result := &Result{}
	var sb strings.Builder

	// Header
	sb.WriteString("# Traffic Analysis Report\n\n")
	fmt.Fprintf(&sb, "- **Run:** %s\n", meta.RunID)
	fmt.Fprintf(&sb, "- **Host:** %s\n", meta.Hostname)
	fmt.Fprintf(&sb, "- **Started:** %s\n", meta.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "- **Window:** %s\n", bundle.TimeRange)
	fmt.Fprintf(&sb, "- **Assessment source:** %s\n\n", assessment.Provenance)

	// Executive summary
	sb.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&sb, "**Verdict: %s**\n\n", strings.ToUpper(string(assessment.Verdict)))
	if assessment.Summary != "" {
		sb.WriteString(assessment.Summary + "\n\n")
	}
	if len(bundle.FailedDimensions) > 0 {
		fmt.Fprintf(&sb, "> Partial data: the %s dimension(s) could not be gathered this cycle.\n\n",
			strings.Join(bundle.FailedDimensions, ", "))
	}

	// Per-dimension sections
	for _, table := range bundle.StatTables() {
		b.writeDimensionSection(&sb, runDir, table.Dimension, table.Rows, result)
	}

	// IP detail summary
	sb.WriteString("## IP-Level Detail\n\n")
	if len(bundle.IPDetails) == 0 {
		sb.WriteString("No detail records were gathered this cycle.\n\n")
	} else {
		fmt.Fprintf(&sb, "%d detail records gathered. Sample:\n\n", len(bundle.IPDetails))
		sb.WriteString("| IP | Country | Protocol | Bytes |\n|---|---|---|---|\n")
		samples := bundle.IPDetails
		if len(samples) > 10 {
			samples = samples[:10]
		}
		for _, rec := range samples {
			fmt.Fprintf(&sb, "| %s | %s | %s | %d |\n", rec.IP, rec.Country, rec.Protocol, rec.Bytes)
		}
		sb.WriteString("\n")
	}

	// Findings
	sb.WriteString("## Findings\n\n")
	if len(assessment.Findings) == 0 {
		sb.WriteString("No findings.\n\n")
	} else {
		for _, f := range assessment.Findings {
			fmt.Fprintf(&sb, "- **[%s] %s**: %s\n", strings.ToUpper(string(f.Severity)), f.Category, f.Description)
		}
		sb.WriteString("\n")
	}

	// Recommendations
	sb.WriteString("## Recommendations\n\n")
	if len(assessment.Recommendations) == 0 {
		sb.WriteString("None.\n")
	} else {
		for i, rec := range assessment.Recommendations {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, rec)
		}
	}

	reportPath := filepath.Join(runDir, "report.md")
	if err := os.WriteFile(reportPath, []byte(sb.String()), 0644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	info, err := os.Stat(reportPath)
	if err != nil {
		return nil, err
	}
	result.ReportPath = reportPath
	result.ReportSize = info.Size()
	return result, nil
}

func (b *Builder) writeDimensionSection(sb *strings.Builder, runDir, dimension string, rows []model.StatRow, result *Result) {
	fmt.Fprintf(sb, "## %s\n\n", sectionTitles[dimension])

	if len(rows) == 0 {
		sb.WriteString("No data for this dimension.\n\n")
		return
	}

	sb.WriteString("| Label | Requests | Bytes | Distinct IPs |\n|---|---|---|---|\n")
	for _, row := range rows {
		fmt.Fprintf(sb, "| %s | %d | %d | %d |\n", row.Label, row.Requests, row.Bytes, row.DistinctIPs)
	}
	sb.WriteString("\n")

	chart, err := b.renderChart(sectionTitles[dimension], rows)
	if err != nil {
		util.Warn("Chart for %s failed, section is text-only: %v", dimension, err)
		fmt.Fprintf(sb, "_Chart unavailable for this dimension._\n\n")
		return
	}

	name := "chart_" + dimension + ".mmd"
	chartPath := filepath.Join(runDir, name)
	if err := os.WriteFile(chartPath, []byte(chart), 0644); err != nil {
		util.Warn("Writing chart %s failed, section is text-only: %v", name, err)
		fmt.Fprintf(sb, "_Chart unavailable for this dimension._\n\n")
		return
	}

	fmt.Fprintf(sb, "```mermaid\n%s```\n\n", chart)
	fmt.Fprintf(sb, "Chart artifact: `%s`\n\n", name)
	result.Artifacts = append(result.Artifacts, Artifact{
		Name: name,
		Path: chartPath,
		Size: int64(len(chart)),
	})
}
