package report

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mamorett/sybilla/internal/model"
)

func testBundle() *model.AnalyticsBundle {
	b := model.NewAnalyticsBundle("24h")
	b.CollectedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Countries = []model.StatRow{
		{Label: "US", Requests: 500, Bytes: 9000, DistinctIPs: 42},
		{Label: "DE", Requests: 100, Bytes: 2000, DistinctIPs: 7},
	}
	b.Sensors = []model.StatRow{{Label: "edge-1", Requests: 300, Bytes: 5000, DistinctIPs: 30}}
	b.IPDetails = []model.LogRecord{{IP: "10.0.0.1", Country: "US", Protocol: "tcp", Bytes: 100}}
	return b
}

func testAssessment() *model.InsightAssessment {
	return &model.InsightAssessment{
		Verdict: model.SeverityLow,
		Summary: "Mostly quiet.",
		Findings: []model.Finding{
			{Category: "traffic-volume", Severity: model.SeverityLow, Description: "US above peers"},
		},
		Recommendations: []string{"Keep watching."},
		Provenance:      model.ProvenanceFallback,
		GeneratedAt:     time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

func testMeta() RunMetadata {
	return RunMetadata{
		RunID:     "20260301T120000-host1",
		Hostname:  "host1",
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildSectionOrderAndDeterminism(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	r1, err := NewBuilder(dir1).Build(testBundle(), testAssessment(), testMeta())
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	r2, err := NewBuilder(dir2).Build(testBundle(), testAssessment(), testMeta())
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}

	doc1, _ := os.ReadFile(r1.ReportPath)
	doc2, _ := os.ReadFile(r2.ReportPath)
	if string(doc1) != string(doc2) {
		t.Errorf("identical inputs must produce identical documents")
	}

	content := string(doc1)
	sections := []string{
		"# Traffic Analysis Report",
		"## Executive Summary",
		"## Traffic by Country",
		"## Traffic by City",
		"## Traffic by Sensor",
		"## Traffic by ISP",
		"## IP-Level Detail",
		"## Findings",
		"## Recommendations",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(content, s)
		if idx < 0 {
			t.Fatalf("section %q missing", s)
		}
		if idx < last {
			t.Errorf("section %q out of order", s)
		}
		last = idx
	}
}

func TestBuildWritesChartArtifacts(t *testing.T) {
	dir := t.TempDir()
	result, err := NewBuilder(dir).Build(testBundle(), testAssessment(), testMeta())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Country and sensor have data; city and isp are empty and chart-less.
	if len(result.Artifacts) != 2 {
		t.Fatalf("expected 2 chart artifacts, got %d", len(result.Artifacts))
	}
	for _, a := range result.Artifacts {
		info, err := os.Stat(a.Path)
		if err != nil {
			t.Errorf("artifact %s not written: %v", a.Name, err)
			continue
		}
		if info.Size() == 0 || info.Size() != a.Size {
			t.Errorf("artifact %s size mismatch: %d vs %d", a.Name, info.Size(), a.Size)
		}
	}
}

func TestBuildChartFailureFallsBackToText(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir)
	b.renderChart = func(title string, rows []model.StatRow) (string, error) {
		if title == sectionTitles[model.DimCountry] {
			return "", errors.New("renderer crashed")
		}
		return GeneratePieChart(title, rows)
	}

	result, err := b.Build(testBundle(), testAssessment(), testMeta())
	if err != nil {
		t.Fatalf("build must not abort on a single chart failure: %v", err)
	}

	doc, _ := os.ReadFile(result.ReportPath)
	if !strings.Contains(string(doc), "_Chart unavailable for this dimension._") {
		t.Errorf("expected text-only fallback marker in document")
	}
	for _, a := range result.Artifacts {
		if a.Name == "chart_country.mmd" {
			t.Errorf("failed chart should not be listed as an artifact")
		}
	}
}

func TestGeneratePieChartEmptyRows(t *testing.T) {
	if _, err := GeneratePieChart("x", nil); err == nil {
		t.Error("expected error for empty rows")
	}
}

func TestTopRowsKeepsHighestVolume(t *testing.T) {
	rows := make([]model.StatRow, 0, 12)
	for i := 0; i < 12; i++ {
		rows = append(rows, model.StatRow{Label: string(rune('a' + i)), Requests: int64(i)})
	}

	top := topRows(rows)
	if len(top) != maxChartRows {
		t.Fatalf("expected %d rows, got %d", maxChartRows, len(top))
	}
	if top[0].Requests != 11 {
		t.Errorf("expected highest-volume row first, got %d", top[0].Requests)
	}
}

func TestSanitizeLabelKeepsRunesIntact(t *testing.T) {
	// Truncation must land on a rune boundary even when the byte cut
	// point falls inside a multibyte character.
	long := "abc" + strings.Repeat("é", 30)
	got := sanitizeLabel(long)
	if !utf8.ValidString(got) {
		t.Fatalf("sanitized label is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 24 {
		t.Errorf("rune count = %d, want 24", n)
	}

	short := "sénsor-1"
	if sanitizeLabel(short) != short {
		t.Errorf("short label must pass through unchanged")
	}
}
