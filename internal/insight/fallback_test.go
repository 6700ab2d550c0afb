package insight

import (
	"reflect"
	"testing"

	"github.com/mamorett/sybilla/internal/model"
)

func anomalousBundle() *model.AnalyticsBundle {
	b := model.NewAnalyticsBundle("24h")
	b.Countries = []model.StatRow{
		{Label: "US", Requests: 100, DistinctIPs: 50},
		{Label: "DE", Requests: 100, DistinctIPs: 40},
		{Label: "CN", Requests: 1600, DistinctIPs: 10}, // 2.7x mean
		{Label: "BR", Requests: 100, DistinctIPs: 30},
	}
	b.Sensors = []model.StatRow{
		{Label: "edge-1", Requests: 100, DistinctIPs: 100}, // 1 req/ip
		{Label: "edge-2", Requests: 900, DistinctIPs: 10},  // 90 req/ip
	}
	return b
}

func TestFallbackDeterminism(t *testing.T) {
	a := Fallback(anomalousBundle())
	b := Fallback(anomalousBundle())

	if !reflect.DeepEqual(a.Findings, b.Findings) {
		t.Errorf("findings differ between identical bundles:\n%+v\n%+v", a.Findings, b.Findings)
	}
	if !reflect.DeepEqual(a.Recommendations, b.Recommendations) {
		t.Errorf("recommendations differ between identical bundles")
	}
	if a.Verdict != b.Verdict || a.Summary != b.Summary {
		t.Errorf("verdict/summary differ between identical bundles")
	}
}

func TestFallbackProvenanceAndShape(t *testing.T) {
	a := Fallback(model.NewAnalyticsBundle("24h"))

	if a.Provenance != model.ProvenanceFallback {
		t.Errorf("expected fallback provenance, got %s", a.Provenance)
	}
	if a.Findings == nil || a.Recommendations == nil {
		t.Errorf("findings and recommendations must be non-nil")
	}
	if a.Verdict != model.SeverityNone {
		t.Errorf("empty bundle should yield verdict none, got %s", a.Verdict)
	}
	if len(a.Recommendations) == 0 {
		t.Errorf("clean assessment still carries a routine recommendation")
	}
}

func TestVolumeAnomalyTiers(t *testing.T) {
	cases := []struct {
		name     string
		requests int64 // against three peers at 100 each (peer mean 100)
		want     model.Severity
	}{
		{"below threshold", 150, model.SeverityNone},
		{"low tier", 300, model.SeverityLow},
		{"medium tier", 450, model.SeverityMedium},
		{"high tier", 900, model.SeverityHigh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows := []model.StatRow{
				{Label: "a", Requests: 100},
				{Label: "b", Requests: 100},
				{Label: "c", Requests: 100},
				{Label: "x", Requests: tc.requests},
			}
			findings := volumeAnomalies(model.DimCountry, rows)

			var got model.Severity = model.SeverityNone
			for _, f := range findings {
				if f.Label == "x" {
					got = f.Severity
				}
			}
			if got != tc.want {
				t.Errorf("requests=%d (ratio %.2f): severity %s, want %s",
					tc.requests, float64(tc.requests)/100, got, tc.want)
			}
		})
	}
}

func TestSensorConcentrationFlagged(t *testing.T) {
	a := Fallback(anomalousBundle())

	var found bool
	for _, f := range a.Findings {
		if f.Category == "ip-concentration" && f.Label == "edge-2" {
			found = true
			if f.Severity == model.SeverityNone {
				t.Errorf("flagged concentration finding must carry a severity")
			}
		}
	}
	if !found {
		t.Errorf("expected an ip-concentration finding for edge-2, findings: %+v", a.Findings)
	}
}
