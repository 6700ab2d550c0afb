package insight

import (
	"fmt"
	"time"

	"github.com/mamorett/sybilla/internal/model"
)

// Self-relative anomaly thresholds: a row is flagged when its statistic
// exceeds these multiples of its own dimension's mean. Relative rules
// keep the fallback reproducible and independent of bundle scale.
const (
	thresholdLow    = 2.0
	thresholdMedium = 4.0
	thresholdHigh   = 8.0
)

func tier(ratio float64) model.Severity {
	switch {
	case ratio >= thresholdHigh:
		return model.SeverityHigh
	case ratio >= thresholdMedium:
		return model.SeverityMedium
	case ratio >= thresholdLow:
		return model.SeverityLow
	}
	return model.SeverityNone
}

// Fallback computes a deterministic rule-based assessment from the
// bundle's own aggregates. Identical bundles yield identical output,
// byte for byte (timestamps aside).
func Fallback(bundle *model.AnalyticsBundle) *model.InsightAssessment {
	assessment := &model.InsightAssessment{
		Verdict:         model.SeverityNone,
		Findings:        []model.Finding{},
		Recommendations: []string{},
		Provenance:      model.ProvenanceFallback,
		GeneratedAt:     time.Now(),
	}

	for _, table := range bundle.StatTables() {
		assessment.Findings = append(assessment.Findings,
			volumeAnomalies(table.Dimension, table.Rows)...)
	}
	assessment.Findings = append(assessment.Findings, sensorConcentration(bundle.Sensors)...)

	for _, f := range assessment.Findings {
		assessment.Verdict = assessment.Verdict.Max(f.Severity)
	}

	assessment.Summary = fmt.Sprintf(
		"Statistical review of %d requests across %d countries: %d anomalies flagged, overall verdict %s.",
		bundle.TotalRequests(), len(bundle.Countries), len(assessment.Findings), assessment.Verdict)

	assessment.Recommendations = recommendations(assessment)
	return assessment
}

// volumeAnomalies flags rows whose request volume exceeds the mean of
// their peers by the tier thresholds. The peer mean excludes the row
// under test so a single dominant row cannot mask itself.
func volumeAnomalies(dimension string, rows []model.StatRow) []model.Finding {
	if len(rows) < 2 {
		return nil
	}

	var total int64
	for _, row := range rows {
		total += row.Requests
	}

	var findings []model.Finding
	for _, row := range rows {
		peerMean := float64(total-row.Requests) / float64(len(rows)-1)
		if peerMean <= 0 {
			continue
		}
		ratio := float64(row.Requests) / peerMean
		severity := tier(ratio)
		if severity == model.SeverityNone {
			continue
		}
		findings = append(findings, model.Finding{
			Category: "traffic-volume",
			Severity: severity,
			Description: fmt.Sprintf("%s %q carries %.1fx the mean request volume of its peers (%d vs mean %.0f)",
				dimension, row.Label, ratio, row.Requests, peerMean),
			Dimension: dimension,
			Label:     row.Label,
			Value:     float64(row.Requests),
			Baseline:  peerMean,
		})
	}
	return findings
}

// sensorConcentration flags sensors where few distinct IPs account for
// a disproportionate request volume, relative to the other sensors.
func sensorConcentration(sensors []model.StatRow) []model.Finding {
	var ratios []float64
	var eligible []model.StatRow
	var sum float64
	for _, row := range sensors {
		if row.DistinctIPs <= 0 || row.Requests <= 0 {
			continue
		}
		r := float64(row.Requests) / float64(row.DistinctIPs)
		ratios = append(ratios, r)
		eligible = append(eligible, row)
		sum += r
	}
	if len(eligible) < 2 {
		return nil
	}

	var findings []model.Finding
	for i, row := range eligible {
		peerMean := (sum - ratios[i]) / float64(len(eligible)-1)
		if peerMean <= 0 {
			continue
		}
		ratio := ratios[i] / peerMean
		severity := tier(ratio)
		if severity == model.SeverityNone {
			continue
		}
		findings = append(findings, model.Finding{
			Category: "ip-concentration",
			Severity: severity,
			Description: fmt.Sprintf("sensor %q sees %.1f requests per distinct IP, %.1fx the peer mean; possible scripted or single-source traffic",
				row.Label, ratios[i], ratio),
			Dimension: model.DimSensor,
			Label:     row.Label,
			Value:     ratios[i],
			Baseline:  peerMean,
		})
	}
	return findings
}

func recommendations(a *model.InsightAssessment) []string {
	recs := []string{}
	for _, f := range a.Findings {
		if f.Severity != model.SeverityHigh {
			continue
		}
		switch f.Category {
		case "traffic-volume":
			recs = append(recs, fmt.Sprintf("Review access rules for %s %q; its volume is far above its peers.", f.Dimension, f.Label))
		case "ip-concentration":
			recs = append(recs, fmt.Sprintf("Inspect top source IPs on sensor %q for automated traffic.", f.Label))
		}
	}
	if len(a.Findings) == 0 {
		recs = append(recs, "No statistical anomalies detected; continue routine monitoring.")
	} else {
		recs = append(recs, "Re-run the analysis after any rule changes to confirm the anomaly profile shifts.")
	}
	return recs
}
