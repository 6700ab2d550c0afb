package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mamorett/sybilla/internal/model"
)

const defaultAnalysisPrompt = `You are an expert cybersecurity analyst specializing in network
traffic analysis and threat detection. Analyze the provided traffic
analytics for security threats, unusual geographic access patterns,
volume anomalies and operational concerns.`

const responseInstructions = `Respond with a single JSON object and nothing else, using exactly
these fields:
{
  "verdict": "none" | "low" | "medium" | "high",
  "summary": "one paragraph executive summary",
  "findings": [
    {"category": "...", "severity": "low|medium|high", "description": "...", "dimension": "...", "label": "..."}
  ],
  "recommendations": ["..."]
}`

// nimClient talks to an OpenAI-compatible chat completions endpoint.
type nimClient struct {
	cfg  Config
	http *http.Client
}

func newNIMClient(cfg Config) *nimClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &nimClient{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// aiPayload is the strict shape expected from the model. Anything that
// does not parse into it triggers the fallback.
type aiPayload struct {
	Verdict  string `json:"verdict"`
	Summary  string `json:"summary"`
	Findings []struct {
		Category    string `json:"category"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
		Dimension   string `json:"dimension"`
		Label       string `json:"label"`
	} `json:"findings"`
	Recommendations []string `json:"recommendations"`
}

func (c *nimClient) analyze(ctx context.Context, bundle *model.AnalyticsBundle, prompt string) (*model.InsightAssessment, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: summarizeBundle(bundle) + "\n\n" + responseInstructions},
		},
		Temperature: 0.1,
		MaxTokens:   4000,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference API returned %d: %s", resp.StatusCode, snippet)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("inference response has no choices")
	}

	return parseAssessment(chat.Choices[0].Message.Content)
}

// parseAssessment extracts the JSON object from the model output and
// validates it into the assessment shape.
func parseAssessment(content string) (*model.InsightAssessment, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var payload aiPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("malformed assessment payload: %w", err)
	}

	verdict, ok := parseSeverity(payload.Verdict)
	if !ok {
		return nil, fmt.Errorf("invalid verdict %q", payload.Verdict)
	}

	assessment := &model.InsightAssessment{
		Verdict:         verdict,
		Summary:         payload.Summary,
		Findings:        []model.Finding{},
		Recommendations: payload.Recommendations,
		Provenance:      model.ProvenanceAI,
		GeneratedAt:     time.Now(),
	}
	if assessment.Recommendations == nil {
		assessment.Recommendations = []string{}
	}

	for _, f := range payload.Findings {
		severity, ok := parseSeverity(f.Severity)
		if !ok || severity == model.SeverityNone {
			return nil, fmt.Errorf("invalid finding severity %q", f.Severity)
		}
		assessment.Findings = append(assessment.Findings, model.Finding{
			Category:    f.Category,
			Severity:    severity,
			Description: f.Description,
			Dimension:   f.Dimension,
			Label:       f.Label,
		})
	}

	return assessment, nil
}

func parseSeverity(s string) (model.Severity, bool) {
	switch model.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case model.SeverityNone:
		return model.SeverityNone, true
	case model.SeverityLow:
		return model.SeverityLow, true
	case model.SeverityMedium:
		return model.SeverityMedium, true
	case model.SeverityHigh:
		return model.SeverityHigh, true
	}
	return model.SeverityNone, false
}

// extractJSON pulls the first top-level JSON object out of model
// output that may be wrapped in markdown fences or prose.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	candidate := content[start : end+1]
	if json.Valid([]byte(candidate)) {
		return candidate
	}
	return ""
}

// summarizeBundle renders the bundle into a compact text block for the
// prompt. Ordering is fixed so prompts are reproducible.
func summarizeBundle(bundle *model.AnalyticsBundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "TRAFFIC ANALYTICS (window %s, collected %s)\n",
		bundle.TimeRange, bundle.CollectedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Total requests (country dimension): %d\n", bundle.TotalRequests())
	if len(bundle.FailedDimensions) > 0 {
		fmt.Fprintf(&sb, "Dimensions with missing data: %s\n", strings.Join(bundle.FailedDimensions, ", "))
	}

	for _, table := range bundle.StatTables() {
		fmt.Fprintf(&sb, "\nTOP BY %s:\n", strings.ToUpper(table.Dimension))
		rows := append([]model.StatRow(nil), table.Rows...)
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Requests > rows[j].Requests })
		if len(rows) > 10 {
			rows = rows[:10]
		}
		for _, row := range rows {
			fmt.Fprintf(&sb, "  %s: %d requests, %d bytes, %d distinct IPs\n",
				row.Label, row.Requests, row.Bytes, row.DistinctIPs)
		}
	}

	fmt.Fprintf(&sb, "\nSAMPLE LOG RECORDS (%d total):\n", len(bundle.IPDetails))
	samples := bundle.IPDetails
	if len(samples) > 5 {
		samples = samples[:5]
	}
	for _, rec := range samples {
		fmt.Fprintf(&sb, "  - ip=%s country=%s protocol=%s bytes=%d\n",
			rec.IP, rec.Country, rec.Protocol, rec.Bytes)
	}

	return sb.String()
}
