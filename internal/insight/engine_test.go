package insight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mamorett/sybilla/internal/model"
)

func chatHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestAssessWithoutKeyNeverCallsNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	engine := NewEngine(Config{APIKey: "", BaseURL: srv.URL}, nil)
	a := engine.Assess(context.Background(), anomalousBundle())

	if a.Provenance != model.ProvenanceFallback {
		t.Errorf("expected fallback provenance, got %s", a.Provenance)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("no network call expected without an API key")
	}
}

func TestAssessAIPath(t *testing.T) {
	srv := httptest.NewServer(chatHandler(`Here is the analysis:
` + "```json" + `
{"verdict":"medium","summary":"Elevated traffic from one country.","findings":[{"category":"geo","severity":"medium","description":"spike","dimension":"country","label":"CN"}],"recommendations":["block range"]}
` + "```"))
	defer srv.Close()

	engine := NewEngine(Config{APIKey: "k", BaseURL: srv.URL, Model: "m", Timeout: time.Second}, nil)
	a := engine.Assess(context.Background(), anomalousBundle())

	if a.Provenance != model.ProvenanceAI {
		t.Fatalf("expected ai provenance, got %s", a.Provenance)
	}
	if a.Verdict != model.SeverityMedium {
		t.Errorf("verdict not parsed: %s", a.Verdict)
	}
	if len(a.Findings) != 1 || a.Findings[0].Label != "CN" {
		t.Errorf("findings not parsed: %+v", a.Findings)
	}
}

func TestAssessFallsBackOnMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(chatHandler("I think the traffic looks suspicious but cannot be sure."))
	defer srv.Close()

	engine := NewEngine(Config{APIKey: "k", BaseURL: srv.URL, Model: "m", Timeout: time.Second}, nil)
	a := engine.Assess(context.Background(), anomalousBundle())

	if a.Provenance != model.ProvenanceFallback {
		t.Errorf("malformed AI output must degrade to fallback, got %s", a.Provenance)
	}
}

func TestAssessFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := NewEngine(Config{APIKey: "k", BaseURL: srv.URL, Model: "m", Timeout: time.Second}, nil)
	a := engine.Assess(context.Background(), anomalousBundle())

	if a.Provenance != model.ProvenanceFallback {
		t.Errorf("API failure must degrade to fallback, got %s", a.Provenance)
	}
}

func TestParseAssessmentRejectsBadSeverity(t *testing.T) {
	_, err := parseAssessment(`{"verdict":"catastrophic","summary":"x","findings":[],"recommendations":[]}`)
	if err == nil {
		t.Fatal("expected error for unknown verdict")
	}

	_, err = parseAssessment(`{"verdict":"low","findings":[{"category":"a","severity":"urgent","description":"d"}]}`)
	if err == nil {
		t.Fatal("expected error for unknown finding severity")
	}
}
