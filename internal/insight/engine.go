// Package insight turns an analytics bundle into a structured
// assessment, via a remote inference API when configured and a
// deterministic statistical fallback otherwise.
package insight

import (
	"context"
	"time"

	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/observability"
	"github.com/mamorett/sybilla/internal/util"
)

// Config holds inference backend settings. An empty APIKey disables the
// AI path entirely.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// PromptSource optionally supplies an analysis prompt override, e.g.
// from the archive store. A failing or absent source falls back to the
// built-in prompt.
type PromptSource interface {
	AnalysisPrompt(ctx context.Context) (string, bool)
}

// Engine produces insight assessments.
type Engine struct {
	cfg     Config
	nim     *nimClient
	prompts PromptSource
}

// NewEngine creates an engine. prompts may be nil.
func NewEngine(cfg Config, prompts PromptSource) *Engine {
	e := &Engine{cfg: cfg, prompts: prompts}
	if cfg.APIKey != "" {
		e.nim = newNIMClient(cfg)
	}
	return e
}

// Assess never fails: any AI-path error degrades to the deterministic
// fallback, which operates purely on local aggregates.
func (e *Engine) Assess(ctx context.Context, bundle *model.AnalyticsBundle) *model.InsightAssessment {
	if e.nim != nil {
		prompt := defaultAnalysisPrompt
		if e.prompts != nil {
			if override, ok := e.prompts.AnalysisPrompt(ctx); ok {
				prompt = override
			}
		}

		assessment, err := e.nim.analyze(ctx, bundle, prompt)
		if err == nil {
			observability.AssessmentsTotal.WithLabelValues(string(model.ProvenanceAI)).Inc()
			return assessment
		}
		util.Warn("AI assessment failed, using fallback: %v", err)
	}

	assessment := Fallback(bundle)
	observability.AssessmentsTotal.WithLabelValues(string(model.ProvenanceFallback)).Inc()
	return assessment
}
