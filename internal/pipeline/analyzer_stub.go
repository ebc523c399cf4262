package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// bandTable maps a clause key to its market-position band, a deterministic
// stand-in for the real (external, out-of-scope) scoring model.
var bandTable = map[string]string{
	"drag_along":             "founder_favorable",
	"right_of_first_refusal": "balanced",
	"anti_dilution":          "investor_favorable",
	"board_composition":      "balanced",
	"document_overview":      "informational",
}

// LeverageAnalyzer implements domain.Analyzer with a deterministic band
// lookup weighted by the document's leverage parameters.
type LeverageAnalyzer struct{}

// NewLeverageAnalyzer constructs a LeverageAnalyzer.
func NewLeverageAnalyzer() *LeverageAnalyzer { return &LeverageAnalyzer{} }

// Analyze classifies a clause into a band and score derived from the
// document's leverage split.
func (a *LeverageAnalyzer) Analyze(ctx domain.Context, clauseKey, clauseText string, leverage domain.Leverage, attributes json.RawMessage) (domain.Analysis, error) {
	band, ok := bandTable[clauseKey]
	if !ok {
		band = "neutral"
	}

	score := 0.5
	switch band {
	case "founder_favorable":
		score = leverage.Founder
	case "investor_favorable":
		score = leverage.Investor
	case "balanced":
		score = (leverage.Founder + leverage.Investor) / 2
	}

	inputs, err := json.Marshal(map[string]any{
		"clause_key": clauseKey,
		"leverage":   leverage,
	})
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("op=pipeline.analyze.inputs: %w", err)
	}
	findings, err := json.Marshal(map[string]any{
		"band":        band,
		"text_length": len(clauseText),
	})
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("op=pipeline.analyze.findings: %w", err)
	}

	return domain.Analysis{
		ClauseID:     "", // filled in by the caller, which knows the clause id
		BandName:     band,
		BandScore:    score,
		InputsJSON:   inputs,
		AnalysisJSON: findings,
	}, nil
}
