// Package inspect covers the vision-inference side of a patrol: the
// Inspector contract, verdict normalization, and the turbo queue that
// decouples inspection latency from robot travel time.
package inspect

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

// Verdict is a normalized inspection outcome.
type Verdict struct {
	Anomaly     bool        `json:"is_NG"`
	Description string      `json:"Description"`
	Raw         string      `json:"-"` // raw model output, persisted verbatim
	Usage       model.Usage `json:"-"`
}

// Summary is generated prose plus its token usage.
type Summary struct {
	Text  string
	Usage model.Usage
}

// SummaryInput collects everything the end-of-run report draws from.
type SummaryInput struct {
	Prompt        string // operator's report prompt, may be empty
	Results       []model.InspectionResult
	Alerts        []model.AlertEvent
	VideoAnalysis string
}

// Inspector is the vision-inference interface consumed by the orchestrator.
type Inspector interface {
	Inspect(ctx context.Context, image []byte, prompt, systemPrompt string) (Verdict, error)
	ComposeSummary(ctx context.Context, in SummaryInput) (Summary, error)
	AnalyzeVideo(ctx context.Context, path, prompt string) (Summary, error)
	Configured() bool
}

// ParseVerdict normalizes a raw model response. Structured
// {"is_NG":..,"Description":..} JSON is preferred, repairing almost-valid
// output first; plain text falls back to a substring heuristic, matching
// how small vision models answer.
func ParseVerdict(raw string) Verdict {
	v := Verdict{Raw: raw}
	trimmed := strings.TrimSpace(raw)

	// Models frequently wrap JSON in a markdown fence.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasPrefix(trimmed, "{") {
		var structured Verdict
		err := json.Unmarshal([]byte(trimmed), &structured)
		if err != nil {
			// Small vision models emit almost-JSON: trailing commas,
			// single quotes, truncated objects. Repair before giving up
			// on the structured path.
			if fixed, repairErr := jsonrepair.JSONRepair(trimmed); repairErr == nil {
				err = json.Unmarshal([]byte(fixed), &structured)
			}
		}
		if err == nil {
			v.Anomaly = structured.Anomaly
			v.Description = structured.Description
			return v
		}
	}

	v.Description = trimmed
	lower := strings.ToLower(trimmed)
	v.Anomaly = strings.Contains(lower, "ng") || strings.Contains(lower, "abnormal")
	return v
}
