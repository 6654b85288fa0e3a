// Package artifact evaluates workflow templates against the tick's
// confidence and scale, emitting n8n-style workflow bodies once their gates
// are satisfied. A periodic summary artifact is produced regardless of
// template gating.
package artifact

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// TypeSummary is the recorded artifact type whenever the periodic summary
// fires; it overrides whatever template fired in the same tick.
const TypeSummary = "summary"

const defaultSummaryEvery = 5

// Template is one gated workflow generator. Render must be a pure function
// of its input except where a body deliberately includes display randomness.
type Template struct {
	Name          string
	MinConfidence float64
	MinScale      float64
	Render        func(in Input) string
}

// TickSummary is the slice of history the summary artifact reports on.
type TickSummary struct {
	Status string
	ROI    float64
}

// Input carries everything a template may use for one tick.
type Input struct {
	Iteration  int64
	Scale      float64
	Confidence float64
	Recent     []TickSummary // chronological; the summary uses the tail
	Timestamp  time.Time
}

// Outcome reports what one tick produced.
type Outcome struct {
	Generated bool     `json:"generated"`
	Artifacts []string `json:"artifacts,omitempty"`
	Type      string   `json:"type,omitempty"`
}

// Generator holds the ordered template list. It is stateless between ticks.
type Generator struct {
	templates    []Template
	summaryEvery int
}

// New creates a generator over the given templates. summaryEvery <= 0 falls
// back to the default cadence of 5.
func New(templates []Template, summaryEvery int) *Generator {
	if summaryEvery <= 0 {
		summaryEvery = defaultSummaryEvery
	}
	return &Generator{templates: templates, summaryEvery: summaryEvery}
}

// NewDefault creates a generator with the built-in workflow templates.
func NewDefault(summaryEvery int) *Generator {
	return New(DefaultTemplates(), summaryEvery)
}

// Generate fires every template whose gates the current confidence and scale
// satisfy, recording the last fired template as the tick's artifact type,
// then appends the periodic summary when the iteration lands on the cadence.
func (g *Generator) Generate(in Input) Outcome {
	out := Outcome{}

	for _, t := range g.templates {
		if in.Confidence >= t.MinConfidence && in.Scale >= t.MinScale {
			out.Artifacts = append(out.Artifacts, t.Render(in))
			out.Type = t.Name
			out.Generated = true
		}
	}

	if in.Iteration > 0 && in.Iteration%int64(g.summaryEvery) == 0 {
		out.Artifacts = append(out.Artifacts, renderSummary(in, g.summaryEvery))
		out.Type = TypeSummary
		out.Generated = true
	}

	return out
}

// Templates returns a copy of the template gate settings for diagnostics.
func (g *Generator) Templates() []Template {
	out := make([]Template, len(g.templates))
	copy(out, g.templates)
	return out
}

// DefaultTemplates returns the built-in workflow set, ordered lowest tier
// first.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:          "webhook-bridge",
			MinConfidence: 0.85,
			MinScale:      1,
			Render:        renderWebhookBridge,
		},
		{
			Name:          "data-sync",
			MinConfidence: 0.90,
			MinScale:      2,
			Render:        renderDataSync,
		},
		{
			Name:          "quantum-correlate",
			MinConfidence: 0.95,
			MinScale:      3,
			Render:        renderQuantumCorrelate,
		},
	}
}

func renderWebhookBridge(in Input) string {
	return mustJSON(map[string]any{
		"id":   uuid.NewString(),
		"name": fmt.Sprintf("webhook-bridge-%d", in.Iteration),
		"nodes": []map[string]any{
			{"type": "n8n-nodes-base.webhook", "name": "Inbound", "parameters": map[string]any{"path": fmt.Sprintf("bridge/%d", in.Iteration)}},
			{"type": "n8n-nodes-base.httpRequest", "name": "Forward", "parameters": map[string]any{"method": "POST"}},
		},
		"meta": map[string]any{
			"iteration":   in.Iteration,
			"scale":       in.Scale,
			"confidence":  in.Confidence,
			"generatedAt": in.Timestamp.UnixMilli(),
		},
	})
}

func renderDataSync(in Input) string {
	return mustJSON(map[string]any{
		"id":   uuid.NewString(),
		"name": fmt.Sprintf("data-sync-%d", in.Iteration),
		"nodes": []map[string]any{
			{"type": "n8n-nodes-base.scheduleTrigger", "name": "Cadence", "parameters": map[string]any{"interval": "hour"}},
			{"type": "n8n-nodes-base.postgres", "name": "Pull", "parameters": map[string]any{"operation": "select"}},
			{"type": "n8n-nodes-base.httpRequest", "name": "Push", "parameters": map[string]any{"method": "PUT"}},
		},
		"meta": map[string]any{
			"iteration":   in.Iteration,
			"scale":       in.Scale,
			"confidence":  in.Confidence,
			"generatedAt": in.Timestamp.UnixMilli(),
		},
	})
}

// renderQuantumCorrelate draws a deliberately unseeded correlation value.
// The body flags the field so downstream consumers know it is not
// reproducible.
func renderQuantumCorrelate(in Input) string {
	return mustJSON(map[string]any{
		"id":   uuid.NewString(),
		"name": fmt.Sprintf("quantum-correlate-%d", in.Iteration),
		"nodes": []map[string]any{
			{"type": "n8n-nodes-base.function", "name": "Correlate", "parameters": map[string]any{
				"correlation":  rand.Float64(),
				"reproducible": false,
			}},
		},
		"meta": map[string]any{
			"iteration":   in.Iteration,
			"scale":       in.Scale,
			"confidence":  in.Confidence,
			"generatedAt": in.Timestamp.UnixMilli(),
		},
	})
}

func renderSummary(in Input, window int) string {
	recent := in.Recent
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	statuses := make([]string, 0, len(recent))
	var roiSum float64
	for _, r := range recent {
		statuses = append(statuses, r.Status)
		roiSum += r.ROI
	}
	avgROI := 0.0
	if len(recent) > 0 {
		avgROI = roiSum / float64(len(recent))
	}

	return mustJSON(map[string]any{
		"id":          uuid.NewString(),
		"name":        fmt.Sprintf("summary-%d", in.Iteration),
		"type":        TypeSummary,
		"statuses":    statuses,
		"avgROI":      avgROI,
		"generatedAt": in.Timestamp.UnixMilli(),
	})
}

// mustJSON marshals template bodies. The maps above only hold JSON-safe
// values, so a marshal failure is a programming error.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("artifact body marshal failed: %v", err))
	}
	return string(data)
}
