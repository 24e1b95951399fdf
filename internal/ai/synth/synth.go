// Package synth renders retrieved facts into an answer brief and evaluates
// candidate insight connections for the reflection loop.
package synth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Brief is a synthesized answer.
type Brief struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Insight is the outcome of probing one node pair.
type Insight struct {
	HasInsight       bool    `json:"has_insight"`
	Type             string  `json:"insight_type"`
	Summary          string  `json:"summary"`
	ActionSuggestion string  `json:"action_suggestion"`
	Confidence       float64 `json:"confidence"`
}

// InsightTypes are the admissible classifications.
var InsightTypes = map[string]bool{
	"warning":     true,
	"opportunity": true,
	"dependency":  true,
	"pattern":     true,
}

// Service wraps the LLM for synthesis. Unlike extraction, synthesis
// failures surface to the caller, which degrades to raw facts.
type Service struct {
	llm    ai.LLM
	logger *zap.Logger
}

// New creates the synthesizer.
func New(llm ai.LLM, logger *zap.Logger) *Service {
	return &Service{llm: llm, logger: logger.Named("synth")}
}

// Synthesize renders the ranked facts into a brief answering the query.
func (s *Service) Synthesize(ctx context.Context, query string, facts []*graph.Node, insights []string) (*Brief, error) {
	prompt := buildSynthesisPrompt(query, FormatFacts(facts), formatList(insights, 5))

	raw, err := s.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}
	answer, _ := raw["brief"].(string)
	if answer == "" {
		return nil, rmkerr.New(rmkerr.KindLLMUnavailable, "synthesis returned no brief")
	}
	confidence := 0.5
	if c, ok := raw["confidence"].(float64); ok && c >= 0 && c <= 1 {
		confidence = c
	}
	return &Brief{Answer: answer, Confidence: confidence}, nil
}

// EvaluateConnection asks whether two nodes form a meaningful, non-obvious
// insight. Failures report no insight.
func (s *Service) EvaluateConnection(ctx context.Context, a, b *graph.Node, connected bool) (*Insight, error) {
	prompt := fmt.Sprintf(`Analyze whether these two pieces of information have a meaningful, non-obvious connection.

Item 1: %s (%s)
Description: %s

Item 2: %s (%s)
Description: %s

Already connected in the graph: %t

Look for:
1. Potential conflicts (allergies vs food preferences)
2. Hidden dependencies
3. Causal relationships
4. Temporal patterns

Return JSON:
{"has_insight": true/false, "insight_type": "warning|opportunity|dependency|pattern", "summary": "...", "action_suggestion": "...", "confidence": 0.0-1.0}`,
		a.Name, a.Kind, a.Description,
		b.Name, b.Kind, b.Description,
		connected)

	raw, err := s.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		s.logger.Debug("insight evaluation failed", zap.Error(err))
		return &Insight{}, nil
	}

	ins := &Insight{}
	ins.HasInsight, _ = raw["has_insight"].(bool)
	ins.Type, _ = raw["insight_type"].(string)
	ins.Summary, _ = raw["summary"].(string)
	ins.ActionSuggestion, _ = raw["action_suggestion"].(string)
	if c, ok := raw["confidence"].(float64); ok {
		ins.Confidence = c
	}
	if ins.HasInsight && !InsightTypes[ins.Type] {
		ins.Type = "pattern"
	}
	return ins, nil
}

// Summarize produces a short narrative over the namespace's most active
// nodes for the periodic Summary refresh.
func (s *Service) Summarize(ctx context.Context, nodes []*graph.Node) (string, error) {
	prompt := fmt.Sprintf(`Summarize what these memory entries say about their owner in 3-5 sentences. Plain prose, no preamble.

%s

Return JSON: {"summary": "..."}`, FormatFacts(nodes))

	raw, err := s.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		return "", err
	}
	summary, _ := raw["summary"].(string)
	if summary == "" {
		return "", rmkerr.New(rmkerr.KindLLMUnavailable, "summarization returned nothing")
	}
	return summary, nil
}

// FormatFacts renders nodes as a bulleted fact list for prompts and for
// degraded-mode answers.
func FormatFacts(nodes []*graph.Node) string {
	if len(nodes) == 0 {
		return "No facts stored."
	}
	var b strings.Builder
	for i, n := range nodes {
		if i >= 10 {
			break
		}
		b.WriteString("- ")
		b.WriteString(n.Name)
		if n.Description != "" {
			b.WriteString(": ")
			b.WriteString(n.Description)
		} else if n.Kind != "" {
			fmt.Fprintf(&b, " (%s)", n.Kind)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatList(items []string, max int) string {
	if len(items) == 0 {
		return "None."
	}
	if len(items) > max {
		items = items[:max]
	}
	return "- " + strings.Join(items, "\n- ")
}

func buildSynthesisPrompt(query, facts, insights string) string {
	return fmt.Sprintf(`You are a memory retrieval system. Your ONLY job is to answer the query using the KNOWN FACTS below.

RULES:
1. If facts are provided, use them to answer.
2. Quote the facts directly.
3. If no facts match the query, say "I don't have that stored yet."

Query: %s

=== KNOWN FACTS ===
%s

=== INSIGHTS ===
%s

Return JSON: {"brief": "your answer using the facts", "confidence": 0.0-1.0}`,
		query, facts, insights)
}
