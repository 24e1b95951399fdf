// Package extract turns conversation turns and document chunks into
// candidate graph nodes and edges.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/chunking"
	"github.com/rmkernel/rmk/internal/jsonx"
)

// MaxPromptInputLength caps text that reaches a prompt.
const MaxPromptInputLength = 5000

var (
	chitchatPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(hi|hello|hey|yo|sup)[\s!.?]*$`),
		regexp.MustCompile(`(?i)^(bye|goodbye|see you|later|cya)[\s!.?]*$`),
		regexp.MustCompile(`(?i)^(thanks|thank you|thx|ty)[\s!.?]*$`),
		regexp.MustCompile(`(?i)^(ok|okay|sure|yes|no|yep|nope)[\s!.?]*$`),
		regexp.MustCompile(`(?i)^(good|great|nice|cool|awesome)[\s!.?]*$`),
		regexp.MustCompile(`(?i)^(how are you|what's up|how's it going)[\s!.?]*$`),
		regexp.MustCompile(`(?i)^(lol|haha|hehe|xd)[\s!.?]*$`),
		regexp.MustCompile(`^[\s.!?]+$`),
	}

	injectionPatterns = []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		{regexp.MustCompile(`(?i)(ignore|forget|disregard)\s+(all|previous|the|above|all\s+previous)\s+(instructions?|commands?|directives?|orders?|rules?|constraints?)`), "[REDACTED INSTRUCTION OVERRIDE]"},
		{regexp.MustCompile(`(?i)(override|bypass|circumvent)\s+(instructions?|commands?|rules?|security|constraints?)`), "[REDACTED OVERRIDE ATTEMPT]"},
		{regexp.MustCompile(`(?i)(you are|act as|pretend to be|simulate|roleplay as|become)\s+(a\s+)?(admin|administrator|root|god|superuser|developer|owner|system)`), "[REDACTED ROLE CHANGE]"},
		{regexp.MustCompile(`(?i)(system|assistant|ai|model):\s*`), "[REDACTED ROLE PREFIX]"},
		{regexp.MustCompile(`(?i)(show|tell|reveal|display|output|print|write|dump|export)\s+(your|the|system)\s+(prompt|instructions?|commands?|rules?|guidelines?|configuration|setup)`), "[REDACTED PROMPT LEAKAGE]"},
		{regexp.MustCompile("(?i)(base64|rot13|caesar|cipher|encode|decode)\\s*"), "[REDACTED ENCODING]"},
		{regexp.MustCompile(`(?i)(output|return|respond)\s+(only|just|nothing but|as)\s+(json|xml|yaml|html|code|script)`), "[REDACTED FORMAT OVERRIDE]"},
		{regexp.MustCompile("(?i)(`{3}[ \t]*(json|xml|python|javascript|bash|shell)|\"{3}[ \t]*(json|xml|python|javascript))"), "[REDACTED DELIMITER]"},
	}

	consecutiveNewlines = regexp.MustCompile(`\n{3,}`)
	excessWhitespace    = regexp.MustCompile(` {5,}`)
)

// Entity is one extracted candidate node.
type Entity struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// Relation is one extracted candidate edge between entities by name.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Result is the output of one extraction call.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations,omitempty"`
}

// Stats reports how a document was processed across the three tiers.
type Stats struct {
	Chunks        int `json:"chunks"`
	Tier1Entities int `json:"tier1_entities"`
	Tier2Reps     int `json:"tier2_reps"`
	Tier3LLMCalls int `json:"tier3_llm_calls"`
}

// Config tunes document-mode extraction.
type Config struct {
	// RepresentativeEvery selects one chunk in N for the LLM pass.
	RepresentativeEvery int
	// LLMBudget caps LLM calls per document.
	LLMBudget int
}

// DefaultConfig matches the standard ingestion tuning.
func DefaultConfig() Config {
	return Config{RepresentativeEvery: 5, LLMBudget: 10}
}

// Service performs extraction. LLM failures degrade to empty results and a
// log line; they never stop ingestion.
type Service struct {
	llm    ai.LLM
	cfg    Config
	logger *zap.Logger
}

// New creates the extractor.
func New(llm ai.LLM, cfg Config, logger *zap.Logger) *Service {
	if cfg.RepresentativeEvery <= 0 {
		cfg.RepresentativeEvery = 5
	}
	if cfg.LLMBudget <= 0 {
		cfg.LLMBudget = 10
	}
	return &Service{llm: llm, cfg: cfg, logger: logger.Named("extract")}
}

// ExtractTurn extracts entities and relations from one conversation turn.
// Chitchat is skipped without an LLM call.
func (s *Service) ExtractTurn(ctx context.Context, userQuery, aiResponse string) (*Result, error) {
	if IsChitchat(userQuery) {
		s.logger.Debug("skipping chitchat", zap.String("query", truncate(userQuery, 30)))
		return &Result{}, nil
	}

	// SECURITY: user text goes into a prompt; redact injection attempts
	// before it does.
	safeQuery := Sanitize(userQuery)
	safeResponse := Sanitize(aiResponse)
	if len(safeQuery) < len(userQuery)/2 {
		s.logger.Warn("input heavily sanitized, possible injection attempt",
			zap.Int("original_len", len(userQuery)),
			zap.Int("sanitized_len", len(safeQuery)))
	}

	raw, err := s.llm.CompleteJSON(ctx, buildTurnPrompt(safeQuery, safeResponse))
	if err != nil {
		s.logger.Warn("turn extraction LLM call failed", zap.Error(err))
		return &Result{}, nil
	}
	return parseResult(raw), nil
}

// ExtractDocument runs the tiered document pipeline:
// tier 1 scans every chunk with pattern rules, tier 2 picks representative
// chunks, tier 3 sends those to the LLM under a hard call budget.
func (s *Service) ExtractDocument(ctx context.Context, chunks []chunking.Chunk) (*Result, Stats, error) {
	stats := Stats{Chunks: len(chunks)}
	merged := &Result{}
	seen := map[string]bool{}

	add := func(r *Result) {
		for _, e := range r.Entities {
			key := strings.ToLower(e.Name) + "|" + e.Kind
			if e.Name == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged.Entities = append(merged.Entities, e)
		}
		merged.Relations = append(merged.Relations, r.Relations...)
	}

	// Tier 1: cheap pattern extraction over every chunk.
	for _, c := range chunks {
		r := patternExtract(c.Text)
		stats.Tier1Entities += len(r.Entities)
		add(r)
	}

	// Tier 2: every Nth chunk represents its neighborhood.
	var reps []chunking.Chunk
	for i, c := range chunks {
		if i%s.cfg.RepresentativeEvery == 0 {
			reps = append(reps, c)
		}
	}
	stats.Tier2Reps = len(reps)

	// Tier 3: LLM extraction on representatives, budget-capped.
	for _, c := range reps {
		if stats.Tier3LLMCalls >= s.cfg.LLMBudget {
			break
		}
		if IsChitchat(c.Text) {
			continue
		}
		raw, err := s.llm.CompleteJSON(ctx, buildChunkPrompt(Sanitize(c.Text)))
		stats.Tier3LLMCalls++
		if err != nil {
			s.logger.Warn("document extraction LLM call failed",
				zap.Int("chunk_offset", c.StartOffset),
				zap.Error(err))
			continue
		}
		add(parseResult(raw))
	}

	s.logger.Info("document extracted",
		zap.Int("chunks", stats.Chunks),
		zap.Int("entities", len(merged.Entities)),
		zap.Int("llm_calls", stats.Tier3LLMCalls))
	return merged, stats, nil
}

func buildTurnPrompt(userQuery, aiResponse string) string {
	return fmt.Sprintf(`Extract entities and relations from this conversation. Return a JSON object.

EXAMPLES:
User: "My favorite dessert is gulab jamun"
AI: "That sounds delicious."
Output: {"entities": [{"name": "Gulab Jamun", "kind": "Preference", "description": "User's favorite dessert", "tags": ["food", "dessert", "favorite"]}], "relations": []}

User: "My sister Emma lives in Boston"
AI: "I've noted that about Emma."
Output: {"entities": [{"name": "Emma", "kind": "Entity", "description": "User's sister", "tags": ["family", "sister"]}, {"name": "Boston", "kind": "Entity", "description": "Where Emma lives", "tags": ["city", "location"]}], "relations": [{"from": "Emma", "to": "Boston", "kind": "works_at"}]}

User: "The weather is nice today"
AI: "Yes it is."
Output: {"entities": [], "relations": []}

Valid kinds: Entity, Fact, Event, Preference. Valid relation kinds: related_to, family_member, has_manager, works_at, likes, part_of.

NOW EXTRACT FROM:
User: "%s"
AI: "%s"

Output JSON object:`, userQuery, aiResponse)
}

func buildChunkPrompt(text string) string {
	return fmt.Sprintf(`Extract the important entities and facts from this document excerpt. Return a JSON object with "entities" and "relations" arrays.

Entity format: {"name": "...", "kind": "Entity|Fact|Event|Preference", "description": "...", "tags": [...]}
Relation format: {"from": "entity name", "to": "entity name", "kind": "related_to|part_of|works_at"}

Ignore boilerplate and filler. Extract at most 10 entities.

EXCERPT:
"""
%s
"""

Output JSON object:`, text)
}

// properNoun matches runs of capitalized words ("Ada Lovelace", "New York").
var (
	properNoun     = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,3}\b`)
	emailPattern   = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	urlPattern     = regexp.MustCompile(`https?://[^\s"'<>]+`)
	moneyPattern   = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
	percentPattern = regexp.MustCompile(`\d+(?:\.\d+)?%`)
	datePattern    = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
)

// patternExtract is the tier-1 extractor: no model, just patterns. It keeps
// recurring proper nouns plus emails, URLs, monetary amounts, percentages,
// and dates.
func patternExtract(text string) *Result {
	r := &Result{}
	counts := map[string]int{}
	for _, m := range properNoun.FindAllString(text, -1) {
		counts[m]++
	}
	for name, n := range counts {
		// A single mention is usually sentence-initial noise.
		if n < 2 || len(name) < 4 {
			continue
		}
		r.Entities = append(r.Entities, Entity{
			Name: name,
			Kind: "Entity",
			Tags: []string{"document"},
		})
	}
	for _, m := range emailPattern.FindAllString(text, -1) {
		r.Entities = append(r.Entities, Entity{
			Name: m, Kind: "Entity", Description: "email address", Tags: []string{"contact"},
		})
	}
	for _, m := range urlPattern.FindAllString(text, -1) {
		r.Entities = append(r.Entities, Entity{
			Name: strings.TrimRight(m, ".,);"), Kind: "Entity", Description: "referenced link", Tags: []string{"link"},
		})
	}
	for _, m := range moneyPattern.FindAllString(text, -1) {
		r.Entities = append(r.Entities, Entity{
			Name: m, Kind: "Fact", Description: "monetary amount", Tags: []string{"metric"},
		})
	}
	for _, m := range percentPattern.FindAllString(text, -1) {
		r.Entities = append(r.Entities, Entity{
			Name: m, Kind: "Fact", Description: "percentage", Tags: []string{"metric"},
		})
	}
	for _, m := range datePattern.FindAllString(text, -1) {
		r.Entities = append(r.Entities, Entity{
			Name: m, Kind: "Fact", Description: "date", Tags: []string{"date"},
		})
	}
	return r
}

// IsChitchat reports whether text carries nothing worth extracting.
func IsChitchat(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 3 {
		return true
	}
	for _, p := range chitchatPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Sanitize prepares untrusted text for inclusion in a prompt: truncation,
// control character removal, injection redaction, delimiter escaping.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	if len(text) > MaxPromptInputLength {
		text = text[:MaxPromptInputLength] + "..."
	}

	var b strings.Builder
	for _, ch := range text {
		if ch == '\n' || ch == '\t' || (ch >= 32 && ch != 127) {
			b.WriteRune(ch)
		}
	}
	text = b.String()

	for _, p := range injectionPatterns {
		text = p.pattern.ReplaceAllString(text, p.replacement)
	}

	text = strings.ReplaceAll(text, `"""`, `\"\"\"`)
	text = strings.ReplaceAll(text, `'''`, `\'\'\'`)
	text = strings.ReplaceAll(text, "```", "\\`\\`\\`")

	text = consecutiveNewlines.ReplaceAllString(text, "\n\n")
	text = excessWhitespace.ReplaceAllString(text, "     ")
	return strings.TrimSpace(text)
}

func parseResult(raw map[string]any) *Result {
	// The model may return the object directly or an array under "items".
	if items, ok := raw["items"]; ok {
		raw = map[string]any{"entities": items}
	}
	payload, err := jsonx.Marshal(raw)
	if err != nil {
		return &Result{}
	}
	var r Result
	if err := jsonx.Unmarshal(payload, &r); err != nil {
		return &Result{}
	}
	kept := r.Entities[:0]
	for _, e := range r.Entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if e.Kind == "" {
			e.Kind = "Entity"
		}
		kept = append(kept, e)
	}
	r.Entities = kept
	return &r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
