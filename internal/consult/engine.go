// Package consult answers queries from the memory graph: seed retrieval,
// spreading activation, policy filtering, ranking, and synthesis.
package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmkernel/rmk/internal/activation"
	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/ai/synth"
	"github.com/rmkernel/rmk/internal/cache"
	"github.com/rmkernel/rmk/internal/fulltext"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/policy"
	"github.com/rmkernel/rmk/internal/vector"
)

// Config tunes retrieval.
type Config struct {
	FullTextLimit   int
	RecencyLimit    int
	VectorLimit     int
	RecallThreshold float64
	SpreadGamma     float64
	SpreadDepth     int
	TopK            int
}

// DefaultConfig matches the standard tuning.
func DefaultConfig() Config {
	return Config{
		FullTextLimit:   30,
		RecencyLimit:    30,
		VectorLimit:     20,
		RecallThreshold: 0.1,
		SpreadGamma:     0.5,
		SpreadDepth:     2,
		TopK:            10,
	}
}

// Request is one consultation.
type Request struct {
	Principal      string
	Groups         []string
	Namespace      string
	Query          string
	ConversationID string
}

// Fact is one retrieved memory in the response.
type Fact struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Response is the consultation result. Partial marks a deadline that fired
// before synthesis; Degraded marks a synthesis failure answered with raw
// facts at confidence zero.
type Response struct {
	Answer       string   `json:"answer"`
	Confidence   float64  `json:"confidence"`
	RetrievedIDs []string `json:"retrieved_ids"`
	Facts        []Fact   `json:"facts,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	Degraded     bool     `json:"degraded,omitempty"`
	Cached       bool     `json:"cached,omitempty"`
}

// Engine runs the consultation pipeline.
type Engine struct {
	store      graph.Store
	fulltext   *fulltext.Index
	vectors    *vector.Index
	embedder   ai.Embedder
	llm        ai.LLM
	synth      *synth.Service
	policies   *policy.Engine
	activation *activation.Engine
	briefs     *cache.Tiered
	expansions *lru.Cache[string, []string]
	cfg        Config
	logger     *zap.Logger
	boosts     sync.WaitGroup
}

// New wires the engine. briefs may be nil to disable response caching.
func New(
	store graph.Store,
	ft *fulltext.Index,
	vectors *vector.Index,
	embedder ai.Embedder,
	llm ai.LLM,
	synthesizer *synth.Service,
	policies *policy.Engine,
	act *activation.Engine,
	briefs *cache.Tiered,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.TopK <= 0 {
		cfg = DefaultConfig()
	}
	expansions, _ := lru.New[string, []string](1024)
	return &Engine{
		store:      store,
		fulltext:   ft,
		vectors:    vectors,
		embedder:   embedder,
		llm:        llm,
		synth:      synthesizer,
		policies:   policies,
		activation: act,
		briefs:     briefs,
		expansions: expansions,
		cfg:        cfg,
		logger:     logger.Named("consult"),
	}
}

// Close waits for in-flight boost writes. Call on shutdown.
func (e *Engine) Close() {
	e.boosts.Wait()
}

// Consult runs the full pipeline for one query.
func (e *Engine) Consult(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return &Response{Answer: "I don't have that stored yet.", Confidence: 0}, nil
	}

	cacheKey := cache.BriefKey(req.Namespace, req.Principal+"|"+req.Query)
	if e.briefs != nil {
		if data, ok := e.briefs.Get(ctx, cacheKey); ok {
			var resp Response
			if err := jsonx.Unmarshal(data, &resp); err == nil {
				resp.Cached = true
				return &resp, nil
			}
		}
	}

	terms := e.expandQuery(ctx, req.Query)

	seeds, sims := e.seedRetrieval(ctx, req.Namespace, req.Query, terms)
	if len(seeds) == 0 {
		return &Response{Answer: "I don't have that stored yet.", Confidence: 0}, nil
	}

	spread := e.spreadActivation(ctx, req.Namespace, seeds)

	candidates := e.policyFilter(ctx, req, seeds, spread, sims)
	ranked := e.activation.Rank(candidates)
	if len(ranked) > e.cfg.TopK {
		ranked = ranked[:e.cfg.TopK]
	}

	ids := make([]string, 0, len(ranked))
	nodes := make([]*graph.Node, 0, len(ranked))
	facts := make([]Fact, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.Node.UID)
		nodes = append(nodes, c.Node)
		facts = append(facts, Fact{
			ID:          c.Node.UID,
			Name:        c.Node.Name,
			Kind:        string(c.Node.Kind),
			Description: c.Node.Description,
			Attributes:  c.Node.Attributes,
		})
	}

	// Boost is best-effort and never blocks the response.
	e.boosts.Add(1)
	go func(ids []string) {
		defer e.boosts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.activation.Boost(ctx, req.Namespace, ids); err != nil {
			e.logger.Debug("async boost failed", zap.Error(err))
		}
	}(append([]string(nil), ids...))

	// Deadline already fired: skip synthesis, return assembled context.
	if ctx.Err() != nil {
		return &Response{
			Answer:       synth.FormatFacts(nodes),
			Confidence:   0,
			RetrievedIDs: ids,
			Facts:        facts,
			Partial:      true,
		}, nil
	}

	brief, err := e.synth.Synthesize(ctx, req.Query, nodes, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return &Response{
				Answer:       synth.FormatFacts(nodes),
				Confidence:   0,
				RetrievedIDs: ids,
				Facts:        facts,
				Partial:      true,
			}, nil
		}
		e.logger.Warn("synthesis failed, degrading to raw facts", zap.Error(err))
		return &Response{
			Answer:       synth.FormatFacts(nodes),
			Confidence:   0,
			RetrievedIDs: ids,
			Facts:        facts,
			Degraded:     true,
		}, nil
	}

	resp := &Response{
		Answer:       brief.Answer,
		Confidence:   brief.Confidence,
		RetrievedIDs: ids,
		Facts:        facts,
	}
	if e.briefs != nil {
		if data, err := jsonx.Marshal(resp); err == nil {
			e.briefs.Set(ctx, cacheKey, data)
		}
	}
	return resp, nil
}

// expandQuery asks the LLM for search terms, falling back to whitespace
// tokens of three or more characters. Expansions are LRU-cached so repeated
// queries skip the LLM round trip.
func (e *Engine) expandQuery(ctx context.Context, query string) []string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if terms, ok := e.expansions.Get(normalized); ok {
		return terms
	}

	prompt := fmt.Sprintf(`Produce search terms for a memory lookup. Return JSON:
{"search_terms": ["..."], "entity_names": ["..."]}

Query: %q`, query)

	raw, err := e.llm.CompleteJSON(ctx, prompt)
	if err == nil {
		var terms []string
		for _, key := range []string{"search_terms", "entity_names"} {
			if arr, ok := raw[key].([]any); ok {
				for _, v := range arr {
					if s, ok := v.(string); ok && len(s) >= 3 {
						terms = append(terms, s)
					}
				}
			}
		}
		if len(terms) > 0 {
			terms = dedupeStrings(terms)
			e.expansions.Add(normalized, terms)
			return terms
		}
	} else {
		e.logger.Debug("query expansion failed, tokenizing", zap.Error(err))
	}

	var terms []string
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, ".,!?\"'")
		if len(tok) >= 3 {
			terms = append(terms, tok)
		}
	}
	return dedupeStrings(terms)
}

// seedRetrieval runs the three seed queries in parallel and unions the
// results. Individual legs may fail without sinking the request.
func (e *Engine) seedRetrieval(ctx context.Context, namespace, query string, terms []string) (map[string]*graph.Node, map[string]float64) {
	var (
		ftHits  []fulltext.Hit
		recent  []*graph.Node
		vecHits []vector.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.fulltext.Search(gctx, namespace, terms, e.cfg.FullTextLimit)
		if err != nil {
			e.logger.Debug("fulltext seed failed", zap.Error(err))
			return nil
		}
		ftHits = hits
		return nil
	})
	g.Go(func() error {
		nodes, err := e.store.OrderBy(gctx, namespace, "created_at", true, e.cfg.RecencyLimit, graph.Filter{
			ExcludeSuperseded: true,
		})
		if err != nil {
			e.logger.Debug("recency seed failed", zap.Error(err))
			return nil
		}
		recent = nodes
		return nil
	})
	g.Go(func() error {
		vec, err := e.embedder.Embed(gctx, query)
		if err != nil {
			e.logger.Debug("query embedding failed", zap.Error(err))
			return nil
		}
		hits, err := e.vectors.Search(gctx, namespace, vec, e.cfg.VectorLimit, e.cfg.RecallThreshold)
		if err != nil {
			e.logger.Debug("vector seed failed", zap.Error(err))
			return nil
		}
		vecHits = hits
		return nil
	})
	_ = g.Wait()

	seeds := make(map[string]*graph.Node)
	sims := make(map[string]float64)

	addID := func(id string) {
		if _, ok := seeds[id]; ok {
			return
		}
		node, err := e.store.Get(ctx, namespace, id)
		if err != nil || node.Superseded() {
			return
		}
		seeds[id] = node
	}

	for _, h := range ftHits {
		addID(h.UID)
	}
	for _, n := range recent {
		if _, ok := seeds[n.UID]; !ok && !n.Superseded() {
			seeds[n.UID] = n
		}
	}
	for _, h := range vecHits {
		addID(h.ID)
		if h.Score > sims[h.ID] {
			sims[h.ID] = h.Score
		}
	}
	return seeds, sims
}

// spreadActivation propagates seed activation along data edges, depth
// bounded, contributions additive and capped at 1.0.
func (e *Engine) spreadActivation(ctx context.Context, namespace string, seeds map[string]*graph.Node) map[string]float64 {
	seedIDs := make([]string, 0, len(seeds))
	for id := range seeds {
		seedIDs = append(seedIDs, id)
	}
	sub, err := e.store.Expand(ctx, namespace, seedIDs, e.cfg.SpreadDepth, graph.SpreadEdgeKinds)
	if err != nil {
		e.logger.Debug("expand failed, skipping spread", zap.Error(err))
		return nil
	}

	out := make(map[string][]graph.Edge)
	for _, edge := range sub.Edges {
		out[edge.From] = append(out[edge.From], edge)
	}

	spread := make(map[string]float64)
	type frontier struct {
		id     string
		energy float64
	}
	current := make([]frontier, 0, len(seeds))
	for id, n := range seeds {
		current = append(current, frontier{id: id, energy: n.Activation})
	}

	visited := map[string]bool{}
	for id := range seeds {
		visited[id] = true
	}

	for depth := 0; depth < e.cfg.SpreadDepth && len(current) > 0; depth++ {
		var next []frontier
		nextSeen := map[string]bool{}
		for _, f := range current {
			for _, edge := range out[f.id] {
				if visited[edge.To] {
					continue
				}
				contribution := f.energy * edge.EffectiveWeight() * e.cfg.SpreadGamma
				if contribution <= 0 {
					continue
				}
				spread[edge.To] = minFloat(spread[edge.To]+contribution, 1.0)
				if !nextSeen[edge.To] {
					next = append(next, frontier{id: edge.To, energy: contribution})
					nextSeen[edge.To] = true
				}
			}
		}
		for _, f := range next {
			visited[f.id] = true
		}
		current = next
	}

	// Reached nodes join the candidate pool through the subgraph.
	for id := range spread {
		if _, ok := seeds[id]; ok {
			continue
		}
		if n, ok := sub.Nodes[id]; ok && !n.Superseded() {
			seeds[id] = n
		}
	}
	return spread
}

// policyFilter keeps candidates the principal may read. A failed check
// drops only that candidate.
func (e *Engine) policyFilter(ctx context.Context, req Request, seeds map[string]*graph.Node, spread map[string]float64, sims map[string]float64) []activation.Candidate {
	candidates := make([]activation.Candidate, 0, len(seeds))
	for id, node := range seeds {
		dec := e.policies.Check(ctx, policy.Request{
			Principal: req.Principal,
			Groups:    req.Groups,
			Action:    "read",
			Resource:  "node:" + id,
			Namespace: req.Namespace,
		})
		if !dec.Allow {
			continue
		}
		candidates = append(candidates, activation.Candidate{
			Node:       node,
			Similarity: sims[id],
			Spread:     spread[id],
		})
	}
	return candidates
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
