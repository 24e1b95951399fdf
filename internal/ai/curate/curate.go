// Package curate reconciles extracted drafts with the existing graph:
// dedup by vector similarity, merges, and contradiction resolution.
package curate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/ai/extract"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/vector"
)

// Config tunes candidate search and merging.
type Config struct {
	// TopK candidates fetched per draft.
	TopK int
	// DedupThreshold is the minimum similarity for a candidate to be
	// considered at all.
	DedupThreshold float64
	// MergeThreshold is the similarity at which a same-kind, name-compatible
	// candidate absorbs the draft.
	MergeThreshold float64
}

// DefaultConfig matches the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{TopK: 5, DedupThreshold: 0.3, MergeThreshold: 0.92}
}

// Outcome summarizes one curation pass.
type Outcome struct {
	Created        int
	Merged         int
	Contradictions int
	// NodeIDs are the nodes written or updated; the coordinator indexes
	// these afterwards.
	NodeIDs []string
}

// Service is the curator. Its LLM calls are advisory: any failure falls
// back to a deterministic rule and never fails the pass.
type Service struct {
	store    graph.Store
	vectors  *vector.Index
	embedder ai.Embedder
	llm      ai.LLM
	cfg      Config
	logger   *zap.Logger
}

// New creates the curator.
func New(store graph.Store, vectors *vector.Index, embedder ai.Embedder, llm ai.LLM, cfg Config, logger *zap.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Service{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		llm:      llm,
		cfg:      cfg,
		logger:   logger.Named("curate"),
	}
}

// Curate reconciles every draft in the result against the namespace.
func (s *Service) Curate(ctx context.Context, namespace string, drafts *extract.Result) (*Outcome, error) {
	out := &Outcome{}
	for _, e := range drafts.Entities {
		id, disposition, err := s.curateOne(ctx, namespace, e)
		if err != nil {
			s.logger.Warn("draft curation failed, skipping",
				zap.String("name", e.Name),
				zap.Error(err))
			continue
		}
		switch disposition {
		case dispCreated:
			out.Created++
		case dispMerged:
			out.Merged++
		case dispContradiction:
			out.Contradictions++
		case dispDropped:
			continue
		}
		if id != "" {
			out.NodeIDs = append(out.NodeIDs, id)
		}
	}

	s.linkRelations(ctx, namespace, drafts.Relations)
	return out, nil
}

type disposition int

const (
	dispCreated disposition = iota
	dispMerged
	dispContradiction
	dispDropped
)

func (s *Service) curateOne(ctx context.Context, namespace string, e extract.Entity) (string, disposition, error) {
	name := strings.TrimSpace(e.Name)
	kind := graph.Kind(e.Kind)
	if !graph.ValidKind(kind) {
		kind = graph.KindEntity
	}

	embedding, err := s.embedder.Embed(ctx, name+": "+e.Description)
	if err != nil {
		s.logger.Warn("draft embedding failed, storing without vector",
			zap.String("name", name), zap.Error(err))
		embedding = nil
	}

	// An exact key match takes priority over similarity candidates.
	existing, err := s.store.QueryByName(ctx, namespace, name, kind)
	if err != nil {
		return "", dispDropped, err
	}
	if len(existing) > 0 {
		return s.reconcileSameKey(ctx, namespace, existing[0], e, embedding)
	}

	if candidate, score := s.bestMergeCandidate(ctx, namespace, name, kind, embedding); candidate != nil {
		id, err := s.mergeInto(ctx, namespace, candidate, e, score)
		return id, dispMerged, err
	}

	node := &graph.Node{
		Name:        name,
		Kind:        kind,
		Description: e.Description,
		Tags:        e.Tags,
		Namespace:   namespace,
		Activation:  graph.DefaultActivation,
		Embedding:   embedding,
	}
	id, err := s.store.Upsert(ctx, node)
	if err != nil {
		return "", dispDropped, err
	}
	return id, dispCreated, nil
}

// reconcileSameKey handles a draft whose (name, kind) already exists:
// identical or vacuous descriptions fold in silently, conflicting ones go
// through the contradiction resolver.
func (s *Service) reconcileSameKey(ctx context.Context, namespace string, existing *graph.Node, e extract.Entity, embedding []float32) (string, disposition, error) {
	newDesc := strings.TrimSpace(e.Description)
	oldDesc := strings.TrimSpace(existing.Description)

	if newDesc == "" || strings.EqualFold(newDesc, oldDesc) {
		existing.Tags = unionTags(existing.Tags, e.Tags)
		if len(existing.Embedding) == 0 {
			existing.Embedding = embedding
		}
		id, err := s.store.Upsert(ctx, existing)
		return id, dispMerged, err
	}

	keepNew := s.resolveContradiction(ctx, existing, newDesc)
	if !keepNew {
		return "", dispDropped, nil
	}

	// Retain the displaced fact for audit until the retention sweep.
	retained := &graph.Node{
		Name:        fmt.Sprintf("%s (superseded %s)", existing.Name, time.Now().UTC().Format("20060102T150405")),
		Kind:        existing.Kind,
		Description: oldDesc,
		Tags:        append(unionTags(existing.Tags, nil), "superseded"),
		Namespace:   namespace,
		Attributes:  map[string]string{},
	}
	retained.MarkSuperseded("contradicted by newer fact")
	retainedID, err := s.store.Upsert(ctx, retained)
	if err != nil {
		return "", dispDropped, err
	}

	existing.Description = newDesc
	existing.Tags = unionTags(existing.Tags, e.Tags)
	if embedding != nil {
		existing.Embedding = embedding
	}
	id, err := s.store.Upsert(ctx, existing)
	if err != nil {
		return "", dispDropped, err
	}
	if err := s.store.UpsertEdge(ctx, &graph.Edge{
		From:   id,
		To:     retainedID,
		Kind:   graph.EdgeSupersedes,
		Weight: 1.0,
		Attributes: map[string]string{
			"reason": "contradiction",
		},
	}); err != nil {
		s.logger.Warn("supersession edge write failed", zap.Error(err))
	}
	return id, dispContradiction, nil
}

// resolveContradiction asks the LLM which description should remain
// current. On abstention or failure the newer fact wins.
func (s *Service) resolveContradiction(ctx context.Context, existing *graph.Node, newDesc string) bool {
	prompt := fmt.Sprintf(`Two facts share the name %q. Decide which should remain current.

Fact A (stored %s): %s
Fact B (new): %s

Return JSON: {"keep": "A"|"B"|"abstain", "reason": "..."}`,
		existing.Name,
		existing.CreatedAt.Format("2006-01-02"),
		existing.Description,
		newDesc)

	raw, err := s.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		s.logger.Debug("contradiction resolver unavailable, newer fact wins", zap.Error(err))
		return true
	}
	switch keep, _ := raw["keep"].(string); strings.ToUpper(keep) {
	case "A":
		return false
	case "B":
		return true
	default:
		return true
	}
}

// bestMergeCandidate returns the highest-scoring stored node the draft can
// merge into, or nil.
func (s *Service) bestMergeCandidate(ctx context.Context, namespace, name string, kind graph.Kind, embedding []float32) (*graph.Node, float64) {
	if embedding == nil || s.vectors == nil {
		return nil, 0
	}
	hits, err := s.vectors.Search(ctx, namespace, embedding, s.cfg.TopK, s.cfg.DedupThreshold)
	if err != nil {
		s.logger.Debug("candidate search failed", zap.Error(err))
		return nil, 0
	}
	canonical := graph.CanonicalName(name)
	for _, h := range hits {
		if h.Score < s.cfg.MergeThreshold {
			continue
		}
		node, err := s.store.Get(ctx, namespace, h.ID)
		if err != nil || node.Kind != kind || node.Superseded() {
			continue
		}
		if namesCompatible(canonical, graph.CanonicalName(node.Name)) {
			return node, h.Score
		}
	}
	return nil, 0
}

// mergeInto folds the draft into the winning candidate.
func (s *Service) mergeInto(ctx context.Context, namespace string, winner *graph.Node, e extract.Entity, score float64) (string, error) {
	winner.Tags = unionTags(winner.Tags, e.Tags)
	if len(e.Description) > len(winner.Description) {
		winner.Description = e.Description
	}
	if winner.Attributes == nil {
		winner.Attributes = map[string]string{}
	}
	winner.Attributes["merge_count"] = fmt.Sprintf("%d", mergeCount(winner)+1)

	id, err := s.store.Upsert(ctx, winner)
	if err != nil {
		return "", err
	}
	s.logger.Debug("draft merged",
		zap.String("winner", winner.Name),
		zap.Float64("similarity", score))
	return id, nil
}

// linkRelations writes extracted edges between nodes resolved by name. A
// relation whose endpoints are not both present is skipped.
func (s *Service) linkRelations(ctx context.Context, namespace string, relations []extract.Relation) {
	for _, r := range relations {
		kind := graph.EdgeKind(r.Kind)
		if !validRelation(kind) {
			kind = graph.EdgeRelatedTo
		}
		from := s.resolveByName(ctx, namespace, r.From)
		to := s.resolveByName(ctx, namespace, r.To)
		if from == "" || to == "" || from == to {
			continue
		}
		if err := s.store.UpsertEdge(ctx, &graph.Edge{
			From:   from,
			To:     to,
			Kind:   kind,
			Weight: graph.DefaultEdgeWeight,
		}); err != nil {
			s.logger.Debug("relation write failed",
				zap.String("from", r.From),
				zap.String("to", r.To),
				zap.Error(err))
		}
	}
}

func (s *Service) resolveByName(ctx context.Context, namespace, name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	for _, kind := range []graph.Kind{graph.KindEntity, graph.KindFact, graph.KindPreference, graph.KindEvent} {
		nodes, err := s.store.QueryByName(ctx, namespace, name, kind)
		if err == nil && len(nodes) > 0 {
			return nodes[0].UID
		}
	}
	return ""
}

func validRelation(k graph.EdgeKind) bool {
	for _, allowed := range graph.SpreadEdgeKinds {
		if k == allowed {
			return true
		}
	}
	return false
}

// namesCompatible reports whether one canonical name equals, prefixes, or
// suffixes the other at a word boundary ("emma" vs "emma watson").
func namesCompatible(a, b string) bool {
	if a == b {
		return true
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	return strings.HasPrefix(longer, shorter+" ") || strings.HasSuffix(longer, " "+shorter)
}

func unionTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func mergeCount(n *graph.Node) int {
	if n.Attributes == nil {
		return 0
	}
	var c int
	fmt.Sscanf(n.Attributes["merge_count"], "%d", &c)
	return c
}
