package reflection

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
)

// SummaryNodeName is the fixed name of the per-namespace summary node, so
// refreshes update in place.
const SummaryNodeName = "Memory summary"

// probeInsights evaluates pairs of highly active nodes for non-obvious
// connections and materializes the hits as Insight nodes. Returns the
// number of probes issued and insights created.
func (e *Engine) probeInsights(ctx context.Context, namespace string) (int, int) {
	nodes, err := e.store.OrderBy(ctx, namespace, "activation", true, e.cfg.ProbeTopN, graph.Filter{
		ExcludeSuperseded: true,
	})
	if err != nil {
		e.logger.Warn("probe scan failed", zap.String("namespace", namespace), zap.Error(err))
		return 0, 0
	}

	// Derived nodes never seed new probes.
	kept := nodes[:0]
	for _, n := range nodes {
		if n.Kind == graph.KindInsight || n.Kind == graph.KindSummary {
			continue
		}
		kept = append(kept, n)
	}
	nodes = kept
	if len(nodes) < 2 {
		return 0, 0
	}

	neighbors := make(map[string]map[string]bool, len(nodes))
	for _, n := range nodes {
		edges, err := e.store.Edges(ctx, namespace, n.UID)
		if err != nil {
			continue
		}
		set := make(map[string]bool, len(edges))
		for _, edge := range edges {
			set[edge.To] = true
		}
		neighbors[n.UID] = set
	}

	probes, insights := 0, 0
	for i := 0; i < len(nodes) && probes < e.cfg.ProbePairCap; i++ {
		for j := i + 1; j < len(nodes) && probes < e.cfg.ProbePairCap; j++ {
			a, b := nodes[i], nodes[j]
			connected := neighbors[a.UID][b.UID] || neighbors[b.UID][a.UID]
			if !connected && !shareNeighbor(neighbors[a.UID], neighbors[b.UID]) {
				continue
			}
			if e.alreadyProbed(namespace, a.UID, b.UID) {
				continue
			}
			e.markProbed(namespace, a.UID, b.UID)

			probes++
			ins, err := e.synth.EvaluateConnection(ctx, a, b, connected)
			if err != nil || !ins.HasInsight || ins.Confidence < e.cfg.MinInsightConfidence {
				continue
			}
			if e.storeInsight(ctx, namespace, a, b, ins.Type, ins.Summary, ins.ActionSuggestion, ins.Confidence) {
				insights++
			}
		}
	}
	return probes, insights
}

// storeInsight persists one probe hit and links it to both parents.
func (e *Engine) storeInsight(ctx context.Context, namespace string, a, b *graph.Node, insightType, summary, action string, confidence float64) bool {
	node := &graph.Node{
		Name:        summary,
		Kind:        graph.KindInsight,
		Description: action,
		Tags:        []string{"insight", insightType},
		Namespace:   namespace,
		Attributes: map[string]string{
			"insight_type": insightType,
			"confidence":   strconv.FormatFloat(confidence, 'f', 2, 64),
			"source_a":     a.UID,
			"source_b":     b.UID,
		},
	}
	uid, err := e.store.Upsert(ctx, node)
	if err != nil {
		e.logger.Warn("insight upsert failed", zap.Error(err))
		return false
	}

	weight := confidence
	if weight <= 0 || weight > 1 {
		weight = graph.DefaultEdgeWeight
	}
	for _, parent := range []string{a.UID, b.UID} {
		if err := e.store.UpsertEdge(ctx, &graph.Edge{
			From:   uid,
			To:     parent,
			Kind:   graph.EdgeRelatedTo,
			Weight: weight,
		}); err != nil {
			e.logger.Debug("insight link failed", zap.Error(err))
		}
	}

	e.indexNode(ctx, namespace, uid)
	e.logger.Info("insight stored",
		zap.String("namespace", namespace),
		zap.String("type", insightType),
		zap.String("summary", summary))
	return true
}

// refreshSummary rebuilds the namespace's rolling summary node.
func (e *Engine) refreshSummary(ctx context.Context, namespace string) bool {
	nodes, err := e.store.OrderBy(ctx, namespace, "activation", true, 20, graph.Filter{
		ExcludeSuperseded: true,
	})
	if err != nil {
		e.logger.Warn("summary scan failed", zap.String("namespace", namespace), zap.Error(err))
		return false
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if n.Kind == graph.KindSummary {
			continue
		}
		kept = append(kept, n)
	}
	nodes = kept
	if len(nodes) < 3 {
		return false
	}

	text, err := e.synth.Summarize(ctx, nodes)
	if err != nil {
		e.logger.Debug("summarization failed", zap.String("namespace", namespace), zap.Error(err))
		return false
	}

	uid, err := e.store.Upsert(ctx, &graph.Node{
		Name:        SummaryNodeName,
		Kind:        graph.KindSummary,
		Description: text,
		Tags:        []string{"summary"},
		Namespace:   namespace,
	})
	if err != nil {
		e.logger.Warn("summary upsert failed", zap.Error(err))
		return false
	}
	e.indexNode(ctx, namespace, uid)
	return true
}

// indexNode refreshes the search indexes for a freshly written node.
func (e *Engine) indexNode(ctx context.Context, namespace, uid string) {
	node, err := e.store.Get(ctx, namespace, uid)
	if err != nil {
		return
	}
	if e.fulltext != nil {
		if err := e.fulltext.IndexNode(ctx, node); err != nil {
			e.logger.Debug("fulltext index failed", zap.String("uid", uid), zap.Error(err))
		}
	}
	if e.vectors != nil && e.embedder != nil {
		text := node.Name
		if node.Description != "" {
			text += ": " + node.Description
		}
		vec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return
		}
		if err := e.vectors.Add(ctx, namespace, uid, vec); err != nil {
			e.logger.Debug("vector index failed", zap.String("uid", uid), zap.Error(err))
		}
	}
}

func (e *Engine) alreadyProbed(namespace, a, b string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.probed == nil {
		return false
	}
	return e.probed[pairKey(namespace, a, b)]
}

// probedPairCap bounds the remembered pair set. When full it is reset
// wholesale: a few pairs get probed again, the set never grows unbounded.
const probedPairCap = 65536

func (e *Engine) markProbed(namespace, a, b string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.probed == nil || len(e.probed) >= probedPairCap {
		e.probed = make(map[string]bool)
	}
	e.probed[pairKey(namespace, a, b)] = true
}

func pairKey(namespace, a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("%s|%s|%s", namespace, ids[0], ids[1])
}

func shareNeighbor(a, b map[string]bool) bool {
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}
