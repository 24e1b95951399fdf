package reflection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmkernel/rmk/internal/activation"
	"github.com/rmkernel/rmk/internal/ai/synth"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

const testNS = "user_alice"

// reflectLLM serves insight and summary prompts and counts probe calls.
type reflectLLM struct {
	mu      sync.Mutex
	probes  int
	insight map[string]any
	summary string
	gate    chan struct{}
}

func (l *reflectLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", nil
}

func (l *reflectLLM) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	if strings.Contains(prompt, "non-obvious connection") {
		if l.gate != nil {
			select {
			case <-l.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		l.mu.Lock()
		l.probes++
		l.mu.Unlock()
		return l.insight, nil
	}
	return map[string]any{"summary": l.summary}, nil
}

func (l *reflectLLM) probeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.probes
}

func newEngine(t *testing.T, store graph.Store, llm *reflectLLM, cfg Config) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	act := activation.New(store, activation.DefaultConfig(), logger)
	return New(store, act, synth.New(llm, logger), nil, nil, nil, cfg, logger)
}

func seedNode(t *testing.T, store graph.Store, n *graph.Node) string {
	t.Helper()
	n.Namespace = testNS
	uid, err := store.Upsert(context.Background(), n)
	require.NoError(t, err)
	return uid
}

func TestCycleDecaysOldNodes(t *testing.T) {
	store := graph.NewMemstore()
	llm := &reflectLLM{insight: map[string]any{"has_insight": false}}
	e := newEngine(t, store, llm, DefaultConfig())
	e.Observe(testNS)

	uid := seedNode(t, store, &graph.Node{
		Name:       "Old fact",
		Kind:       graph.KindFact,
		Activation: 0.8,
		CreatedAt:  time.Now().UTC().Add(-10 * 24 * time.Hour),
	})

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Namespaces)
	require.GreaterOrEqual(t, stats.Decayed, 1)

	n, err := store.Get(context.Background(), testNS, uid)
	require.NoError(t, err)
	require.Less(t, n.Activation, 0.8)
}

func TestInsightProbingCreatesNode(t *testing.T) {
	store := graph.NewMemstore()
	llm := &reflectLLM{insight: map[string]any{
		"has_insight":       true,
		"insight_type":      "warning",
		"summary":           "Shellfish allergy conflicts with the dinner plan",
		"action_suggestion": "Pick a different restaurant",
		"confidence":        0.9,
	}}
	e := newEngine(t, store, llm, DefaultConfig())
	e.Observe(testNS)

	a := seedNode(t, store, &graph.Node{Name: "Shellfish allergy", Kind: graph.KindFact, Activation: 0.9})
	b := seedNode(t, store, &graph.Node{Name: "Dinner at the oyster bar", Kind: graph.KindEvent, Activation: 0.8})
	require.NoError(t, store.UpsertEdge(context.Background(), &graph.Edge{
		From: a, To: b, Kind: graph.EdgeRelatedTo, Weight: 0.8,
	}))

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Probes)
	require.Equal(t, 1, stats.Insights)

	insights, err := store.QueryByName(context.Background(), testNS,
		"Shellfish allergy conflicts with the dinner plan", graph.KindInsight)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	require.Equal(t, "warning", insights[0].Attributes["insight_type"])

	edges, err := store.Edges(context.Background(), testNS, insights[0].UID)
	require.NoError(t, err)
	require.Len(t, edges, 2)

	// A second cycle must not re-probe the same pair.
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, llm.probeCount())
}

func TestProbedPairSetStaysBounded(t *testing.T) {
	e := new(Engine)
	for i := 0; i < probedPairCap+100; i++ {
		e.markProbed(testNS, fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))
	}
	require.LessOrEqual(t, len(e.probed), probedPairCap)

	// Marks still register after the reset.
	require.True(t, e.alreadyProbed(testNS,
		fmt.Sprintf("a%d", probedPairCap+99), fmt.Sprintf("b%d", probedPairCap+99)))
}

func TestLowConfidenceInsightDropped(t *testing.T) {
	store := graph.NewMemstore()
	llm := &reflectLLM{insight: map[string]any{
		"has_insight":  true,
		"insight_type": "pattern",
		"summary":      "weak hunch",
		"confidence":   0.2,
	}}
	e := newEngine(t, store, llm, DefaultConfig())
	e.Observe(testNS)

	a := seedNode(t, store, &graph.Node{Name: "A", Kind: graph.KindFact, Activation: 0.9})
	b := seedNode(t, store, &graph.Node{Name: "B", Kind: graph.KindFact, Activation: 0.8})
	require.NoError(t, store.UpsertEdge(context.Background(), &graph.Edge{
		From: a, To: b, Kind: graph.EdgeRelatedTo, Weight: 0.8,
	}))

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Probes)
	require.Zero(t, stats.Insights)
}

func TestSummaryRefresh(t *testing.T) {
	store := graph.NewMemstore()
	llm := &reflectLLM{
		insight: map[string]any{"has_insight": false},
		summary: "The user keeps notes about work and family.",
	}
	cfg := DefaultConfig()
	cfg.SummaryEvery = 1
	e := newEngine(t, store, llm, cfg)
	e.Observe(testNS)

	seedNode(t, store, &graph.Node{Name: "Emma", Kind: graph.KindEntity, Activation: 0.7})
	seedNode(t, store, &graph.Node{Name: "Works at Initech", Kind: graph.KindFact, Activation: 0.6})
	seedNode(t, store, &graph.Node{Name: "Prefers tea", Kind: graph.KindPreference, Activation: 0.5})

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Summaries)

	nodes, err := store.QueryByName(context.Background(), testNS, SummaryNodeName, graph.KindSummary)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "The user keeps notes about work and family.", nodes[0].Description)

	// The refresh updates in place rather than accumulating nodes.
	llm.summary = "Updated view."
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	nodes, err = store.QueryByName(context.Background(), testNS, SummaryNodeName, graph.KindSummary)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "Updated view.", nodes[0].Description)
}

func TestRetentionSweepDeletesExpired(t *testing.T) {
	store := graph.NewMemstore()
	llm := &reflectLLM{insight: map[string]any{"has_insight": false}}
	e := newEngine(t, store, llm, DefaultConfig())
	e.Observe(testNS)

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	expired := seedNode(t, store, &graph.Node{
		Name: "Favorite color (superseded)",
		Kind: graph.KindPreference,
		Tags: []string{"superseded"},
		Attributes: map[string]string{
			"superseded":    "true",
			"superseded_at": old.Format(time.RFC3339),
		},
	})
	fresh := seedNode(t, store, &graph.Node{
		Name: "Favorite food (superseded)",
		Kind: graph.KindPreference,
		Tags: []string{"superseded"},
		Attributes: map[string]string{
			"superseded":    "true",
			"superseded_at": time.Now().UTC().Format(time.RFC3339),
		},
	})

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Swept)

	_, err = store.Get(context.Background(), testNS, expired)
	require.Equal(t, rmkerr.KindNotFound, rmkerr.KindOf(err))
	_, err = store.Get(context.Background(), testNS, fresh)
	require.NoError(t, err)
}

func TestCycleSkipsWhenRunning(t *testing.T) {
	store := graph.NewMemstore()
	gate := make(chan struct{})
	llm := &reflectLLM{gate: gate, insight: map[string]any{"has_insight": false}}
	e := newEngine(t, store, llm, DefaultConfig())
	e.Observe(testNS)

	a := seedNode(t, store, &graph.Node{Name: "A", Kind: graph.KindFact, Activation: 0.9})
	b := seedNode(t, store, &graph.Node{Name: "B", Kind: graph.KindFact, Activation: 0.8})
	require.NoError(t, store.UpsertEdge(context.Background(), &graph.Edge{
		From: a, To: b, Kind: graph.EdgeRelatedTo, Weight: 0.8,
	}))

	firstDone := make(chan CycleStats, 1)
	go func() {
		stats, _ := e.RunCycle(context.Background())
		firstDone <- stats
	}()

	// Wait for the first cycle to block inside the probe.
	require.Eventually(t, func() bool {
		return e.running.Load()
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Namespaces, "overlapping cycle is skipped")

	close(gate)
	first := <-firstDone
	require.Equal(t, 1, first.Namespaces)
}
