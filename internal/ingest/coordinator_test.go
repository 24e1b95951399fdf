package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmkernel/rmk/internal/ai/curate"
	"github.com/rmkernel/rmk/internal/ai/extract"
	"github.com/rmkernel/rmk/internal/ai/local"
	"github.com/rmkernel/rmk/internal/chunking"
	"github.com/rmkernel/rmk/internal/fulltext"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/rmkerr"
	"github.com/rmkernel/rmk/internal/vector"
	"github.com/rmkernel/rmk/internal/visiontree"
)

const testNS = "user_alice"

// gateLLM returns a canned extraction and can block until released to let
// tests fill the queue.
type gateLLM struct {
	gate     chan struct{}
	response map[string]any
}

func (g *gateLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", nil
}

func (g *gateLLM) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.response, nil
}

func newCoordinator(t *testing.T, cfg Config, llm *gateLLM) (*Coordinator, graph.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := graph.NewMemstore()

	idx, err := vector.New(vector.Config{}, logger)
	require.NoError(t, err)
	ft, err := fulltext.New(fulltext.Config{}, logger)
	require.NoError(t, err)

	embedder := local.NewHashEmbedder(16)
	extractor := extract.New(llm, extract.DefaultConfig(), logger)
	curator := curate.New(store, idx, embedder, llm, curate.DefaultConfig(), logger)

	c := New(cfg, chunking.New(chunking.DefaultConfig()), extractor, curator, store, idx, ft, logger)
	t.Cleanup(c.Close)
	return c, store
}

func turnResponse() map[string]any {
	return map[string]any{
		"entities": []any{
			map[string]any{"name": "Emma", "kind": "Entity", "description": "User's sister"},
		},
		"relations": []any{},
	}
}

func TestIngestConversationTurn(t *testing.T) {
	c, store := newCoordinator(t, DefaultConfig(), &gateLLM{response: turnResponse()})

	job, err := c.IngestSync(context.Background(), Request{
		Kind:       JobConversationTurn,
		Namespace:  testNS,
		UserQuery:  "My sister Emma lives in Boston",
		AIResponse: "Noted.",
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, job.State)
	require.Equal(t, 1, job.Stats.Chunks)
	require.Equal(t, 1, job.Stats.Created)
	require.Equal(t, 1, job.Stats.Indexed)

	nodes, err := store.QueryByName(context.Background(), testNS, "Emma", graph.KindEntity)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestEmptyInputCompletesWithZeroStats(t *testing.T) {
	c, _ := newCoordinator(t, DefaultConfig(), &gateLLM{response: turnResponse()})

	job, err := c.IngestSync(context.Background(), Request{
		Kind:      JobDocumentText,
		Namespace: testNS,
		Text:      "",
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, job.State)
	require.Zero(t, job.Stats.Chunks)
	require.Zero(t, job.Stats.Created)
}

func TestQueueOverflow(t *testing.T) {
	gate := make(chan struct{})
	llm := &gateLLM{gate: gate, response: turnResponse()}
	c, _ := newCoordinator(t, Config{QueueCapacity: 1, Workers: 1}, llm)

	req := Request{
		Kind:       JobConversationTurn,
		Namespace:  testNS,
		UserQuery:  "My sister Emma lives in Boston",
		AIResponse: "Noted.",
	}

	// First job occupies the worker (blocked on the gate).
	first, err := c.Enqueue(req)
	require.NoError(t, err)

	// Give the worker time to pick it up, then fill the queue slot.
	require.Eventually(t, func() bool {
		j, err := c.Get(first.ID)
		return err == nil && j.State != StateNew
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.Enqueue(req)
	require.NoError(t, err)

	// Queue is now full.
	_, err = c.Enqueue(req)
	require.Equal(t, rmkerr.KindOverloaded, rmkerr.KindOf(err))

	close(gate)
}

func TestDocumentIngestion(t *testing.T) {
	c, _ := newCoordinator(t, DefaultConfig(), &gateLLM{response: map[string]any{
		"entities":  []any{},
		"relations": []any{},
	}})

	text := "The Atlas Project shipped its runtime in March. The Atlas Project is maintained by the platform team. " +
		"Contact atlas@example.com for access."
	job, err := c.IngestSync(context.Background(), Request{
		Kind:      JobDocumentText,
		Namespace: testNS,
		Text:      text,
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, job.State)
	require.GreaterOrEqual(t, job.Stats.Chunks, 1)
	// Tier-1 pattern extraction finds the repeated project name and email.
	require.GreaterOrEqual(t, job.Stats.Created, 2)
}

func TestBlobIngestionUsesExtractorHook(t *testing.T) {
	c, store := newCoordinator(t, DefaultConfig(), &gateLLM{response: map[string]any{
		"entities":  []any{},
		"relations": []any{},
	}})
	c.SetBlobExtractor(func(filename string, blob []byte) (string, error) {
		return "Milo Barnes presented the roadmap. Milo Barnes owns delivery.", nil
	})

	job, err := c.IngestSync(context.Background(), Request{
		Kind:      JobDocumentBlob,
		Namespace: testNS,
		Blob:      []byte{0x01, 0x02},
		Filename:  "roadmap.txt",
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, job.State)

	nodes, err := store.QueryByName(context.Background(), testNS, "Milo Barnes", graph.KindEntity)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestDocumentTreeIndexing(t *testing.T) {
	c, _ := newCoordinator(t, DefaultConfig(), &gateLLM{response: map[string]any{
		"entities":  []any{},
		"relations": []any{},
	}})
	c.SetTreeIndexer(local.NewHashEmbedder(16), visiontree.Config{Branching: 2})

	// Enough text for several chunks so the tree has at least one layer.
	text := strings.Repeat("The Atlas Project shipped its runtime in March. The platform team maintains it. ", 40)
	job, err := c.IngestSync(context.Background(), Request{
		Kind:      JobDocumentText,
		Namespace: testNS,
		Text:      text,
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, job.State)
	require.GreaterOrEqual(t, job.Stats.Chunks, 2)
	require.Equal(t, job.Stats.Chunks, job.Stats.TreeLeaves)
	require.GreaterOrEqual(t, job.Stats.TreeDepth, 1)

	tree, ok := c.DocTree(job.ID)
	require.True(t, ok)
	require.NotEmpty(t, tree.RootID)

	// Turn jobs never build a tree.
	turn, err := c.IngestSync(context.Background(), Request{
		Kind:       JobConversationTurn,
		Namespace:  testNS,
		UserQuery:  "My sister Emma lives in Boston",
		AIResponse: "Noted.",
	})
	require.NoError(t, err)
	_, ok = c.DocTree(turn.ID)
	require.False(t, ok)
}

func TestMissingNamespaceRejected(t *testing.T) {
	c, _ := newCoordinator(t, DefaultConfig(), &gateLLM{})
	_, err := c.Enqueue(Request{Kind: JobConversationTurn, UserQuery: "hello there friend"})
	require.Equal(t, rmkerr.KindInvalidInput, rmkerr.KindOf(err))
}
