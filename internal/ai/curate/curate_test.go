package curate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmkernel/rmk/internal/ai/extract"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/vector"
)

const testNS = "user_alice"

// fixedEmbedder maps known names to fixed unit vectors so similarity is
// controlled by the test.
type fixedEmbedder struct {
	vectors map[string][]float32
	def     []float32
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	for key, vec := range f.vectors {
		if len(key) > 0 && len(text) >= len(key) && text[:len(key)] == key {
			return vec, nil
		}
	}
	return f.def, nil
}

func (f *fixedEmbedder) Dimension() int { return 4 }

type scriptedLLM struct {
	keep string
	err  error
}

func (s *scriptedLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", s.err
}

func (s *scriptedLLM) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"keep": s.keep}, nil
}

func newCurator(t *testing.T, store graph.Store, emb *fixedEmbedder, llm *scriptedLLM) (*Service, *vector.Index) {
	t.Helper()
	idx, err := vector.New(vector.Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return New(store, idx, emb, llm, DefaultConfig(), zaptest.NewLogger(t)), idx
}

func TestCreateNewNode(t *testing.T) {
	store := graph.NewMemstore()
	emb := &fixedEmbedder{def: []float32{1, 0, 0, 0}}
	svc, _ := newCurator(t, store, emb, &scriptedLLM{})

	out, err := svc.Curate(context.Background(), testNS, &extract.Result{
		Entities: []extract.Entity{
			{Name: "Emma", Kind: "Entity", Description: "User's sister", Tags: []string{"family"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Created)
	require.Len(t, out.NodeIDs, 1)

	nodes, err := store.QueryByName(context.Background(), testNS, "Emma", graph.KindEntity)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, graph.DefaultActivation, nodes[0].Activation)
}

func TestMergeBySimilarity(t *testing.T) {
	store := graph.NewMemstore()
	ctx := context.Background()

	// Stored node and draft share a vector, so similarity is 1.0.
	shared := []float32{0, 1, 0, 0}
	emb := &fixedEmbedder{
		vectors: map[string][]float32{"Emma": shared},
		def:     []float32{1, 0, 0, 0},
	}
	svc, idx := newCurator(t, store, emb, &scriptedLLM{})

	uid, err := store.Upsert(ctx, &graph.Node{
		Name:        "Emma Watson",
		Kind:        graph.KindEntity,
		Description: "Sister",
		Tags:        []string{"family"},
		Namespace:   testNS,
		Embedding:   shared,
	})
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, testNS, uid, shared))

	out, err := svc.Curate(ctx, testNS, &extract.Result{
		Entities: []extract.Entity{
			{Name: "Emma", Kind: "Entity", Description: "User's sister who lives in Boston", Tags: []string{"boston"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Merged)
	require.Equal(t, 0, out.Created)

	merged, err := store.Get(ctx, testNS, uid)
	require.NoError(t, err)
	require.Equal(t, "User's sister who lives in Boston", merged.Description, "longer description wins")
	require.ElementsMatch(t, []string{"family", "boston"}, merged.Tags)
	require.Equal(t, "1", merged.Attributes["merge_count"])
}

func TestNoMergeAcrossKinds(t *testing.T) {
	store := graph.NewMemstore()
	ctx := context.Background()
	shared := []float32{0, 1, 0, 0}
	emb := &fixedEmbedder{
		vectors: map[string][]float32{"Emma": shared},
		def:     []float32{1, 0, 0, 0},
	}
	svc, idx := newCurator(t, store, emb, &scriptedLLM{})

	uid, err := store.Upsert(ctx, &graph.Node{
		Name:      "Emma Watson",
		Kind:      graph.KindPreference,
		Namespace: testNS,
		Embedding: shared,
	})
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, testNS, uid, shared))

	out, err := svc.Curate(ctx, testNS, &extract.Result{
		Entities: []extract.Entity{{Name: "Emma", Kind: "Entity", Description: "sister"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Created, "kind mismatch blocks the merge")
}

func TestContradictionNewerWins(t *testing.T) {
	store := graph.NewMemstore()
	ctx := context.Background()
	emb := &fixedEmbedder{def: []float32{1, 0, 0, 0}}
	// LLM abstains, so the newer fact wins by tie-break.
	svc, _ := newCurator(t, store, emb, &scriptedLLM{keep: "abstain"})

	uid, err := store.Upsert(ctx, &graph.Node{
		Name:        "Favorite color",
		Kind:        graph.KindPreference,
		Description: "blue",
		Namespace:   testNS,
	})
	require.NoError(t, err)

	out, err := svc.Curate(ctx, testNS, &extract.Result{
		Entities: []extract.Entity{
			{Name: "Favorite color", Kind: "Preference", Description: "green"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Contradictions)

	updated, err := store.Get(ctx, testNS, uid)
	require.NoError(t, err)
	require.Equal(t, "green", updated.Description)

	// The displaced fact is retained, superseded, and linked.
	edges, err := store.Edges(ctx, testNS, uid)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, graph.EdgeSupersedes, edges[0].Kind)

	retained, err := store.Get(ctx, testNS, edges[0].To)
	require.NoError(t, err)
	require.True(t, retained.Superseded())
	require.Equal(t, "blue", retained.Description)
}

func TestContradictionExistingWins(t *testing.T) {
	store := graph.NewMemstore()
	ctx := context.Background()
	emb := &fixedEmbedder{def: []float32{1, 0, 0, 0}}
	svc, _ := newCurator(t, store, emb, &scriptedLLM{keep: "A"})

	uid, err := store.Upsert(ctx, &graph.Node{
		Name:        "Favorite color",
		Kind:        graph.KindPreference,
		Description: "blue",
		Namespace:   testNS,
	})
	require.NoError(t, err)

	out, err := svc.Curate(ctx, testNS, &extract.Result{
		Entities: []extract.Entity{
			{Name: "Favorite color", Kind: "Preference", Description: "green"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.Contradictions)
	require.Equal(t, 0, out.Created)

	kept, err := store.Get(ctx, testNS, uid)
	require.NoError(t, err)
	require.Equal(t, "blue", kept.Description)
}

func TestRelationsLinked(t *testing.T) {
	store := graph.NewMemstore()
	ctx := context.Background()
	emb := &fixedEmbedder{def: []float32{1, 0, 0, 0}}
	svc, _ := newCurator(t, store, emb, &scriptedLLM{})

	out, err := svc.Curate(ctx, testNS, &extract.Result{
		Entities: []extract.Entity{
			{Name: "Emma", Kind: "Entity", Description: "sister"},
			{Name: "Boston", Kind: "Entity", Description: "city"},
		},
		Relations: []extract.Relation{
			{From: "Emma", To: "Boston", Kind: "related_to"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, out.Created)

	emma, err := store.QueryByName(ctx, testNS, "Emma", graph.KindEntity)
	require.NoError(t, err)
	edges, err := store.Edges(ctx, testNS, emma[0].UID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, graph.EdgeRelatedTo, edges[0].Kind)
	require.Equal(t, graph.DefaultEdgeWeight, edges[0].Weight)
}

func TestNamesCompatible(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"emma", "emma", true},
		{"emma", "emma watson", true},
		{"watson", "emma watson", true},
		{"emma", "emmaline", false},
		{"bob", "alice", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, namesCompatible(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}
