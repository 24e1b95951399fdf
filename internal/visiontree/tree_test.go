package visiontree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// axisChunk puts the chunk's vector on one of dim axes so cluster
// membership is unambiguous.
func axisChunk(text string, axis, dim int) Chunk {
	vec := make([]float32, dim)
	vec[axis] = 1
	return Chunk{Text: text, Embedding: vec}
}

func TestBuildSingleChunk(t *testing.T) {
	b := NewBuilder(DefaultConfig(), zaptest.NewLogger(t))
	tree := b.Build([]Chunk{axisChunk("only", 0, 4)})
	require.Len(t, tree.Nodes, 1)
	require.Equal(t, "leaf-0", tree.RootID)
	require.Equal(t, 0, tree.Depth())
}

func TestBuildEmptyInput(t *testing.T) {
	b := NewBuilder(DefaultConfig(), zaptest.NewLogger(t))
	tree := b.Build(nil)
	require.Empty(t, tree.Nodes)
	require.Empty(t, tree.RootID)
}

func TestBuildRecursesToSingleRoot(t *testing.T) {
	b := NewBuilder(Config{Branching: 4, MaxIterations: 50}, zaptest.NewLogger(t))

	chunks := make([]Chunk, 32)
	for i := range chunks {
		chunks[i] = axisChunk(fmt.Sprintf("chunk %d", i), i%8, 8)
	}
	tree := b.Build(chunks)

	root, ok := tree.Nodes[tree.RootID]
	require.True(t, ok)
	require.Equal(t, 32, root.LeafCount)
	require.Greater(t, root.Depth, 0)

	// Every non-root node is referenced by exactly one parent.
	referenced := map[string]int{}
	for _, n := range tree.Nodes {
		for _, id := range n.ChildIDs {
			referenced[id]++
		}
	}
	for id := range tree.Nodes {
		if id == tree.RootID {
			require.Zero(t, referenced[id])
			continue
		}
		require.Equal(t, 1, referenced[id], "node %s", id)
	}
}

func TestBuildDeterministic(t *testing.T) {
	chunks := make([]Chunk, 25)
	for i := range chunks {
		chunks[i] = axisChunk(fmt.Sprintf("chunk %d", i), i%5, 5)
	}

	b1 := NewBuilder(DefaultConfig(), zaptest.NewLogger(t))
	b2 := NewBuilder(DefaultConfig(), zaptest.NewLogger(t))
	t1 := b1.Build(chunks)
	t2 := b2.Build(chunks)

	require.Equal(t, t1.RootID, t2.RootID)
	require.Equal(t, len(t1.Nodes), len(t2.Nodes))
	for id, n1 := range t1.Nodes {
		n2, ok := t2.Nodes[id]
		require.True(t, ok, "node %s missing", id)
		require.Equal(t, n1.ChildIDs, n2.ChildIDs)
		require.Equal(t, n1.Vector, n2.Vector)
	}
}

func TestClusterCountCeiling(t *testing.T) {
	b := NewBuilder(Config{Branching: 10, MaxIterations: 50}, zaptest.NewLogger(t))

	chunks := make([]Chunk, 21)
	for i := range chunks {
		chunks[i] = axisChunk(fmt.Sprintf("chunk %d", i), i%3, 3)
	}
	tree := b.Build(chunks)

	// ceil(21/10) = 3 parents at depth 1.
	depth1 := 0
	for _, n := range tree.Nodes {
		if n.Depth == 1 {
			depth1++
		}
	}
	require.Equal(t, 3, depth1)
}

func TestSearchFindsRelevantLeaf(t *testing.T) {
	b := NewBuilder(Config{Branching: 3, MaxIterations: 50}, zaptest.NewLogger(t))

	chunks := make([]Chunk, 12)
	for i := range chunks {
		chunks[i] = axisChunk(fmt.Sprintf("chunk %d", i), i%4, 4)
	}
	tree := b.Build(chunks)

	query := make([]float32, 4)
	query[2] = 1
	hits := tree.Search(query, 3)
	require.Len(t, hits, 3)
	for _, h := range hits {
		require.True(t, h.IsLeaf())
		require.Equal(t, float32(1), h.Vector[2], "hit %s is not on the query axis", h.ID)
	}
}

func TestMeanPoolNormalizes(t *testing.T) {
	out := meanPool([][]float32{{1, 0}, {0, 1}})
	require.InDelta(t, 1.0, float64(out[0]*out[0]+out[1]*out[1]), 1e-5)
	require.InDelta(t, out[0], out[1], 1e-6)
}
