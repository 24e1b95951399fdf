// Package visiontree builds a hierarchical vector tree over document
// chunks: k-means groups the current layer, each cluster is pooled into a
// parent vector, and the process recurses until a single root remains.
package visiontree

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
)

// Node is one entry in the tree. Leaves carry the chunk text; internal
// nodes carry only the pooled vector.
type Node struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	ChildIDs []string  `json:"child_ids,omitempty"`
	Depth    int       `json:"depth"`
	LeafText string    `json:"leaf_text,omitempty"`
	// LeafCount is the number of leaves under this node.
	LeafCount int `json:"leaf_count,omitempty"`
}

// IsLeaf reports whether the node is a chunk leaf.
func (n *Node) IsLeaf() bool { return len(n.ChildIDs) == 0 }

// Chunk is an embedded document chunk, the input to Build.
type Chunk struct {
	Text      string
	Embedding []float32
}

// Tree is the built index: all nodes keyed by id plus the root id.
type Tree struct {
	Nodes  map[string]*Node `json:"nodes"`
	RootID string           `json:"root_id"`
}

// Config tunes the builder.
type Config struct {
	// Branching is the target children per parent; k = ceil(n/Branching).
	Branching int
	// MaxIterations caps the k-means refinement loop.
	MaxIterations int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{Branching: 10, MaxIterations: 50}
}

// Builder constructs vector trees. Construction is deterministic: the same
// chunks in the same order always produce the same tree, ids included.
type Builder struct {
	cfg    Config
	logger *zap.Logger
}

// NewBuilder creates a builder.
func NewBuilder(cfg Config, logger *zap.Logger) *Builder {
	if cfg.Branching <= 1 {
		cfg.Branching = 10
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	return &Builder{cfg: cfg, logger: logger.Named("visiontree")}
}

// Build assembles the tree bottom-up from embedded chunks.
func (b *Builder) Build(chunks []Chunk) *Tree {
	tree := &Tree{Nodes: make(map[string]*Node)}
	if len(chunks) == 0 {
		return tree
	}

	layer := make([]*Node, 0, len(chunks))
	for i, chunk := range chunks {
		node := &Node{
			ID:        fmt.Sprintf("leaf-%d", i),
			Vector:    chunk.Embedding,
			Depth:     0,
			LeafText:  chunk.Text,
			LeafCount: 1,
		}
		tree.Nodes[node.ID] = node
		layer = append(layer, node)
	}

	depth := 0
	for len(layer) > 1 {
		depth++
		layer = b.buildLayer(layer, depth)
		for _, node := range layer {
			tree.Nodes[node.ID] = node
		}
		b.logger.Debug("layer built", zap.Int("depth", depth), zap.Int("nodes", len(layer)))
	}

	tree.RootID = layer[0].ID
	return tree
}

// buildLayer clusters one layer and pools each cluster into a parent.
func (b *Builder) buildLayer(nodes []*Node, depth int) []*Node {
	k := (len(nodes) + b.cfg.Branching - 1) / b.cfg.Branching
	if k < 1 {
		k = 1
	}

	assignments := b.cluster(nodes, k)

	groups := make([][]*Node, k)
	for i, node := range nodes {
		c := assignments[i]
		groups[c] = append(groups[c], node)
	}

	parents := make([]*Node, 0, k)
	for c, group := range groups {
		if len(group) == 0 {
			continue
		}
		vectors := make([][]float32, len(group))
		childIDs := make([]string, len(group))
		leafCount := 0
		for i, child := range group {
			vectors[i] = child.Vector
			childIDs[i] = child.ID
			leafCount += child.LeafCount
		}
		parents = append(parents, &Node{
			ID:        fmt.Sprintf("d%d-%d", depth, c),
			Vector:    meanPool(vectors),
			ChildIDs:  childIDs,
			Depth:     depth,
			LeafCount: leafCount,
		})
	}
	return parents
}

// cluster runs k-means over the layer. Centroids seed at even spacing and
// ties resolve to the lowest cluster index, so the assignment is a pure
// function of the input order.
func (b *Builder) cluster(nodes []*Node, k int) []int {
	n := len(nodes)
	if n <= k {
		assignments := make([]int, n)
		for i := range assignments {
			assignments[i] = i
		}
		return assignments
	}

	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), nodes[i*n/k].Vector...)
	}

	assignments := make([]int, n)
	for iter := 0; iter < b.cfg.MaxIterations; iter++ {
		changed := false
		for i, node := range nodes {
			best, bestDist := 0, math.MaxFloat64
			for c := 0; c < k; c++ {
				if d := cosineDistance(node.Vector, centroids[c]); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		dim := len(nodes[0].Vector)
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, node := range nodes {
			c := assignments[i]
			counts[c]++
			for j, v := range node.Vector {
				sums[c][j] += float64(v)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
		}
	}
	return assignments
}

// Search descends the tree toward the query and returns the best leaves.
func (t *Tree) Search(query []float32, topK int) []*Node {
	if t.RootID == "" || topK <= 0 {
		return nil
	}

	type scored struct {
		node *Node
		sim  float64
	}
	var leaves []scored

	var walk func(*Node)
	walk = func(node *Node) {
		if node.IsLeaf() {
			leaves = append(leaves, scored{node: node, sim: cosineSimilarity(query, node.Vector)})
			return
		}
		// Order children by similarity and descend the closest half,
		// at least two, to bound the walk without losing recall.
		children := make([]scored, 0, len(node.ChildIDs))
		for _, id := range node.ChildIDs {
			if child, ok := t.Nodes[id]; ok {
				children = append(children, scored{node: child, sim: cosineSimilarity(query, child.Vector)})
			}
		}
		sort.SliceStable(children, func(i, j int) bool {
			if children[i].sim != children[j].sim {
				return children[i].sim > children[j].sim
			}
			return children[i].node.ID < children[j].node.ID
		})
		keep := (len(children) + 1) / 2
		if keep < 2 {
			keep = min(2, len(children))
		}
		for _, c := range children[:keep] {
			walk(c.node)
		}
	}
	walk(t.Nodes[t.RootID])

	sort.SliceStable(leaves, func(i, j int) bool {
		if leaves[i].sim != leaves[j].sim {
			return leaves[i].sim > leaves[j].sim
		}
		return leaves[i].node.ID < leaves[j].node.ID
	})
	if topK > len(leaves) {
		topK = len(leaves)
	}
	out := make([]*Node, topK)
	for i := 0; i < topK; i++ {
		out[i] = leaves[i].node
	}
	return out
}

// Depth returns the root depth, or -1 for an empty tree.
func (t *Tree) Depth() int {
	root, ok := t.Nodes[t.RootID]
	if !ok {
		return -1
	}
	return root.Depth
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
