package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/rmkernel/rmk/internal/rmkerr"
)

func TestUpsertDeduplicatesByKey(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	id1, err := s.Upsert(ctx, &Node{
		Namespace:   "user_a",
		Name:        "Barack Obama",
		Kind:        KindEntity,
		Description: "44th president",
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same canonical key: case and trailing punctuation differ.
	id2, err := s.Upsert(ctx, &Node{
		Namespace:   "user_a",
		Name:        "barack obama.",
		Kind:        KindEntity,
		Description: "a leader",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected duplicate upsert to return existing id, got %s and %s", id1, id2)
	}

	// Different kind is a different node.
	id3, err := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "Barack Obama", Kind: KindFact})
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if id3 == id1 {
		t.Error("kind must participate in the uniqueness key")
	}
}

func TestUpsertRejectsMissingNamespace(t *testing.T) {
	s := NewMemstore()
	_, err := s.Upsert(context.Background(), &Node{Name: "x", Kind: KindFact})
	if !errors.Is(err, rmkerr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestGetScopedByNamespace(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	id, err := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "secret", Kind: KindFact})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, "user_b", id); !errors.Is(err, rmkerr.ErrNotFound) {
		t.Errorf("cross-namespace get must report NotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "user_a", id); err != nil {
		t.Errorf("in-namespace get failed: %v", err)
	}
}

func TestExpandWeightsAndFanout(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	u, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "U", Kind: KindEntity})
	alice, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "Alice", Kind: KindEntity})
	bob, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "Bob", Kind: KindEntity})

	if err := s.UpsertEdge(ctx, &Edge{From: u, To: alice, Kind: EdgeFamilyMember, Weight: 0.95}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(ctx, &Edge{From: u, To: bob, Kind: EdgeHasManager, Weight: 0.8}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Expand(ctx, "user_a", []string{u}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Nodes) != 3 {
		t.Fatalf("expected 3 nodes in subgraph, got %d", len(sub.Nodes))
	}
	weights := make(map[string]float64)
	for _, e := range sub.Edges {
		weights[e.To] = e.EffectiveWeight()
	}
	if weights[alice] != 0.95 || weights[bob] != 0.8 {
		t.Errorf("edge weights not preserved: %v", weights)
	}
}

func TestExpandDoesNotCrossNamespaces(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	a, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "a", Kind: KindEntity})
	// A node in another namespace, linked directly.
	b, _ := s.Upsert(ctx, &Node{Namespace: "user_b", Name: "b", Kind: KindEntity})
	_ = s.UpsertEdge(ctx, &Edge{From: a, To: b, Kind: EdgeRelatedTo, Weight: 1.0})

	sub, err := s.Expand(ctx, "user_a", []string{a}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sub.Nodes[b]; ok {
		t.Error("expand leaked a node from another namespace")
	}
}

func TestExpandFanoutCap(t *testing.T) {
	s := NewMemstore()
	s.ExpandFanoutCap = 5
	ctx := context.Background()

	root, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "root", Kind: KindEntity})
	for i := 0; i < 20; i++ {
		id, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: string(rune('a' + i)), Kind: KindEntity})
		_ = s.UpsertEdge(ctx, &Edge{From: root, To: id, Kind: EdgeRelatedTo, Weight: 0.5})
	}

	sub, err := s.Expand(ctx, "user_a", []string{root}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Root plus at most 5 neighbors.
	if len(sub.Nodes) > 6 {
		t.Errorf("fan-out cap not enforced: %d nodes", len(sub.Nodes))
	}
}

func TestOrderByActivation(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	for i, act := range []float64{0.2, 0.9, 0.5} {
		_, err := s.Upsert(ctx, &Node{
			Namespace:  "user_a",
			Name:       string(rune('a' + i)),
			Kind:       KindFact,
			Activation: act,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	nodes, err := s.OrderBy(ctx, "user_a", "activation", true, 2, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].Activation != 0.9 || nodes[1].Activation != 0.5 {
		t.Errorf("unexpected order: %+v", nodes)
	}
}

func TestBatchWriteAppliesAllOps(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	err := s.BatchWrite(ctx, "user_a", []Op{
		{Kind: OpUpsertNode, Node: &Node{Namespace: "user_a", Name: "n1", Kind: KindFact}},
		{Kind: OpUpsertNode, Node: &Node{Namespace: "user_a", Name: "n2", Kind: KindFact}},
	})
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := s.OrderBy(ctx, "user_a", "created_at", false, 10, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(nodes))
	}
}

func TestBatchWriteIsAllOrNothing(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	// A dangling edge must reject the whole batch, including the node
	// upsert that precedes it.
	err := s.BatchWrite(ctx, "user_a", []Op{
		{Kind: OpUpsertNode, Node: &Node{Namespace: "user_a", Name: "alice", Kind: KindEntity}},
		{Kind: OpUpsertEdge, Edge: &Edge{From: "no-such", To: "missing", Kind: EdgeRelatedTo, Weight: 0.5}},
	})
	if !errors.Is(err, rmkerr.ErrStoreReject) {
		t.Fatalf("expected StoreReject, got %v", err)
	}
	nodes, err := s.QueryByName(ctx, "user_a", "alice", KindEntity)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Error("failed batch must leave the store untouched")
	}

	// Same for a delete of a node that does not exist.
	err = s.BatchWrite(ctx, "user_a", []Op{
		{Kind: OpUpsertNode, Node: &Node{Namespace: "user_a", Name: "bob", Kind: KindEntity}},
		{Kind: OpDeleteNode, ID: "no-such"},
	})
	if !errors.Is(err, rmkerr.ErrStoreReject) {
		t.Fatalf("expected StoreReject, got %v", err)
	}
	if nodes, _ := s.QueryByName(ctx, "user_a", "bob", KindEntity); len(nodes) != 0 {
		t.Error("failed batch must leave the store untouched")
	}
}

func TestBatchWriteEdgeToNodeInSameBatch(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()

	// Edges may reference nodes upserted earlier in the same batch when
	// the caller fixes their UIDs.
	err := s.BatchWrite(ctx, "user_a", []Op{
		{Kind: OpUpsertNode, Node: &Node{UID: "a", Namespace: "user_a", Name: "a", Kind: KindEntity}},
		{Kind: OpUpsertNode, Node: &Node{UID: "b", Namespace: "user_a", Name: "b", Kind: KindEntity}},
		{Kind: OpUpsertEdge, Edge: &Edge{From: "a", To: "b", Kind: EdgeRelatedTo, Weight: 1.0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	edges, err := s.Edges(ctx, "user_a", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].To != "b" {
		t.Errorf("expected edge a->b, got %+v", edges)
	}

	// An edge after a delete of its endpoint is rejected.
	err = s.BatchWrite(ctx, "user_a", []Op{
		{Kind: OpDeleteNode, ID: "b"},
		{Kind: OpUpsertEdge, Edge: &Edge{From: "a", To: "b", Kind: EdgeRelatedTo, Weight: 1.0}},
	})
	if !errors.Is(err, rmkerr.ErrStoreReject) {
		t.Fatalf("expected StoreReject, got %v", err)
	}
	if _, err := s.Get(ctx, "user_a", "b"); err != nil {
		t.Error("failed batch must not delete the node")
	}
}

func TestEdgeWeightValidation(t *testing.T) {
	s := NewMemstore()
	ctx := context.Background()
	a, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "a", Kind: KindEntity})
	b, _ := s.Upsert(ctx, &Node{Namespace: "user_a", Name: "b", Kind: KindEntity})

	for _, w := range []float64{0, -0.1, 1.5} {
		err := s.UpsertEdge(ctx, &Edge{From: a, To: b, Kind: EdgeRelatedTo, Weight: w})
		if !errors.Is(err, rmkerr.ErrStoreReject) {
			t.Errorf("weight %v: expected StoreReject, got %v", w, err)
		}
	}
}

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"  Barack   Obama. ": "barack obama",
		"HELLO!":             "hello",
		"a,b":                "a,b",
	}
	for in, want := range cases {
		if got := CanonicalName(in); got != want {
			t.Errorf("CanonicalName(%q) = %q, want %q", in, got, want)
		}
	}
}
