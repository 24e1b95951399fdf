package graph

import (
	"context"
	"time"

	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Filter narrows OrderBy scans. Zero values mean no constraint.
type Filter struct {
	Kind Kind
	// Tag requires the node to carry the tag.
	Tag string
	// ExcludeSuperseded drops nodes marked superseded.
	ExcludeSuperseded bool
	// LastAccessedBefore keeps only nodes whose last_accessed precedes
	// the instant. Used by the decay sweep.
	LastAccessedBefore time.Time
}

// OpKind discriminates batch write operations.
type OpKind int

const (
	OpUpsertNode OpKind = iota
	OpUpsertEdge
	OpDeleteNode
)

// Op is one element of an atomic batch write.
type Op struct {
	Kind OpKind
	Node *Node
	Edge *Edge
	// ID names the target of OpDeleteNode.
	ID string
}

// Store is the graph store adapter. Implementations must be safe for
// concurrent use, must scope every read and write by namespace, and must
// reject empty namespaces with InvalidInput before touching the backend.
type Store interface {
	// Upsert inserts or updates a node keyed by (namespace, name, kind).
	// Inserting a duplicate returns the existing node's id with the
	// fields merged in.
	Upsert(ctx context.Context, n *Node) (string, error)

	// UpsertEdge creates or replaces the (from, to, kind) edge with the
	// given weight facet. Weight outside (0,1] is rejected; pass
	// DefaultEdgeWeight when no facet is intended.
	UpsertEdge(ctx context.Context, e *Edge) error

	// Get returns the node by id, scoped to namespace.
	Get(ctx context.Context, namespace, id string) (*Node, error)

	// QueryByName returns nodes with the canonicalized name, optionally
	// narrowed by kind (empty Kind matches all).
	QueryByName(ctx context.Context, namespace, name string, kind Kind) ([]*Node, error)

	// FullText matches terms against name and description, ordered by
	// activation descending.
	FullText(ctx context.Context, namespace string, terms []string, limit int) ([]*Node, error)

	// Expand walks out-edges from the seeds to the given depth,
	// restricted to edgeKinds (nil means SpreadEdgeKinds). Fan-out is
	// bounded per hop and nodes are deduplicated across hops.
	Expand(ctx context.Context, namespace string, seedIDs []string, depth int, edgeKinds []EdgeKind) (*Subgraph, error)

	// OrderBy returns up to limit nodes sorted by field ("activation",
	// "created_at", "last_accessed"), applying the filter.
	OrderBy(ctx context.Context, namespace, field string, desc bool, limit int, f Filter) ([]*Node, error)

	// Edges returns the out-edges of a node.
	Edges(ctx context.Context, namespace, id string) ([]Edge, error)

	// Delete removes a node and its edges.
	Delete(ctx context.Context, namespace, id string) error

	// BatchWrite applies ops atomically: either all ops land or none do.
	BatchWrite(ctx context.Context, namespace string, ops []Op) error

	// Close releases the backend connection.
	Close() error
}

// retryBackoff is the transient-failure schedule. After the last attempt
// the error surfaces as StoreUnavailable.
var retryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// withRetry runs fn up to len(retryBackoff) attempts. StoreReject and the
// caller's context canceling are not retried.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i, backoff := range retryBackoff {
		err = fn()
		if err == nil {
			return nil
		}
		if rmkerr.KindOf(err) == rmkerr.KindStoreReject {
			return err
		}
		if i == len(retryBackoff)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return rmkerr.Wrap(rmkerr.KindStoreUnavailable, "store call canceled", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return rmkerr.Wrap(rmkerr.KindStoreUnavailable, "store retries exhausted", err)
}

// requireNamespace guards every adapter entry point.
func requireNamespace(namespace string) error {
	if namespace == "" {
		return rmkerr.New(rmkerr.KindInvalidInput, "namespace is required")
	}
	return nil
}

// validEdgeWeight checks the facet range (0,1].
func validEdgeWeight(w float64) bool {
	return w > 0 && w <= 1
}
