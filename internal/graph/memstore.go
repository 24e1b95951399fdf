package graph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Memstore is the process-local Store used by tests and single-binary dev
// mode. It implements the same semantics as the Dgraph adapter: uniqueness
// on (namespace, canonical name, kind), weighted edges, bounded expand.
type Memstore struct {
	mu    sync.RWMutex
	nodes map[string]*Node            // id -> node
	byKey map[string]string           // namespace|canonicalName|kind -> id
	out   map[string]map[string]*Edge // fromID -> "to|kind" -> edge

	// ExpandFanoutCap bounds nodes added per hop. Defaults to 200.
	ExpandFanoutCap int
}

// NewMemstore returns an empty in-memory store.
func NewMemstore() *Memstore {
	return &Memstore{
		nodes:           make(map[string]*Node),
		byKey:           make(map[string]string),
		out:             make(map[string]map[string]*Edge),
		ExpandFanoutCap: 200,
	}
}

func nodeKey(namespace, name string, kind Kind) string {
	return namespace + "|" + CanonicalName(name) + "|" + string(kind)
}

func edgeKey(to string, kind EdgeKind) string {
	return to + "|" + string(kind)
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Tags = append([]string(nil), n.Tags...)
	if n.Attributes != nil {
		c.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			c.Attributes[k] = v
		}
	}
	c.Embedding = append([]float32(nil), n.Embedding...)
	return &c
}

// Upsert implements Store.
func (m *Memstore) Upsert(ctx context.Context, n *Node) (string, error) {
	if err := requireNamespace(n.Namespace); err != nil {
		return "", err
	}
	if n.Name == "" || !ValidKind(n.Kind) {
		return "", rmkerr.New(rmkerr.KindStoreReject, "node requires name and a valid kind")
	}
	if n.Activation < 0 || n.Activation > 1 {
		return "", rmkerr.New(rmkerr.KindStoreReject, "activation out of range")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(n), nil
}

func (m *Memstore) upsertLocked(n *Node) string {
	now := time.Now().UTC()
	key := nodeKey(n.Namespace, n.Name, n.Kind)

	if id, ok := m.byKey[key]; ok {
		existing := m.nodes[id]
		merged := cloneNode(n)
		merged.UID = id
		merged.CreatedAt = existing.CreatedAt
		merged.UpdatedAt = now
		if merged.Description == "" {
			merged.Description = existing.Description
		}
		if merged.Activation == 0 && existing.Activation != 0 {
			merged.Activation = existing.Activation
		}
		if merged.AccessCount == 0 {
			merged.AccessCount = existing.AccessCount
		}
		if merged.LastAccessed.IsZero() {
			merged.LastAccessed = existing.LastAccessed
		}
		if len(merged.Embedding) == 0 {
			merged.Embedding = existing.Embedding
		}
		m.nodes[id] = merged
		return id
	}

	stored := cloneNode(n)
	if stored.UID == "" {
		stored.UID = uuid.NewString()
	}
	if stored.Activation == 0 {
		stored.Activation = DefaultActivation
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.nodes[stored.UID] = stored
	m.byKey[key] = stored.UID
	return stored.UID
}

// UpsertEdge implements Store.
func (m *Memstore) UpsertEdge(ctx context.Context, e *Edge) error {
	if !validEdgeWeight(e.Weight) {
		return rmkerr.Newf(rmkerr.KindStoreReject, "edge weight out of range: %v", e.Weight)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertEdgeLocked(e)
}

func (m *Memstore) upsertEdgeLocked(e *Edge) error {
	if _, ok := m.nodes[e.From]; !ok {
		return rmkerr.Newf(rmkerr.KindNotFound, "edge source %s not found", e.From)
	}
	if _, ok := m.nodes[e.To]; !ok {
		return rmkerr.Newf(rmkerr.KindNotFound, "edge target %s not found", e.To)
	}
	stored := *e
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if m.out[e.From] == nil {
		m.out[e.From] = make(map[string]*Edge)
	}
	m.out[e.From][edgeKey(e.To, e.Kind)] = &stored
	return nil
}

// Get implements Store.
func (m *Memstore) Get(ctx context.Context, namespace, id string) (*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok || n.Namespace != namespace {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "node %s not found", id)
	}
	return cloneNode(n), nil
}

// QueryByName implements Store.
func (m *Memstore) QueryByName(ctx context.Context, namespace, name string, kind Kind) ([]*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	canonical := CanonicalName(name)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Node
	for _, n := range m.nodes {
		if n.Namespace != namespace {
			continue
		}
		if kind != "" && n.Kind != kind {
			continue
		}
		if CanonicalName(n.Name) == canonical {
			results = append(results, cloneNode(n))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].UID < results[j].UID })
	return results, nil
}

// FullText implements Store with case-insensitive term matching over name
// and description, ordered by activation descending.
func (m *Memstore) FullText(ctx context.Context, namespace string, terms []string, limit int) ([]*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, nil
	}
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Node
	for _, n := range m.nodes {
		if n.Namespace != namespace {
			continue
		}
		haystack := strings.ToLower(n.Name + " " + n.Description)
		for _, t := range lowered {
			if strings.Contains(haystack, t) {
				results = append(results, cloneNode(n))
				break
			}
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Activation != results[j].Activation {
			return results[i].Activation > results[j].Activation
		}
		return results[i].UID < results[j].UID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Expand implements Store: BFS over out-edges with per-hop fan-out cap and
// cross-hop deduplication. Edges leaving the namespace are never followed.
func (m *Memstore) Expand(ctx context.Context, namespace string, seedIDs []string, depth int, edgeKinds []EdgeKind) (*Subgraph, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if edgeKinds == nil {
		edgeKinds = SpreadEdgeKinds
	}
	allowed := make(map[EdgeKind]bool, len(edgeKinds))
	for _, k := range edgeKinds {
		allowed[k] = true
	}
	cap := m.ExpandFanoutCap
	if cap <= 0 {
		cap = 200
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sub := &Subgraph{Nodes: make(map[string]*Node)}
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(seedIDs))
	for _, id := range seedIDs {
		n, ok := m.nodes[id]
		if !ok || n.Namespace != namespace {
			continue
		}
		visited[id] = true
		sub.Nodes[id] = cloneNode(n)
		frontier = append(frontier, id)
	}
	sort.Strings(frontier)

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		added := 0
		for _, from := range frontier {
			edges := make([]*Edge, 0, len(m.out[from]))
			for _, e := range m.out[from] {
				edges = append(edges, e)
			}
			sort.Slice(edges, func(i, j int) bool {
				if edges[i].To != edges[j].To {
					return edges[i].To < edges[j].To
				}
				return edges[i].Kind < edges[j].Kind
			})
			for _, e := range edges {
				if !allowed[e.Kind] {
					continue
				}
				target, ok := m.nodes[e.To]
				if !ok || target.Namespace != namespace {
					continue
				}
				sub.Edges = append(sub.Edges, *e)
				if visited[e.To] {
					continue
				}
				if added >= cap {
					continue
				}
				visited[e.To] = true
				sub.Nodes[e.To] = cloneNode(target)
				next = append(next, e.To)
				added++
			}
		}
		frontier = next
	}
	return sub, nil
}

// OrderBy implements Store.
func (m *Memstore) OrderBy(ctx context.Context, namespace, field string, desc bool, limit int, f Filter) ([]*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	switch field {
	case "activation", "created_at", "last_accessed", "access_count":
	default:
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "unsupported order field %q", field)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Node
	for _, n := range m.nodes {
		if n.Namespace != namespace {
			continue
		}
		if f.Kind != "" && n.Kind != f.Kind {
			continue
		}
		if f.ExcludeSuperseded && n.Superseded() {
			continue
		}
		if f.Tag != "" && !hasTag(n, f.Tag) {
			continue
		}
		if !f.LastAccessedBefore.IsZero() && !n.LastAccessed.Before(f.LastAccessedBefore) {
			continue
		}
		results = append(results, cloneNode(n))
	}

	less := func(i, j *Node) bool {
		switch field {
		case "activation":
			if i.Activation != j.Activation {
				return i.Activation < j.Activation
			}
		case "created_at":
			if !i.CreatedAt.Equal(j.CreatedAt) {
				return i.CreatedAt.Before(j.CreatedAt)
			}
		case "last_accessed":
			if !i.LastAccessed.Equal(j.LastAccessed) {
				return i.LastAccessed.Before(j.LastAccessed)
			}
		case "access_count":
			if i.AccessCount != j.AccessCount {
				return i.AccessCount < j.AccessCount
			}
		}
		return i.UID < j.UID
	}
	sort.Slice(results, func(i, j int) bool {
		if desc {
			return less(results[j], results[i])
		}
		return less(results[i], results[j])
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func hasTag(n *Node, tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Edges implements Store.
func (m *Memstore) Edges(ctx context.Context, namespace, id string) ([]Edge, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok || n.Namespace != namespace {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "node %s not found", id)
	}
	edges := make([]Edge, 0, len(m.out[id]))
	for _, e := range m.out[id] {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Kind < edges[j].Kind
	})
	return edges, nil
}

// Delete implements Store: removes the node and every edge touching it.
func (m *Memstore) Delete(ctx context.Context, namespace, id string) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(namespace, id)
}

func (m *Memstore) deleteLocked(namespace, id string) error {
	n, ok := m.nodes[id]
	if !ok || n.Namespace != namespace {
		return rmkerr.Newf(rmkerr.KindNotFound, "node %s not found", id)
	}
	delete(m.byKey, nodeKey(n.Namespace, n.Name, n.Kind))
	delete(m.nodes, id)
	delete(m.out, id)
	for from, edges := range m.out {
		for key, e := range edges {
			if e.To == id {
				delete(edges, key)
			}
		}
		if len(edges) == 0 {
			delete(m.out, from)
		}
	}
	return nil
}

// BatchWrite implements Store. The single lock makes the batch atomic with
// respect to readers; every op is validated against the state the batch
// would produce before any mutation, so a bad op leaves the store untouched.
func (m *Memstore) BatchWrite(ctx context.Context, namespace string, ops []Op) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// staged tracks node existence as earlier ops in this batch would
	// change it, without touching the real maps.
	staged := make(map[string]bool)
	present := func(id string) bool {
		if will, ok := staged[id]; ok {
			return will
		}
		_, ok := m.nodes[id]
		return ok
	}

	for _, op := range ops {
		switch op.Kind {
		case OpUpsertNode:
			if op.Node == nil || op.Node.Name == "" || !ValidKind(op.Node.Kind) {
				return rmkerr.New(rmkerr.KindStoreReject, "batch upsert requires a node with name and kind")
			}
			if op.Node.Namespace != namespace {
				return rmkerr.New(rmkerr.KindStoreReject, "batch op namespace mismatch")
			}
			uid := op.Node.UID
			if uid == "" {
				uid = m.byKey[nodeKey(namespace, op.Node.Name, op.Node.Kind)]
			}
			if uid != "" {
				staged[uid] = true
			}
		case OpUpsertEdge:
			if op.Edge == nil || !validEdgeWeight(op.Edge.Weight) {
				return rmkerr.New(rmkerr.KindStoreReject, "batch edge requires weight in (0,1]")
			}
			if !present(op.Edge.From) {
				return rmkerr.Newf(rmkerr.KindStoreReject, "batch edge source %s not found", op.Edge.From)
			}
			if !present(op.Edge.To) {
				return rmkerr.Newf(rmkerr.KindStoreReject, "batch edge target %s not found", op.Edge.To)
			}
		case OpDeleteNode:
			if op.ID == "" {
				return rmkerr.New(rmkerr.KindStoreReject, "batch delete requires an id")
			}
			if n, ok := m.nodes[op.ID]; ok && n.Namespace != namespace {
				return rmkerr.Newf(rmkerr.KindStoreReject, "batch delete target %s not found", op.ID)
			}
			if !present(op.ID) {
				return rmkerr.Newf(rmkerr.KindStoreReject, "batch delete target %s not found", op.ID)
			}
			staged[op.ID] = false
		default:
			return rmkerr.Newf(rmkerr.KindStoreReject, "unknown batch op %d", op.Kind)
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpUpsertNode:
			m.upsertLocked(op.Node)
		case OpUpsertEdge:
			if err := m.upsertEdgeLocked(op.Edge); err != nil {
				return err
			}
		case OpDeleteNode:
			if err := m.deleteLocked(namespace, op.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close implements Store.
func (m *Memstore) Close() error { return nil }

var _ Store = (*Memstore)(nil)
