package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Dgraph is the production Store backed by a Dgraph cluster over gRPC.
type Dgraph struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger

	// fanoutCap bounds Expand per hop.
	fanoutCap int
}

// DgraphConfig holds connection settings for the Dgraph adapter.
type DgraphConfig struct {
	Address        string
	ConnectRetries int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultDgraphConfig returns sensible defaults.
func DefaultDgraphConfig() DgraphConfig {
	return DgraphConfig{
		Address:        "localhost:9080",
		ConnectRetries: 5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// timeoutInterceptor enforces a per-call timeout so a slow store query can
// never block a consultation indefinitely.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewDgraph connects to the cluster and installs the schema.
func NewDgraph(ctx context.Context, cfg DgraphConfig, logger *zap.Logger) (*Dgraph, error) {
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < cfg.ConnectRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("dgraph connect failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindStoreUnavailable,
			fmt.Sprintf("dgraph unreachable after %d attempts", cfg.ConnectRetries), err)
	}

	d := &Dgraph{
		conn:      conn,
		dg:        dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		logger:    logger.Named("dgraph"),
		fanoutCap: 200,
	}
	if err := d.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	d.logger.Info("dgraph store connected", zap.String("address", cfg.Address))
	return d, nil
}

func (d *Dgraph) initSchema(ctx context.Context) error {
	schema := `
		name: string @index(term, exact) .
		canonical_name: string @index(exact) .
		kind: string @index(exact) .
		description: string @index(fulltext) .
		tags: [string] @index(exact) .
		namespace: string @index(exact) .
		activation: float @index(float) .
		access_count: int .
		last_accessed: datetime @index(hour) .
		created_at: datetime @index(hour) .
		updated_at: datetime .
		embedding: float32vector .

		related_to: [uid] @reverse .
		family_member: [uid] @reverse .
		has_manager: [uid] @reverse .
		works_at: [uid] @reverse .
		likes: [uid] @reverse .
		part_of: [uid] @reverse .
		produced_by: [uid] @reverse .
		supersedes: [uid] @reverse .
		has_admin: [uid] @reverse .
		has_member: [uid] @reverse .
	`
	if err := d.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		return rmkerr.Wrap(rmkerr.KindStoreUnavailable, "schema install failed", err)
	}
	return nil
}

// dgraphNode is the wire form of a Node plus the dedup key predicate.
type dgraphNode struct {
	Node
	CanonicalName string `json:"canonical_name,omitempty"`
}

// Upsert implements Store with a Dgraph upsert block keyed on
// (namespace, canonical_name, kind).
func (d *Dgraph) Upsert(ctx context.Context, n *Node) (string, error) {
	if err := requireNamespace(n.Namespace); err != nil {
		return "", err
	}
	if n.Name == "" || !ValidKind(n.Kind) {
		return "", rmkerr.New(rmkerr.KindStoreReject, "node requires name and a valid kind")
	}
	if n.Activation < 0 || n.Activation > 1 {
		return "", rmkerr.New(rmkerr.KindStoreReject, "activation out of range")
	}

	now := time.Now().UTC()
	wire := dgraphNode{Node: *n, CanonicalName: CanonicalName(n.Name)}
	wire.UID = "uid(v)"
	wire.DType = []string{string(n.Kind)}
	wire.UpdatedAt = now
	if wire.Activation == 0 {
		wire.Activation = DefaultActivation
	}
	if wire.CreatedAt.IsZero() {
		wire.CreatedAt = now
	}

	query := fmt.Sprintf(`query {
		v as var(func: eq(canonical_name, %q)) @filter(eq(namespace, %q) AND eq(kind, %q))
	}`, wire.CanonicalName, n.Namespace, string(n.Kind))

	setJSON, err := jsonx.Marshal(wire)
	if err != nil {
		return "", rmkerr.Wrap(rmkerr.KindInternal, "marshal node", err)
	}

	var uid string
	err = withRetry(ctx, func() error {
		txn := d.dg.NewTxn()
		defer txn.Discard(ctx)

		req := &api.Request{
			Query:     query,
			Mutations: []*api.Mutation{{SetJson: setJSON}},
			CommitNow: true,
		}
		resp, err := txn.Do(ctx, req)
		if err != nil {
			return err
		}
		if blank, ok := resp.Uids["uid(v)"]; ok && blank != "" {
			uid = blank
			return nil
		}
		// Existing node matched: resolve its uid.
		return d.lookupUID(ctx, n.Namespace, wire.CanonicalName, n.Kind, &uid)
	})
	if err != nil {
		return "", err
	}
	return uid, nil
}

func (d *Dgraph) lookupUID(ctx context.Context, namespace, canonical string, kind Kind, out *string) error {
	query := fmt.Sprintf(`query {
		q(func: eq(canonical_name, %q), first: 1) @filter(eq(namespace, %q) AND eq(kind, %q)) {
			uid
		}
	}`, canonical, namespace, string(kind))

	resp, err := d.dg.NewReadOnlyTxn().Query(ctx, query)
	if err != nil {
		return err
	}
	var result struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return err
	}
	if len(result.Q) == 0 {
		return rmkerr.New(rmkerr.KindNotFound, "upsert target vanished")
	}
	*out = result.Q[0].UID
	return nil
}

// UpsertEdge implements Store. The weight rides on the edge as a facet.
func (d *Dgraph) UpsertEdge(ctx context.Context, e *Edge) error {
	if !validEdgeWeight(e.Weight) {
		return rmkerr.Newf(rmkerr.KindStoreReject, "edge weight out of range: %v", e.Weight)
	}
	nquad := fmt.Sprintf("<%s> <%s> <%s> (weight=%g) .", e.From, string(e.Kind), e.To, e.Weight)

	return withRetry(ctx, func() error {
		txn := d.dg.NewTxn()
		defer txn.Discard(ctx)
		_, err := txn.Mutate(ctx, &api.Mutation{
			SetNquads: []byte(nquad),
			CommitNow: true,
		})
		return err
	})
}

const nodePredicates = `
	uid
	name
	kind
	description
	tags
	attributes
	namespace
	activation
	access_count
	last_accessed
	created_at
	updated_at
`

// Get implements Store.
func (d *Dgraph) Get(ctx context.Context, namespace, id string) (*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`query Get($id: string) {
		q(func: uid($id)) @filter(eq(namespace, %q)) {%s}
	}`, namespace, nodePredicates)

	var nodes []*Node
	err := withRetry(ctx, func() error {
		resp, err := d.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$id": id})
		if err != nil {
			return err
		}
		return d.decodeNodes(resp.Json, &nodes)
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "node %s not found", id)
	}
	return nodes[0], nil
}

func (d *Dgraph) decodeNodes(data []byte, out *[]*Node) error {
	var result struct {
		Q []*Node `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return rmkerr.Wrap(rmkerr.KindInternal, "decode store response", err)
	}
	*out = result.Q
	return nil
}

// QueryByName implements Store.
func (d *Dgraph) QueryByName(ctx context.Context, namespace, name string, kind Kind) ([]*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("eq(namespace, %q)", namespace)
	if kind != "" {
		filter += fmt.Sprintf(" AND eq(kind, %q)", string(kind))
	}
	query := fmt.Sprintf(`query ByName($name: string) {
		q(func: eq(canonical_name, $name)) @filter(%s) {%s}
	}`, filter, nodePredicates)

	var nodes []*Node
	err := withRetry(ctx, func() error {
		resp, err := d.dg.NewReadOnlyTxn().QueryWithVars(ctx, query,
			map[string]string{"$name": CanonicalName(name)})
		if err != nil {
			return err
		}
		return d.decodeNodes(resp.Json, &nodes)
	})
	return nodes, err
}

// FullText implements Store using the fulltext index on description plus a
// term match on name, ordered by activation descending.
func (d *Dgraph) FullText(ctx context.Context, namespace string, terms []string, limit int) ([]*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 30
	}
	joined := strings.Join(terms, " ")
	query := fmt.Sprintf(`query FullText($terms: string) {
		q(func: anyoftext(description, $terms), orderdesc: activation, first: %d)
			@filter(eq(namespace, %q)) {%s}
		byname(func: anyofterms(name, $terms), orderdesc: activation, first: %d)
			@filter(eq(namespace, %q)) {%s}
	}`, limit, namespace, nodePredicates, limit, namespace, nodePredicates)

	var nodes []*Node
	err := withRetry(ctx, func() error {
		resp, err := d.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$terms": joined})
		if err != nil {
			return err
		}
		var result struct {
			Q      []*Node `json:"q"`
			ByName []*Node `json:"byname"`
		}
		if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
			return rmkerr.Wrap(rmkerr.KindInternal, "decode store response", err)
		}
		seen := make(map[string]bool, len(result.Q))
		nodes = nodes[:0]
		for _, n := range append(result.Q, result.ByName...) {
			if !seen[n.UID] {
				seen[n.UID] = true
				nodes = append(nodes, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// Expand implements Store with one DQL query per hop. Facet weights are
// read along with each edge; hops are capped at fanoutCap nodes.
func (d *Dgraph) Expand(ctx context.Context, namespace string, seedIDs []string, depth int, edgeKinds []EdgeKind) (*Subgraph, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if edgeKinds == nil {
		edgeKinds = SpreadEdgeKinds
	}

	sub := &Subgraph{Nodes: make(map[string]*Node)}
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(seedIDs))
	for _, id := range seedIDs {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	// Seed nodes themselves belong to the subgraph.
	if err := d.fetchInto(ctx, namespace, frontier, sub); err != nil {
		return nil, err
	}

	var edgeBlocks strings.Builder
	for _, k := range edgeKinds {
		fmt.Fprintf(&edgeBlocks, "%s @facets(weight) { uid namespace }\n", string(k))
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		query := fmt.Sprintf(`query Hop($ids: string) {
			q(func: uid($ids)) @filter(eq(namespace, %q)) {
				uid
				%s
			}
		}`, namespace, edgeBlocks.String())

		var raw []byte
		err := withRetry(ctx, func() error {
			resp, err := d.dg.NewReadOnlyTxn().QueryWithVars(ctx, query,
				map[string]string{"$ids": strings.Join(frontier, ",")})
			if err != nil {
				return err
			}
			raw = resp.Json
			return nil
		})
		if err != nil {
			return nil, err
		}

		next, err := d.collectHop(raw, edgeKinds, namespace, visited, sub)
		if err != nil {
			return nil, err
		}
		if err := d.fetchInto(ctx, namespace, next, sub); err != nil {
			return nil, err
		}
		frontier = next
	}
	return sub, nil
}

// collectHop pulls edges and newly reached uids out of one hop response.
func (d *Dgraph) collectHop(raw []byte, edgeKinds []EdgeKind, namespace string, visited map[string]bool, sub *Subgraph) ([]string, error) {
	var result struct {
		Q []map[string]interface{} `json:"q"`
	}
	if err := jsonx.Unmarshal(raw, &result); err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "decode expand response", err)
	}

	var next []string
	added := 0
	for _, nodeObj := range result.Q {
		from, _ := nodeObj["uid"].(string)
		for _, kind := range edgeKinds {
			children, ok := nodeObj[string(kind)].([]interface{})
			if !ok {
				continue
			}
			for _, c := range children {
				child, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				to, _ := child["uid"].(string)
				if to == "" {
					continue
				}
				if ns, _ := child["namespace"].(string); ns != "" && ns != namespace {
					continue
				}
				weight := DefaultEdgeWeight
				if w, ok := child[string(kind)+"|weight"].(float64); ok {
					weight = w
				}
				sub.Edges = append(sub.Edges, Edge{From: from, To: to, Kind: kind, Weight: weight})
				if visited[to] || added >= d.fanoutCap {
					continue
				}
				visited[to] = true
				next = append(next, to)
				added++
			}
		}
	}
	return next, nil
}

// fetchInto loads full node bodies for ids into the subgraph.
func (d *Dgraph) fetchInto(ctx context.Context, namespace string, ids []string, sub *Subgraph) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`query Fetch($ids: string) {
		q(func: uid($ids)) @filter(eq(namespace, %q)) {%s}
	}`, namespace, nodePredicates)

	var nodes []*Node
	err := withRetry(ctx, func() error {
		resp, err := d.dg.NewReadOnlyTxn().QueryWithVars(ctx, query,
			map[string]string{"$ids": strings.Join(ids, ",")})
		if err != nil {
			return err
		}
		return d.decodeNodes(resp.Json, &nodes)
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		sub.Nodes[n.UID] = n
	}
	return nil
}

// OrderBy implements Store.
func (d *Dgraph) OrderBy(ctx context.Context, namespace, field string, desc bool, limit int, f Filter) ([]*Node, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	switch field {
	case "activation", "created_at", "last_accessed", "access_count":
	default:
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "unsupported order field %q", field)
	}
	if limit <= 0 {
		limit = 1000
	}

	order := "orderasc"
	if desc {
		order = "orderdesc"
	}
	filters := []string{fmt.Sprintf("eq(namespace, %q)", namespace)}
	if f.Kind != "" {
		filters = append(filters, fmt.Sprintf("eq(kind, %q)", string(f.Kind)))
	}
	if f.Tag != "" {
		filters = append(filters, fmt.Sprintf("eq(tags, %q)", f.Tag))
	}
	if !f.LastAccessedBefore.IsZero() {
		filters = append(filters, fmt.Sprintf("lt(last_accessed, %q)", f.LastAccessedBefore.Format(time.RFC3339)))
	}

	query := fmt.Sprintf(`query {
		q(func: eq(namespace, %q), %s: %s, first: %d) @filter(%s) {%s}
	}`, namespace, order, field, limit*2, strings.Join(filters, " AND "), nodePredicates)

	var nodes []*Node
	err := withRetry(ctx, func() error {
		resp, err := d.dg.NewReadOnlyTxn().Query(ctx, query)
		if err != nil {
			return err
		}
		return d.decodeNodes(resp.Json, &nodes)
	})
	if err != nil {
		return nil, err
	}
	if f.ExcludeSuperseded {
		kept := nodes[:0]
		for _, n := range nodes {
			if !n.Superseded() {
				kept = append(kept, n)
			}
		}
		nodes = kept
	}
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// Edges implements Store.
func (d *Dgraph) Edges(ctx context.Context, namespace, id string) ([]Edge, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	sub, err := d.Expand(ctx, namespace, []string{id}, 1, allEdgeKinds())
	if err != nil {
		return nil, err
	}
	var edges []Edge
	for _, e := range sub.Edges {
		if e.From == id {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

func allEdgeKinds() []EdgeKind {
	kinds := make([]EdgeKind, 0, len(SpreadEdgeKinds)+3)
	kinds = append(kinds, SpreadEdgeKinds...)
	kinds = append(kinds, EdgeSupersedes, EdgeHasAdmin, EdgeHasMember)
	return kinds
}

// Delete implements Store.
func (d *Dgraph) Delete(ctx context.Context, namespace, id string) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	// Ownership check before the blind delete.
	if _, err := d.Get(ctx, namespace, id); err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		txn := d.dg.NewTxn()
		defer txn.Discard(ctx)
		_, err := txn.Mutate(ctx, &api.Mutation{
			DelNquads: []byte(fmt.Sprintf("<%s> * * .", id)),
			CommitNow: true,
		})
		return err
	})
}

// BatchWrite implements Store: all ops land in one transaction.
func (d *Dgraph) BatchWrite(ctx context.Context, namespace string, ops []Op) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}

	var setJSON []interface{}
	var setNquads, delNquads strings.Builder
	now := time.Now().UTC()

	for _, op := range ops {
		switch op.Kind {
		case OpUpsertNode:
			if op.Node == nil || op.Node.Namespace != namespace {
				return rmkerr.New(rmkerr.KindStoreReject, "batch op namespace mismatch")
			}
			wire := dgraphNode{Node: *op.Node, CanonicalName: CanonicalName(op.Node.Name)}
			wire.DType = []string{string(op.Node.Kind)}
			wire.UpdatedAt = now
			if wire.UID == "" {
				wire.UID = "_:" + CanonicalName(op.Node.Name)
			}
			setJSON = append(setJSON, wire)
		case OpUpsertEdge:
			if op.Edge == nil || !validEdgeWeight(op.Edge.Weight) {
				return rmkerr.New(rmkerr.KindStoreReject, "batch edge requires weight in (0,1]")
			}
			fmt.Fprintf(&setNquads, "<%s> <%s> <%s> (weight=%g) .\n",
				op.Edge.From, string(op.Edge.Kind), op.Edge.To, op.Edge.Weight)
		case OpDeleteNode:
			if op.ID == "" {
				return rmkerr.New(rmkerr.KindStoreReject, "batch delete requires an id")
			}
			fmt.Fprintf(&delNquads, "<%s> * * .\n", op.ID)
		default:
			return rmkerr.Newf(rmkerr.KindStoreReject, "unknown batch op %d", op.Kind)
		}
	}

	var mutations []*api.Mutation
	if len(setJSON) > 0 {
		data, err := jsonx.Marshal(setJSON)
		if err != nil {
			return rmkerr.Wrap(rmkerr.KindInternal, "marshal batch", err)
		}
		mutations = append(mutations, &api.Mutation{SetJson: data})
	}
	if setNquads.Len() > 0 {
		mutations = append(mutations, &api.Mutation{SetNquads: []byte(setNquads.String())})
	}
	if delNquads.Len() > 0 {
		mutations = append(mutations, &api.Mutation{DelNquads: []byte(delNquads.String())})
	}
	if len(mutations) == 0 {
		return nil
	}

	return withRetry(ctx, func() error {
		txn := d.dg.NewTxn()
		defer txn.Discard(ctx)
		_, err := txn.Do(ctx, &api.Request{Mutations: mutations, CommitNow: true})
		return err
	})
}

// Close implements Store.
func (d *Dgraph) Close() error {
	return d.conn.Close()
}

var _ Store = (*Dgraph)(nil)
