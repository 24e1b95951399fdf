// Package graph defines the memory graph data model and the Store adapter
// over the backing graph database.
package graph

import (
	"strings"
	"time"
)

// Kind is the type of a node in the memory graph.
type Kind string

const (
	KindEntity       Kind = "Entity"
	KindFact         Kind = "Fact"
	KindEvent        Kind = "Event"
	KindPreference   Kind = "Preference"
	KindInsight      Kind = "Insight"
	KindPattern      Kind = "Pattern"
	KindConversation Kind = "Conversation"
	KindUser         Kind = "User"
	KindWorkspace    Kind = "Workspace"
	KindDocument     Kind = "Document"
	KindChunk        Kind = "Chunk"
	KindSummary      Kind = "Summary"
)

// ValidKind reports whether k is one of the graph node kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindEntity, KindFact, KindEvent, KindPreference, KindInsight,
		KindPattern, KindConversation, KindUser, KindWorkspace,
		KindDocument, KindChunk, KindSummary:
		return true
	}
	return false
}

// EdgeKind is the relationship type between nodes.
type EdgeKind string

const (
	EdgeRelatedTo    EdgeKind = "related_to"
	EdgeFamilyMember EdgeKind = "family_member"
	EdgeHasManager   EdgeKind = "has_manager"
	EdgeWorksAt      EdgeKind = "works_at"
	EdgeLikes        EdgeKind = "likes"
	EdgePartOf       EdgeKind = "part_of"
	EdgeProducedBy   EdgeKind = "produced_by"
	EdgeSupersedes   EdgeKind = "supersedes"

	// Workspace membership edges. Role is carried by the edge kind.
	EdgeHasAdmin  EdgeKind = "has_admin"
	EdgeHasMember EdgeKind = "has_member"
)

// DefaultEdgeWeight is read for any edge whose weight facet is absent.
const DefaultEdgeWeight = 0.5

// SpreadEdgeKinds are the edge kinds activation propagates along during
// consultation. Membership edges are excluded so retrieval never walks
// from data nodes into the identity subgraph.
var SpreadEdgeKinds = []EdgeKind{
	EdgeRelatedTo, EdgeFamilyMember, EdgeHasManager, EdgeWorksAt,
	EdgeLikes, EdgePartOf, EdgeProducedBy,
}

// Node is the primary entity of the memory graph.
type Node struct {
	UID         string            `json:"uid,omitempty"`
	DType       []string          `json:"dgraph.type,omitempty"`
	Name        string            `json:"name,omitempty"`
	Kind        Kind              `json:"kind,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`

	// Namespace is "user_<id>" or "group_<id>"; every node has exactly one.
	Namespace string `json:"namespace,omitempty"`

	// Activation lifecycle fields.
	Activation   float64   `json:"activation,omitempty"`
	AccessCount  int64     `json:"access_count,omitempty"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Embedding is the node's dense vector; optional, fixed dimension
	// per namespace.
	Embedding []float32 `json:"embedding,omitempty"`
}

// DefaultActivation is the activation assigned at node creation.
const DefaultActivation = 0.5

// Superseded reports whether the node lost a merge or contradiction and is
// retained for audit only.
func (n *Node) Superseded() bool {
	return n.Attributes["superseded"] == "true"
}

// MarkSuperseded flags the node as superseded with the given reason.
func (n *Node) MarkSuperseded(reason string) {
	if n.Attributes == nil {
		n.Attributes = make(map[string]string)
	}
	n.Attributes["superseded"] = "true"
	n.Attributes["superseded_reason"] = reason
	n.Attributes["superseded_at"] = time.Now().UTC().Format(time.RFC3339)
}

// CanonicalName returns the dedup key form of a name: case-folded,
// whitespace-collapsed, terminal punctuation stripped.
func CanonicalName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".!?,;:")
	return s
}

// Edge is a directed, typed relationship with a weight facet in (0,1].
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Kind   EdgeKind `json:"kind"`
	Weight float64  `json:"weight,omitempty"`

	// Attributes hold edge metadata, e.g. the curator's supersession
	// reason.
	Attributes map[string]string `json:"attributes,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// EffectiveWeight returns the weight facet, or DefaultEdgeWeight when the
// facet is absent.
func (e *Edge) EffectiveWeight() float64 {
	if e.Weight <= 0 {
		return DefaultEdgeWeight
	}
	return e.Weight
}

// Subgraph is the result of an expand traversal: the visited nodes plus the
// edges walked to reach them.
type Subgraph struct {
	Nodes map[string]*Node
	Edges []Edge
}

// Turn is one conversational exchange.
type Turn struct {
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Timestamp     time.Time `json:"timestamp"`
}

// InvitationStatus tracks the invitation state machine. Accepted, declined
// and revoked are terminal.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Terminal reports whether the status admits no further transition.
func (s InvitationStatus) Terminal() bool {
	return s == InvitationAccepted || s == InvitationDeclined || s == InvitationRevoked
}

// ShareToken grants workspace membership to whoever redeems it, up to
// MaxUses times.
type ShareToken struct {
	Token         string     `json:"token"`
	WorkspaceID   string     `json:"workspace_id"`
	Role          string     `json:"role"`
	MaxUses       int        `json:"max_uses"` // 0 = unlimited
	UsesRemaining int        `json:"uses_remaining"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Revoked       bool       `json:"revoked"`
	CreatedAt     time.Time  `json:"created_at"`
	CreatedBy     string     `json:"created_by"`
}

// Usable reports whether the token can still be redeemed at time now.
func (t *ShareToken) Usable(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return false
	}
	if t.MaxUses > 0 && t.UsesRemaining <= 0 {
		return false
	}
	return true
}
