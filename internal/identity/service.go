// Package identity holds the user and workspace registry: namespaces,
// membership roles, invitations, and share tokens.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// DirectoryNamespace holds the cross-tenant user directory and lookup
// records. Tenant data never lives here.
const DirectoryNamespace = "system_identity"

// Role values for workspace membership.
const (
	RoleNone    = ""
	RoleSubuser = "subuser"
	RoleAdmin   = "admin"
)

// InvitationTTL bounds how long a pending invitation can be accepted.
const InvitationTTL = 14 * 24 * time.Hour

// Service implements the registry over the graph store. Share-token
// redemption serializes on Redis when configured, falling back to an
// in-process mutex.
type Service struct {
	store  graph.Store
	rdb    *redis.Client
	logger *zap.Logger

	// tokenMu guards redemption when no Redis is configured.
	tokenMu sync.Mutex
}

// New creates the identity service. rdb may be nil.
func New(store graph.Store, rdb *redis.Client, logger *zap.Logger) *Service {
	return &Service{store: store, rdb: rdb, logger: logger.Named("identity")}
}

// User is a registered account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
}

// Workspace is a shared group namespace.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
}

// Member pairs a user with their workspace role.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// CreateUser registers a user, constructs their private namespace, and
// stores the bcrypt password hash in the directory.
func (s *Service) CreateUser(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, rmkerr.New(rmkerr.KindInvalidInput, "username is required")
	}
	if existing, _ := s.lookupUser(ctx, username); existing != nil {
		return nil, rmkerr.Newf(rmkerr.KindConflict, "username %q is taken", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "hash password", err)
	}

	id := uuid.NewString()
	namespace := "user_" + id
	now := time.Now().UTC()

	// The User node anchors the private namespace.
	if _, err := s.store.Upsert(ctx, &graph.Node{
		Name:        username,
		Kind:        graph.KindUser,
		Description: "account owner",
		Namespace:   namespace,
		Attributes:  map[string]string{"user_id": id},
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	// Directory record for cross-namespace lookup and auth.
	if _, err := s.store.Upsert(ctx, &graph.Node{
		Name:      "user-" + username,
		Kind:      graph.KindUser,
		Namespace: DirectoryNamespace,
		Tags:      []string{"user"},
		Attributes: map[string]string{
			"user_id":       id,
			"username":      username,
			"namespace":     namespace,
			"password_hash": string(hash),
		},
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("user created",
		zap.String("user_id", id),
		zap.String("namespace", namespace))
	return &User{ID: id, Username: username, Namespace: namespace, CreatedAt: now}, nil
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	rec, err := s.lookupUser(ctx, username)
	if err != nil {
		return nil, rmkerr.New(rmkerr.KindUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.Attributes["password_hash"]), []byte(password)) != nil {
		return nil, rmkerr.New(rmkerr.KindUnauthorized, "invalid credentials")
	}
	return userFromDirectory(rec), nil
}

// GetUser resolves a user id to their account.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	rec, err := s.lookupUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userFromDirectory(rec), nil
}

func userFromDirectory(n *graph.Node) *User {
	return &User{
		ID:        n.Attributes["user_id"],
		Username:  n.Attributes["username"],
		Namespace: n.Attributes["namespace"],
		CreatedAt: n.CreatedAt,
	}
}

func (s *Service) lookupUser(ctx context.Context, username string) (*graph.Node, error) {
	nodes, err := s.store.QueryByName(ctx, DirectoryNamespace, "user-"+username, graph.KindUser)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "user %q not found", username)
	}
	return nodes[0], nil
}

func (s *Service) lookupUserByID(ctx context.Context, userID string) (*graph.Node, error) {
	users, err := s.store.OrderBy(ctx, DirectoryNamespace, "created_at", false, 0, graph.Filter{
		Kind: graph.KindUser,
		Tag:  "user",
	})
	if err != nil {
		return nil, err
	}
	for _, n := range users {
		if n.Attributes["user_id"] == userID {
			return n, nil
		}
	}
	return nil, rmkerr.Newf(rmkerr.KindNotFound, "user %s not found", userID)
}

// CreateWorkspace constructs a group namespace owned by the creator.
func (s *Service) CreateWorkspace(ctx context.Context, ownerID, name string) (*Workspace, error) {
	if strings.TrimSpace(name) == "" {
		return nil, rmkerr.New(rmkerr.KindInvalidInput, "workspace name is required")
	}
	owner, err := s.lookupUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	namespace := "group_" + id
	now := time.Now().UTC()

	wsUID, err := s.store.Upsert(ctx, &graph.Node{
		Name:      name,
		Kind:      graph.KindWorkspace,
		Namespace: namespace,
		Attributes: map[string]string{
			"workspace_id": id,
			"created_by":   ownerID,
		},
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	// Owner joins as admin with a full-weight edge.
	if err := s.store.UpsertEdge(ctx, &graph.Edge{
		From:   wsUID,
		To:     owner.UID,
		Kind:   graph.EdgeHasAdmin,
		Weight: 1.0,
		Attributes: map[string]string{
			"joined_at": now.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, err
	}

	s.logger.Info("workspace created",
		zap.String("workspace_id", id),
		zap.String("namespace", namespace),
		zap.String("owner", ownerID))
	return &Workspace{ID: id, Name: name, Namespace: namespace, CreatedAt: now}, nil
}

func (s *Service) workspaceNode(ctx context.Context, workspaceID string) (*graph.Node, error) {
	namespace := "group_" + workspaceID
	nodes, err := s.store.OrderBy(ctx, namespace, "created_at", false, 1, graph.Filter{
		Kind: graph.KindWorkspace,
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "workspace %s not found", workspaceID)
	}
	return nodes[0], nil
}

// IsMember is the canonical membership probe.
func (s *Service) IsMember(ctx context.Context, userID, workspaceID string) (string, error) {
	ws, err := s.workspaceNode(ctx, workspaceID)
	if err != nil {
		return RoleNone, err
	}
	user, err := s.lookupUserByID(ctx, userID)
	if err != nil {
		return RoleNone, err
	}
	edges, err := s.store.Edges(ctx, ws.Namespace, ws.UID)
	if err != nil {
		return RoleNone, err
	}
	for _, e := range edges {
		if e.To != user.UID || e.Attributes["revoked"] == "true" {
			continue
		}
		switch e.Kind {
		case graph.EdgeHasAdmin:
			return RoleAdmin, nil
		case graph.EdgeHasMember:
			return RoleSubuser, nil
		}
	}
	return RoleNone, nil
}

// ListMembers returns the workspace roster.
func (s *Service) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	ws, err := s.workspaceNode(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.Edges(ctx, ws.Namespace, ws.UID)
	if err != nil {
		return nil, err
	}
	var members []Member
	for _, e := range edges {
		if e.Attributes["revoked"] == "true" {
			continue
		}
		var role string
		switch e.Kind {
		case graph.EdgeHasAdmin:
			role = RoleAdmin
		case graph.EdgeHasMember:
			role = RoleSubuser
		default:
			continue
		}
		dir, err := s.store.Get(ctx, DirectoryNamespace, e.To)
		if err != nil {
			continue
		}
		m := Member{
			UserID:   dir.Attributes["user_id"],
			Username: dir.Attributes["username"],
			Role:     role,
		}
		if ts, ok := e.Attributes["joined_at"]; ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				m.JoinedAt = parsed
			}
		}
		members = append(members, m)
	}
	return members, nil
}

// RemoveMember drops a user from the workspace. Admin only; the last admin
// cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, actorID, workspaceID, userID string) error {
	if err := s.requireAdmin(ctx, actorID, workspaceID); err != nil {
		return err
	}
	role, err := s.IsMember(ctx, userID, workspaceID)
	if err != nil {
		return err
	}
	if role == RoleNone {
		return rmkerr.Newf(rmkerr.KindNotFound, "user %s is not a member", userID)
	}
	if role == RoleAdmin {
		admins := 0
		members, err := s.ListMembers(ctx, workspaceID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.Role == RoleAdmin {
				admins++
			}
		}
		if admins <= 1 {
			return rmkerr.New(rmkerr.KindConflict, "cannot remove the last admin")
		}
	}

	ws, err := s.workspaceNode(ctx, workspaceID)
	if err != nil {
		return err
	}
	user, err := s.lookupUserByID(ctx, userID)
	if err != nil {
		return err
	}
	// Dropping membership means rewriting the edge set: the store has no
	// single-edge delete, so overwrite with weight-preserving re-adds is
	// not possible here; instead record the removal on the edge.
	kind := graph.EdgeHasMember
	if role == RoleAdmin {
		kind = graph.EdgeHasAdmin
	}
	return s.removeMembershipEdge(ctx, ws, user.UID, kind)
}

// Groups returns the group namespaces the user belongs to.
func (s *Service) Groups(ctx context.Context, userID string) ([]string, error) {
	user, err := s.lookupUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	memberships, err := s.membershipIndex(ctx, user.Attributes["username"])
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID, workspaceID string) error {
	role, err := s.IsMember(ctx, userID, workspaceID)
	if err != nil {
		return err
	}
	if role != RoleAdmin {
		return rmkerr.New(rmkerr.KindForbidden, "admin role required")
	}
	return nil
}

// addMember records a membership edge and the membership index entry.
func (s *Service) addMember(ctx context.Context, workspaceID, userID, role string) error {
	ws, err := s.workspaceNode(ctx, workspaceID)
	if err != nil {
		return err
	}
	user, err := s.lookupUserByID(ctx, userID)
	if err != nil {
		return err
	}
	kind := graph.EdgeHasMember
	if role == RoleAdmin {
		kind = graph.EdgeHasAdmin
	}
	if err := s.store.UpsertEdge(ctx, &graph.Edge{
		From:   ws.UID,
		To:     user.UID,
		Kind:   kind,
		Weight: 1.0,
		Attributes: map[string]string{
			"joined_at": time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return err
	}
	return s.indexMembership(ctx, user.Attributes["username"], ws.Namespace, true)
}

func (s *Service) removeMembershipEdge(ctx context.Context, ws *graph.Node, userUID string, kind graph.EdgeKind) error {
	// The adapter exposes edge replacement only through upsert; a zeroed
	// weight is invalid, so membership removal rewrites the edge with a
	// revoked marker and the roster reads filter it.
	if err := s.store.UpsertEdge(ctx, &graph.Edge{
		From:   ws.UID,
		To:     userUID,
		Kind:   kind,
		Weight: graph.DefaultEdgeWeight,
		Attributes: map[string]string{
			"revoked": "true",
		},
	}); err != nil {
		return err
	}
	dir, err := s.store.Get(ctx, DirectoryNamespace, userUID)
	if err == nil {
		return s.indexMembership(ctx, dir.Attributes["username"], ws.Namespace, false)
	}
	return nil
}

// indexMembership maintains a per-user membership list in the directory so
// Groups() is one lookup instead of a scan over every workspace.
func (s *Service) indexMembership(ctx context.Context, username, groupNamespace string, add bool) error {
	rec, err := s.lookupUser(ctx, username)
	if err != nil {
		return err
	}
	var groups []string
	if raw, ok := rec.Attributes["groups"]; ok && raw != "" {
		_ = jsonx.UnmarshalFromString(raw, &groups)
	}
	kept := groups[:0]
	for _, g := range groups {
		if g != groupNamespace {
			kept = append(kept, g)
		}
	}
	groups = kept
	if add {
		groups = append(groups, groupNamespace)
	}
	raw, err := jsonx.MarshalToString(groups)
	if err != nil {
		return err
	}
	rec.Attributes["groups"] = raw
	_, err = s.store.Upsert(ctx, rec)
	return err
}

func (s *Service) membershipIndex(ctx context.Context, username string) ([]string, error) {
	rec, err := s.lookupUser(ctx, username)
	if err != nil {
		return nil, err
	}
	var groups []string
	if raw, ok := rec.Attributes["groups"]; ok && raw != "" {
		if err := jsonx.UnmarshalFromString(raw, &groups); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// generateToken returns 32 bytes of crypto randomness, base64url encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
