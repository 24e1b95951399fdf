package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Invitation is an offer of workspace membership. It starts pending and
// moves to exactly one terminal state: accepted, declined, or revoked.
type Invitation struct {
	ID          string                 `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	InviterID   string                 `json:"inviter_id"`
	InviteeID   string                 `json:"invitee_id"`
	Role        string                 `json:"role"`
	Status      graph.InvitationStatus `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	ResolvedAt  time.Time              `json:"resolved_at,omitempty"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

// Invite creates a pending invitation. Only workspace admins may invite,
// and an invitee cannot hold two pending invitations to the same workspace.
func (s *Service) Invite(ctx context.Context, inviterID, workspaceID, inviteeID, role string) (*Invitation, error) {
	if role != RoleAdmin && role != RoleSubuser {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "unknown role %q", role)
	}
	if err := s.requireAdmin(ctx, inviterID, workspaceID); err != nil {
		return nil, err
	}
	if _, err := s.lookupUserByID(ctx, inviteeID); err != nil {
		return nil, err
	}
	if existing, err := s.IsMember(ctx, inviteeID, workspaceID); err != nil {
		return nil, err
	} else if existing != RoleNone {
		return nil, rmkerr.New(rmkerr.KindConflict, "invitee is already a member")
	}

	pending, err := s.PendingInvitations(ctx, inviteeID)
	if err != nil {
		return nil, err
	}
	for _, inv := range pending {
		if inv.WorkspaceID == workspaceID {
			return nil, rmkerr.New(rmkerr.KindConflict, "invitee already has a pending invitation")
		}
	}

	now := time.Now().UTC()
	inv := &Invitation{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		InviterID:   inviterID,
		InviteeID:   inviteeID,
		Role:        role,
		Status:      graph.InvitationPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(InvitationTTL),
	}
	if err := s.saveInvitation(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.Info("invitation created",
		zap.String("invitation_id", inv.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("invitee", inviteeID))
	return inv, nil
}

// Accept moves a pending invitation to accepted and adds the invitee to the
// workspace. Terminal invitations conflict.
func (s *Service) Accept(ctx context.Context, userID, invitationID string) error {
	inv, err := s.getInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv.InviteeID != userID {
		return rmkerr.New(rmkerr.KindForbidden, "invitation belongs to another user")
	}
	if err := s.requirePending(inv); err != nil {
		return err
	}
	if err := s.addMember(ctx, inv.WorkspaceID, inv.InviteeID, inv.Role); err != nil {
		return err
	}
	return s.resolveInvitation(ctx, inv, graph.InvitationAccepted)
}

// Decline moves a pending invitation to declined.
func (s *Service) Decline(ctx context.Context, userID, invitationID string) error {
	inv, err := s.getInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv.InviteeID != userID {
		return rmkerr.New(rmkerr.KindForbidden, "invitation belongs to another user")
	}
	if err := s.requirePending(inv); err != nil {
		return err
	}
	return s.resolveInvitation(ctx, inv, graph.InvitationDeclined)
}

// Revoke lets the inviter or any workspace admin withdraw a pending
// invitation.
func (s *Service) Revoke(ctx context.Context, actorID, invitationID string) error {
	inv, err := s.getInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if actorID != inv.InviterID {
		if err := s.requireAdmin(ctx, actorID, inv.WorkspaceID); err != nil {
			return err
		}
	}
	if err := s.requirePending(inv); err != nil {
		return err
	}
	return s.resolveInvitation(ctx, inv, graph.InvitationRevoked)
}

// PendingInvitations lists the user's open invitations, expired ones
// excluded.
func (s *Service) PendingInvitations(ctx context.Context, userID string) ([]Invitation, error) {
	nodes, err := s.store.OrderBy(ctx, DirectoryNamespace, "created_at", true, 0, graph.Filter{
		Kind: graph.KindFact,
		Tag:  "invitation",
	})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []Invitation
	for _, n := range nodes {
		inv, err := decodeInvitation(n)
		if err != nil {
			s.logger.Warn("skipping malformed invitation", zap.String("uid", n.UID), zap.Error(err))
			continue
		}
		if inv.InviteeID != userID || inv.Status != graph.InvitationPending {
			continue
		}
		if now.After(inv.ExpiresAt) {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

// SentInvitations lists a workspace's still-pending outbound invitations.
// Only workspace admins may see them.
func (s *Service) SentInvitations(ctx context.Context, actorID, workspaceID string) ([]Invitation, error) {
	if err := s.requireAdmin(ctx, actorID, workspaceID); err != nil {
		return nil, err
	}
	nodes, err := s.store.OrderBy(ctx, DirectoryNamespace, "created_at", true, 0, graph.Filter{
		Kind: graph.KindFact,
		Tag:  "invitation",
	})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []Invitation
	for _, n := range nodes {
		inv, err := decodeInvitation(n)
		if err != nil {
			s.logger.Warn("skipping malformed invitation", zap.String("uid", n.UID), zap.Error(err))
			continue
		}
		if inv.WorkspaceID != workspaceID || inv.Status != graph.InvitationPending {
			continue
		}
		if now.After(inv.ExpiresAt) {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (s *Service) requirePending(inv *Invitation) error {
	if inv.Status.Terminal() {
		return rmkerr.Newf(rmkerr.KindConflict, "invitation is already %s", inv.Status)
	}
	if time.Now().UTC().After(inv.ExpiresAt) {
		return rmkerr.New(rmkerr.KindConflict, "invitation has expired")
	}
	return nil
}

func (s *Service) resolveInvitation(ctx context.Context, inv *Invitation, status graph.InvitationStatus) error {
	inv.Status = status
	inv.ResolvedAt = time.Now().UTC()
	if err := s.saveInvitation(ctx, inv); err != nil {
		return err
	}
	s.logger.Info("invitation resolved",
		zap.String("invitation_id", inv.ID),
		zap.String("status", string(status)))
	return nil
}

func (s *Service) saveInvitation(ctx context.Context, inv *Invitation) error {
	payload, err := jsonx.MarshalToString(inv)
	if err != nil {
		return err
	}
	_, err = s.store.Upsert(ctx, &graph.Node{
		Name:      "invitation-" + inv.ID,
		Kind:      graph.KindFact,
		Namespace: DirectoryNamespace,
		Tags:      []string{"invitation"},
		Attributes: map[string]string{
			"invitation": payload,
			"status":     string(inv.Status),
		},
		CreatedAt: inv.CreatedAt,
	})
	return err
}

func (s *Service) getInvitation(ctx context.Context, id string) (*Invitation, error) {
	nodes, err := s.store.QueryByName(ctx, DirectoryNamespace, "invitation-"+id, graph.KindFact)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "invitation %s not found", id)
	}
	return decodeInvitation(nodes[0])
}

func decodeInvitation(n *graph.Node) (*Invitation, error) {
	raw, ok := n.Attributes["invitation"]
	if !ok {
		return nil, rmkerr.New(rmkerr.KindInternal, "invitation node missing payload")
	}
	var inv Invitation
	if err := jsonx.UnmarshalFromString(raw, &inv); err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "decode invitation", err)
	}
	return &inv, nil
}
