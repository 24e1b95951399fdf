package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// tokenLockTTL bounds how long a crashed redeemer can hold the Redis lock.
const tokenLockTTL = 30 * time.Second

// IssueShareToken mints a redeemable join token for the workspace. Admin
// only. maxUses of zero means unlimited; a nil ttl never expires.
func (s *Service) IssueShareToken(ctx context.Context, adminID, workspaceID, role string, maxUses int, ttl time.Duration) (*graph.ShareToken, error) {
	if role != RoleAdmin && role != RoleSubuser {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "unknown role %q", role)
	}
	if maxUses < 0 {
		return nil, rmkerr.New(rmkerr.KindInvalidInput, "maxUses must be non-negative")
	}
	if err := s.requireAdmin(ctx, adminID, workspaceID); err != nil {
		return nil, err
	}

	raw, err := generateToken()
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "generate share token", err)
	}
	now := time.Now().UTC()
	tok := &graph.ShareToken{
		Token:         raw,
		WorkspaceID:   workspaceID,
		Role:          role,
		MaxUses:       maxUses,
		UsesRemaining: maxUses,
		CreatedAt:     now,
		CreatedBy:     adminID,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		tok.ExpiresAt = &exp
	}
	if err := s.saveShareToken(ctx, tok); err != nil {
		return nil, err
	}
	s.logger.Info("share token issued",
		zap.String("workspace_id", workspaceID),
		zap.Int("max_uses", maxUses))
	return tok, nil
}

// RedeemShareToken joins the redeeming user to the token's workspace and
// decrements the remaining-use count. The read-decrement-write is serialized
// per token so concurrent redemptions cannot exceed MaxUses.
func (s *Service) RedeemShareToken(ctx context.Context, userID, token string) (*Workspace, error) {
	if _, err := s.lookupUserByID(ctx, userID); err != nil {
		return nil, err
	}

	unlock, err := s.lockToken(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok, err := s.getShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !tok.Usable(now) {
		return nil, rmkerr.New(rmkerr.KindConflict, "share token is no longer redeemable")
	}

	if role, err := s.IsMember(ctx, userID, tok.WorkspaceID); err != nil {
		return nil, err
	} else if role != RoleNone {
		return nil, rmkerr.New(rmkerr.KindConflict, "already a member of the workspace")
	}

	if err := s.addMember(ctx, tok.WorkspaceID, userID, tok.Role); err != nil {
		return nil, err
	}
	if tok.MaxUses > 0 {
		tok.UsesRemaining--
		if err := s.saveShareToken(ctx, tok); err != nil {
			return nil, err
		}
	}

	ws, err := s.workspaceNode(ctx, tok.WorkspaceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("share token redeemed",
		zap.String("workspace_id", tok.WorkspaceID),
		zap.String("user_id", userID),
		zap.Int("uses_remaining", tok.UsesRemaining))
	return &Workspace{
		ID:        tok.WorkspaceID,
		Name:      ws.Name,
		Namespace: ws.Namespace,
		CreatedAt: ws.CreatedAt,
	}, nil
}

// RevokeShareToken disables the token for all future redemptions.
func (s *Service) RevokeShareToken(ctx context.Context, adminID, token string) error {
	tok, err := s.getShareToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, adminID, tok.WorkspaceID); err != nil {
		return err
	}
	if tok.Revoked {
		return rmkerr.New(rmkerr.KindConflict, "share token is already revoked")
	}
	tok.Revoked = true
	return s.saveShareToken(ctx, tok)
}

// lockToken serializes redemption of one token. With Redis configured the
// lock is cross-process (SET NX with a TTL so a crash cannot wedge the
// token); otherwise a process-wide mutex covers the single-node case.
func (s *Service) lockToken(ctx context.Context, token string) (func(), error) {
	if s.rdb == nil {
		s.tokenMu.Lock()
		return s.tokenMu.Unlock, nil
	}

	key := "lock:sharetoken:" + token
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := s.rdb.SetNX(ctx, key, "1", tokenLockTTL).Result()
		if err != nil {
			// Redis down: fall back to the local mutex rather than
			// failing every redemption.
			s.logger.Warn("redis lock unavailable, using local mutex", zap.Error(err))
			s.tokenMu.Lock()
			return s.tokenMu.Unlock, nil
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := s.rdb.Del(ctx, key).Err(); err != nil {
					s.logger.Warn("share token unlock failed", zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, rmkerr.New(rmkerr.KindConflict, "share token is being redeemed, retry")
		}
		select {
		case <-ctx.Done():
			return nil, rmkerr.Wrap(rmkerr.KindStoreUnavailable, "token lock wait", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// shareTokenNodeName derives the storage key from a hash of the token.
// Node names are canonicalized case-insensitively, so the raw token cannot
// be the name: tokens differing only by case would collide, and a
// wrong-case token would still resolve.
func shareTokenNodeName(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sharetoken-" + hex.EncodeToString(sum[:])
}

func (s *Service) saveShareToken(ctx context.Context, tok *graph.ShareToken) error {
	payload, err := jsonx.MarshalToString(tok)
	if err != nil {
		return err
	}
	_, err = s.store.Upsert(ctx, &graph.Node{
		Name:      shareTokenNodeName(tok.Token),
		Kind:      graph.KindFact,
		Namespace: DirectoryNamespace,
		Tags:      []string{"sharetoken"},
		Attributes: map[string]string{
			"sharetoken": payload,
		},
		CreatedAt: tok.CreatedAt,
	})
	return err
}

func (s *Service) getShareToken(ctx context.Context, token string) (*graph.ShareToken, error) {
	nodes, err := s.store.QueryByName(ctx, DirectoryNamespace, shareTokenNodeName(token), graph.KindFact)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, rmkerr.New(rmkerr.KindNotFound, "share token not found")
	}
	raw, ok := nodes[0].Attributes["sharetoken"]
	if !ok {
		return nil, rmkerr.New(rmkerr.KindInternal, "share token node missing payload")
	}
	var tok graph.ShareToken
	if err := jsonx.UnmarshalFromString(raw, &tok); err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "decode share token", err)
	}
	if tok.Token != token {
		return nil, rmkerr.New(rmkerr.KindNotFound, "share token not found")
	}
	return &tok, nil
}
