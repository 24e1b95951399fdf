package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/consult"
	"github.com/rmkernel/rmk/internal/identity"
	"github.com/rmkernel/rmk/internal/ingest"
	"github.com/rmkernel/rmk/internal/policy"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// resolveNamespace picks the target namespace for a request and enforces
// the policy decision for it. An empty request falls back to the caller's
// private namespace.
func (s *Server) resolveNamespace(ctx context.Context, p Principal, requested, action string) (string, error) {
	ns := strings.TrimSpace(requested)
	if ns == "" {
		ns = p.Namespace()
	}
	dec := s.policies.Check(ctx, policy.Request{
		Principal: p.PolicySubject(),
		Groups:    p.Groups,
		Action:    action,
		Resource:  "ns:" + ns,
		Namespace: ns,
	})
	if !dec.Allow {
		return "", &deniedError{policyID: dec.PolicyID}
	}
	return ns, nil
}

// deniedError carries the matched policy id alongside the Forbidden kind.
type deniedError struct {
	policyID string
}

func (e *deniedError) Error() string { return "access denied" }
func (e *deniedError) Unwrap() error { return rmkerr.ErrForbidden }

func (s *Server) writePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	if de, ok := err.(*deniedError); ok {
		s.writeDenied(w, r, rmkerr.New(rmkerr.KindForbidden, de.Error()), de.policyID)
		return
	}
	s.writeError(w, r, err)
}

// --- auth ---

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Namespace string `json:"namespace"`
	Token     string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.identity.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondAuth(w, r, user.ID, user.Username, user.Namespace)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondAuth(w, r, user.ID, user.Username, user.Namespace)
}

func (s *Server) respondAuth(w http.ResponseWriter, r *http.Request, userID, username, namespace string) {
	groups, err := s.identity.Groups(r.Context(), userID)
	if err != nil {
		groups = nil
	}
	role := "user"
	for _, admin := range s.cfg.AdminUsers {
		if admin == username {
			role = "admin"
			break
		}
	}
	token, err := IssueToken(s.cfg.JWTSecret, userID, role, groups, s.cfg.TokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, authResponse{
		UserID:    userID,
		Username:  username,
		Namespace: namespace,
		Token:     token,
	})
}

// --- ingestion ---

type ingestTurnRequest struct {
	UserText       string `json:"userText"`
	AssistantText  string `json:"assistantText"`
	ConversationID string `json:"conversationId,omitempty"`
	Namespace      string `json:"namespace,omitempty"`
}

func (s *Server) handleIngestTurn(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req ingestTurnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ns, err := s.resolveNamespace(r.Context(), p, req.Namespace, "write")
	if err != nil {
		s.writePolicyError(w, r, err)
		return
	}
	s.observe(ns)

	job, err := s.ingest.IngestSync(r.Context(), ingest.Request{
		Kind:       ingest.JobConversationTurn,
		Namespace:  ns,
		UserQuery:  req.UserText,
		AIResponse: req.AssistantText,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": req.ConversationID,
		"jobId":          job.ID,
		"state":          job.State,
		"stats":          job.Stats,
	})
}

type ingestDocumentRequest struct {
	Text          string `json:"text,omitempty"`
	ContentBase64 string `json:"contentBase64,omitempty"`
	Filename      string `json:"filename,omitempty"`
	DocumentType  string `json:"documentType,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req ingestDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ns, err := s.resolveNamespace(r.Context(), p, req.Namespace, "write")
	if err != nil {
		s.writePolicyError(w, r, err)
		return
	}
	s.observe(ns)

	ingestReq := ingest.Request{Namespace: ns}
	switch {
	case req.Text != "":
		ingestReq.Kind = ingest.JobDocumentText
		ingestReq.Text = req.Text
	case req.ContentBase64 != "":
		content, info, err := s.validator.ValidateBase64(req.ContentBase64, req.Filename)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ingestReq.Kind = ingest.JobDocumentBlob
		ingestReq.Blob = content
		ingestReq.Filename = info.SafeFilename
	default:
		s.writeError(w, r, rmkerr.New(rmkerr.KindInvalidInput, "either text or contentBase64 is required"))
		return
	}

	job, err := s.ingest.IngestSync(r.Context(), ingestReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobId": job.ID,
		"state": job.State,
		"stats": job.Stats,
		"error": job.Error,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ingest.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// --- consultation ---

type consultRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	Namespace      string `json:"namespace,omitempty"`
}

func (s *Server) handleConsult(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req consultRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ns, err := s.resolveNamespace(r.Context(), p, req.Namespace, "read")
	if err != nil {
		s.writePolicyError(w, r, err)
		return
	}
	s.observe(ns)

	resp, err := s.consult.Consult(r.Context(), consult.Request{
		Principal:      p.PolicySubject(),
		Groups:         p.Groups,
		Namespace:      ns,
		Query:          req.Query,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- workspaces ---

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireAdminRole(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createWorkspaceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.identity.CreateWorkspace(r.Context(), p.ID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(ws.Namespace)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"workspaceId": ws.ID,
		"namespace":   ws.Namespace,
	})
}

type inviteRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req inviteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, err := s.identity.Invite(r.Context(), p.ID, mux.Vars(r)["ws"], req.UserID, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"invitationId": inv.ID})
}

func (s *Server) handleSentInvitations(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	sent, err := s.identity.SentInvitations(r.Context(), p.ID, mux.Vars(r)["ws"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invitations": sent})
}

func (s *Server) handlePendingInvitations(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	pending, err := s.identity.PendingInvitations(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invitations": pending})
}

func (s *Server) handleInvitationResolve(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]

	var err error
	if strings.HasSuffix(r.URL.Path, "/accept") {
		err = s.identity.Accept(r.Context(), p.ID, id)
	} else {
		err = s.identity.Decline(r.Context(), p.ID, id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"invitationId": id, "status": "resolved"})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	wsID := mux.Vars(r)["ws"]
	role, err := s.identity.IsMember(r.Context(), p.ID, wsID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if role == identity.RoleNone {
		s.writeError(w, r, rmkerr.New(rmkerr.KindForbidden, "not a workspace member"))
		return
	}
	members, err := s.identity.ListMembers(r.Context(), wsID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	if err := s.identity.RemoveMember(r.Context(), p.ID, vars["ws"], vars["user"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type shareLinkRequest struct {
	Role    string `json:"role,omitempty"`
	MaxUses int    `json:"maxUses,omitempty"`
	TTLDays int    `json:"ttlDays,omitempty"`
}

func (s *Server) handleShareLink(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req shareLinkRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = identity.RoleSubuser
	}
	tok, err := s.identity.IssueShareToken(r.Context(), p.ID, mux.Vars(r)["ws"], req.Role,
		req.MaxUses, time.Duration(req.TTLDays)*24*time.Hour)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"token": tok.Token,
		"url":   s.cfg.PublicURL + "/join/" + tok.Token,
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireUser(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.identity.RedeemShareToken(r.Context(), p.ID, mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(ws.Namespace)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"workspaceId": ws.ID,
		"namespace":   ws.Namespace,
	})
}

// --- admin ---

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireAdminRole(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"policies": s.policies.List()})
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireAdminRole(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	var pol policy.Policy
	if err := decodeBody(r, &pol); err != nil {
		s.writeError(w, r, err)
		return
	}
	if pol.ID == "" || (pol.Effect != policy.EffectAllow && pol.Effect != policy.EffectDeny) {
		s.writeError(w, r, rmkerr.New(rmkerr.KindInvalidInput, "policy requires an id and an ALLOW or DENY effect"))
		return
	}
	s.policies.Add(pol)
	if s.policyStore != nil {
		if err := s.policyStore.Save(r.Context(), pol); err != nil {
			s.logger.Warn("policy saved in memory only", zap.String("id", pol.ID), zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": pol.ID})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireAdminRole(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if !s.policies.Remove(id) {
		s.writeError(w, r, rmkerr.New(rmkerr.KindNotFound, "policy not found"))
		return
	}
	if s.policyStore != nil {
		if err := s.policyStore.Delete(r.Context(), id); err != nil {
			s.logger.Warn("persisted policy not removed", zap.String("id", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if err := requireAdminRole(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.audit == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"records": []policy.AuditRecord{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
