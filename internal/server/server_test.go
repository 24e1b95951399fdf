package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmkernel/rmk/internal/activation"
	"github.com/rmkernel/rmk/internal/ai/curate"
	"github.com/rmkernel/rmk/internal/ai/extract"
	"github.com/rmkernel/rmk/internal/ai/local"
	"github.com/rmkernel/rmk/internal/ai/synth"
	"github.com/rmkernel/rmk/internal/chunking"
	"github.com/rmkernel/rmk/internal/consult"
	"github.com/rmkernel/rmk/internal/fulltext"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/identity"
	"github.com/rmkernel/rmk/internal/ingest"
	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/policy"
	"github.com/rmkernel/rmk/internal/vector"
)

// serverLLM answers the extraction, expansion, and synthesis prompts the
// pipeline issues during a request.
type serverLLM struct{}

func (serverLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", nil
}

func (serverLLM) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	switch {
	case strings.Contains(prompt, "Extract entities"):
		return map[string]any{
			"entities": []any{
				map[string]any{"name": "Emma", "kind": "Entity", "description": "User's sister"},
			},
			"relations": []any{},
		}, nil
	case strings.Contains(prompt, "memory lookup"):
		return map[string]any{"search_terms": []any{"Emma"}}, nil
	default:
		return map[string]any{"brief": "Emma is your sister.", "confidence": 0.9}, nil
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, graph.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := graph.NewMemstore()

	idx, err := vector.New(vector.Config{}, logger)
	require.NoError(t, err)
	ft, err := fulltext.New(fulltext.Config{}, logger)
	require.NoError(t, err)
	policies, err := policy.New(nil, logger)
	require.NoError(t, err)

	llm := serverLLM{}
	embedder := local.NewHashEmbedder(16)
	extractor := extract.New(llm, extract.DefaultConfig(), logger)
	curator := curate.New(store, idx, embedder, llm, curate.DefaultConfig(), logger)
	coordinator := ingest.New(ingest.DefaultConfig(), chunking.New(chunking.DefaultConfig()),
		extractor, curator, store, idx, ft, logger)
	t.Cleanup(coordinator.Close)

	act := activation.New(store, activation.DefaultConfig(), logger)
	consultEngine := consult.New(store, ft, idx, embedder, llm, synth.New(llm, logger),
		policies, act, nil, consult.DefaultConfig(), logger)
	t.Cleanup(consultEngine.Close)

	identitySvc := identity.New(store, nil, logger)

	cfg := DefaultConfig()
	cfg.JWTSecret = []byte("test-secret")
	cfg.AdminUsers = []string{"root"}
	srv := New(cfg, coordinator, consultEngine, identitySvc, policies, nil, nil, logger)
	srv.SetPolicyStore(policy.NewPersistence(store, logger))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, store
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := jsonx.Marshal(body)
		require.NoError(t, err)
		buf.Write(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = jsonx.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func registerUser(t *testing.T, ts *httptest.Server, username string) (token, namespace string) {
	t.Helper()
	resp, body := doJSON(t, ts, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"password": "hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["token"].(string), body["namespace"].(string)
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestRegisterLoginIngestConsult(t *testing.T) {
	_, ts, _ := newTestServer(t)
	token, ns := registerUser(t, ts, "alice")
	require.True(t, strings.HasPrefix(ns, "user_"))

	resp, body := doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["token"])

	resp, body = doJSON(t, ts, http.MethodPost, "/ingest/turn", token, map[string]string{
		"userText":      "My sister Emma lives in Boston",
		"assistantText": "Noted.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DONE", body["state"])

	resp, body = doJSON(t, ts, http.MethodPost, "/consult", token, map[string]string{
		"query": "who is Emma?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Emma is your sister.", body["answer"])
	require.NotEmpty(t, body["retrieved_ids"])
}

func TestAnonymousOwnsSharedNamespace(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/ingest/turn", "", map[string]string{
		"userText":      "My sister Emma lives in Boston",
		"assistantText": "Noted.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DONE", body["state"])

	resp, body = doJSON(t, ts, http.MethodPost, "/consult", "", map[string]string{
		"query": "who is Emma?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Emma is your sister.", body["answer"])
}

func TestInvalidTokenRejected(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodPost, "/consult", "not-a-token", map[string]string{
		"query": "anything",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCrossNamespaceDenied(t *testing.T) {
	_, ts, _ := newTestServer(t)
	token, _ := registerUser(t, ts, "alice")
	_, bobNS := registerUser(t, ts, "bob")

	resp, body := doJSON(t, ts, http.MethodPost, "/consult", token, map[string]string{
		"query":     "who is Emma?",
		"namespace": bobNS,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "forbidden", errObj["kind"])
}

func TestPolicyDenyCarriesPolicyID(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	token, ns := registerUser(t, ts, "alice")

	srv.policies.Add(policy.Policy{
		ID:        "deny-alice-writes",
		Effect:    policy.EffectDeny,
		Subjects:  []string{"*"},
		Resources: []string{"ns:" + ns},
		Actions:   []string{"write"},
	})

	resp, body := doJSON(t, ts, http.MethodPost, "/ingest/turn", token, map[string]string{
		"userText":      "remember this",
		"assistantText": "ok",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "deny-alice-writes", errObj["policy_id"])
}

func TestWorkspaceCreationIsAdminOnly(t *testing.T) {
	_, ts, _ := newTestServer(t)
	userToken, _ := registerUser(t, ts, "alice")
	adminToken, _ := registerUser(t, ts, "root")

	resp, _ := doJSON(t, ts, http.MethodPost, "/workspaces", userToken, map[string]string{
		"name": "shared notes",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := doJSON(t, ts, http.MethodPost, "/workspaces", adminToken, map[string]string{
		"name": "shared notes",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["workspaceId"])
	require.True(t, strings.HasPrefix(body["namespace"].(string), "group_"))
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	_, ts, _ := newTestServer(t)
	adminToken, _ := registerUser(t, ts, "root")
	bobToken, _ := registerUser(t, ts, "bob")

	_, wsBody := doJSON(t, ts, http.MethodPost, "/workspaces", adminToken, map[string]string{
		"name": "shared notes",
	})
	wsID := wsBody["workspaceId"].(string)

	// Invitee id comes from bob's own login response.
	resp, loginBody := doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "bob",
		"password": "hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bobID := loginBody["userId"].(string)

	resp, invBody := doJSON(t, ts, http.MethodPost, "/workspaces/"+wsID+"/invite", adminToken, map[string]string{
		"userId": bobID,
		"role":   identity.RoleSubuser,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	invID := invBody["invitationId"].(string)

	resp, pending := doJSON(t, ts, http.MethodGet, "/invitations", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pending["invitations"], 1)

	resp, _ = doJSON(t, ts, http.MethodPost, "/invitations/"+invID+"/accept", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, members := doJSON(t, ts, http.MethodGet, "/workspaces/"+wsID+"/members", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, members["members"], 2)
}

func TestSentInvitationsOverHTTP(t *testing.T) {
	_, ts, _ := newTestServer(t)
	adminToken, _ := registerUser(t, ts, "root")
	bobToken, _ := registerUser(t, ts, "bob")

	_, wsBody := doJSON(t, ts, http.MethodPost, "/workspaces", adminToken, map[string]string{
		"name": "shared notes",
	})
	wsID := wsBody["workspaceId"].(string)

	resp, loginBody := doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "bob",
		"password": "hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bobID := loginBody["userId"].(string)

	resp, _ = doJSON(t, ts, http.MethodPost, "/workspaces/"+wsID+"/invite", adminToken, map[string]string{
		"userId": bobID,
		"role":   identity.RoleSubuser,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, sent := doJSON(t, ts, http.MethodGet, "/workspaces/"+wsID+"/invitations", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sent["invitations"], 1)

	// Only workspace admins see the outbound list.
	resp, _ = doJSON(t, ts, http.MethodGet, "/workspaces/"+wsID+"/invitations", bobToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestShareLinkJoin(t *testing.T) {
	_, ts, _ := newTestServer(t)
	adminToken, _ := registerUser(t, ts, "root")
	bobToken, _ := registerUser(t, ts, "bob")

	_, wsBody := doJSON(t, ts, http.MethodPost, "/workspaces", adminToken, map[string]string{
		"name": "shared notes",
	})
	wsID := wsBody["workspaceId"].(string)

	resp, linkBody := doJSON(t, ts, http.MethodPost, "/workspaces/"+wsID+"/share-link", adminToken, map[string]any{
		"maxUses": 1,
		"ttlDays": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := linkBody["token"].(string)
	require.NotEmpty(t, tok)

	resp, joinBody := doJSON(t, ts, http.MethodPost, "/join/"+tok, bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wsID, joinBody["workspaceId"])
}

func TestDocumentUploadValidation(t *testing.T) {
	_, ts, _ := newTestServer(t)
	token, _ := registerUser(t, ts, "alice")

	resp, body := doJSON(t, ts, http.MethodPost, "/ingest/document", token, map[string]string{
		"contentBase64": base64.StdEncoding.EncodeToString([]byte("MZ\x90\x00")),
		"filename":      "payload.exe",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "invalid_input", errObj["kind"])

	text := strings.Repeat("Emma visits Boston every spring to see family. ", 5)
	resp, docBody := doJSON(t, ts, http.MethodPost, "/ingest/document", token, map[string]string{
		"contentBase64": base64.StdEncoding.EncodeToString([]byte(text)),
		"filename":      "notes.txt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DONE", docBody["state"])
}

func TestMalformedBodyRejected(t *testing.T) {
	_, ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/consult", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminPolicyCRUD(t *testing.T) {
	_, ts, _ := newTestServer(t)
	userToken, _ := registerUser(t, ts, "alice")
	adminToken, _ := registerUser(t, ts, "root")

	resp, _ := doJSON(t, ts, http.MethodGet, "/admin/policies", userToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/admin/policies", adminToken, policy.Policy{
		ID:        "deny-exports",
		Effect:    policy.EffectDeny,
		Subjects:  []string{"*"},
		Resources: []string{"node:secret"},
		Actions:   []string{"read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, listBody := doJSON(t, ts, http.MethodGet, "/admin/policies", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listBody["policies"], 1)

	resp, _ = doJSON(t, ts, http.MethodDelete, "/admin/policies/deny-exports", adminToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodDelete, "/admin/policies/deny-exports", adminToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPolicyEditsSurviveRestart(t *testing.T) {
	_, ts, store := newTestServer(t)
	adminToken, _ := registerUser(t, ts, "root")

	resp, _ := doJSON(t, ts, http.MethodPost, "/admin/policies", adminToken, policy.Policy{
		ID:        "deny-exports",
		Effect:    policy.EffectDeny,
		Subjects:  []string{"*"},
		Resources: []string{"node:secret"},
		Actions:   []string{"read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A fresh engine loading from the same store sees the policy.
	reloaded, err := policy.New(nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, policy.NewPersistence(store, zaptest.NewLogger(t)).LoadAll(context.Background(), reloaded))
	require.Len(t, reloaded.List(), 1)

	resp, _ = doJSON(t, ts, http.MethodDelete, "/admin/policies/deny-exports", adminToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	emptied, err := policy.New(nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, policy.NewPersistence(store, zaptest.NewLogger(t)).LoadAll(context.Background(), emptied))
	require.Empty(t, emptied.List())
}

func TestAuditEmptyWithoutLog(t *testing.T) {
	_, ts, _ := newTestServer(t)
	adminToken, _ := registerUser(t, ts, "root")
	resp, body := doJSON(t, ts, http.MethodGet, "/admin/audit?limit=10", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["records"])
}

func TestTokenExpiry(t *testing.T) {
	_, ts, _ := newTestServer(t)
	expired, err := IssueToken([]byte("test-secret"), "alice-id", "user", nil, -time.Minute)
	require.NoError(t, err)

	resp, _ := doJSON(t, ts, http.MethodPost, "/consult", expired, map[string]string{
		"query": "anything",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
