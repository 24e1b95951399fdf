// Package server exposes the memory kernel over HTTP: ingestion,
// consultation, workspace and invitation management, and the admin policy
// and audit surface.
package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/consult"
	"github.com/rmkernel/rmk/internal/identity"
	"github.com/rmkernel/rmk/internal/ingest"
	"github.com/rmkernel/rmk/internal/policy"
	"github.com/rmkernel/rmk/internal/reflection"
	"github.com/rmkernel/rmk/internal/validation"
)

// Config tunes the HTTP layer.
type Config struct {
	Addr            string
	JWTSecret       []byte
	TokenTTL        time.Duration
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	// PublicURL prefixes share links handed back to clients.
	PublicURL string
	// AdminUsers names the accounts whose tokens carry the admin role.
	AdminUsers []string
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		TokenTTL:        24 * time.Hour,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server routes requests to the kernel services.
type Server struct {
	cfg       Config
	ingest    *ingest.Coordinator
	consult   *consult.Engine
	identity  *identity.Service
	policies  *policy.Engine
	audit     *policy.AuditLog
	reflector *reflection.Engine
	validator *validation.Validator
	logger    *zap.Logger

	policyStore *policy.Persistence

	http *http.Server
}

// SetPolicyStore installs the persistence layer behind the admin policy
// endpoints. Without it, policy edits live only in memory.
func (s *Server) SetPolicyStore(ps *policy.Persistence) {
	s.policyStore = ps
}

// New wires the routes. audit and reflector may be nil.
func New(
	cfg Config,
	coordinator *ingest.Coordinator,
	consultEngine *consult.Engine,
	identitySvc *identity.Service,
	policyEngine *policy.Engine,
	auditLog *policy.AuditLog,
	reflector *reflection.Engine,
	logger *zap.Logger,
) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		ingest:    coordinator,
		consult:   consultEngine,
		identity:  identitySvc,
		policies:  policyEngine,
		audit:     auditLog,
		reflector: reflector,
		validator: validation.New(),
		logger:    logger.Named("server"),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full middleware and routing stack.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	r.HandleFunc("/ingest/turn", s.handleIngestTurn).Methods(http.MethodPost)
	r.HandleFunc("/ingest/document", s.handleIngestDocument).Methods(http.MethodPost)
	r.HandleFunc("/ingest/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/consult", s.handleConsult).Methods(http.MethodPost)

	r.HandleFunc("/workspaces", s.handleCreateWorkspace).Methods(http.MethodPost)
	r.HandleFunc("/workspaces/{ws}/invite", s.handleInvite).Methods(http.MethodPost)
	r.HandleFunc("/workspaces/{ws}/invitations", s.handleSentInvitations).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{ws}/members", s.handleListMembers).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{ws}/members/{user}", s.handleRemoveMember).Methods(http.MethodDelete)
	r.HandleFunc("/workspaces/{ws}/share-link", s.handleShareLink).Methods(http.MethodPost)
	r.HandleFunc("/join/{token}", s.handleJoin).Methods(http.MethodPost)

	r.HandleFunc("/invitations", s.handlePendingInvitations).Methods(http.MethodGet)
	r.HandleFunc("/invitations/{id}/accept", s.handleInvitationResolve).Methods(http.MethodPost)
	r.HandleFunc("/invitations/{id}/decline", s.handleInvitationResolve).Methods(http.MethodPost)

	r.HandleFunc("/admin/policies", s.handleListPolicies).Methods(http.MethodGet)
	r.HandleFunc("/admin/policies", s.handleAddPolicy).Methods(http.MethodPost)
	r.HandleFunc("/admin/policies/{id}", s.handleDeletePolicy).Methods(http.MethodDelete)
	r.HandleFunc("/admin/audit", s.handleAudit).Methods(http.MethodGet)

	var h http.Handler = s.authenticate(r)
	h = handlers.CORS(
		handlers.AllowedOrigins(s.allowedOrigins()),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	h = handlers.CombinedLoggingHandler(os.Stdout, h)
	return h
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe registers activity for background maintenance.
func (s *Server) observe(namespace string) {
	if s.reflector != nil {
		s.reflector.Observe(namespace)
	}
}
