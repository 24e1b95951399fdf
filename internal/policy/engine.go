// Package policy implements the allow/deny rule engine guarding every graph
// read and write, with a decision cache and an audit trail.
package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// Effect is the outcome a policy prescribes.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Policy grants or denies actions on resources for subjects. Subjects and
// resources support the "*" wildcard, "<type>:*" per-type wildcards, and
// exact "user:<id>" / "node:<id>" / "ns:<namespace>" forms.
type Policy struct {
	ID          string   `json:"id"`
	Effect      Effect   `json:"effect"`
	Subjects    []string `json:"subjects"`
	Resources   []string `json:"resources"`
	Actions     []string `json:"actions"`
	Description string   `json:"description,omitempty"`
}

// Request is one access check.
type Request struct {
	// Principal is "user:<id>", or "anonymous".
	Principal string
	// Groups are the group namespaces the principal belongs to.
	Groups []string
	// Action is "read", "write", or "admin".
	Action string
	// Resource is the typed target, e.g. "node:<id>" or "ns:<namespace>".
	Resource string
	// Namespace owns the resource; drives the default decision when no
	// policy matches.
	Namespace string
}

// Decision is the engine's verdict.
type Decision struct {
	Allow bool
	// PolicyID names the matched policy, empty for default decisions.
	PolicyID string
	Reason   string
}

// Auditor receives one record per check. Implementations must not block.
type Auditor interface {
	Record(ctx context.Context, rec AuditRecord)
}

// Engine evaluates policies. DENY always wins over ALLOW; absent any match
// the principal's own namespace is allowed and everything else denied.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy

	cache   *ristretto.Cache[string, Decision]
	auditor Auditor
	logger  *zap.Logger
}

// New creates an engine with an empty policy set.
func New(auditor Auditor, logger *zap.Logger) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Decision]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		cache:   cache,
		auditor: auditor,
		logger:  logger.Named("policy"),
	}, nil
}

// Check evaluates one request. Every call emits an audit record, cached
// decisions included.
func (e *Engine) Check(ctx context.Context, req Request) Decision {
	key := cacheKey(req)
	if dec, ok := e.cache.Get(key); ok {
		e.audit(ctx, req, dec, true)
		return dec
	}

	dec := e.evaluate(req)
	e.cache.Set(key, dec, 1)
	e.audit(ctx, req, dec, false)
	return dec
}

func (e *Engine) evaluate(req Request) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var allowed *Policy
	for i := range e.policies {
		p := &e.policies[i]
		if !p.matches(req) {
			continue
		}
		// SECURITY: a single matching DENY settles the check
		// regardless of any ALLOW.
		if p.Effect == EffectDeny {
			return Decision{Allow: false, PolicyID: p.ID, Reason: "policy deny"}
		}
		if allowed == nil {
			allowed = p
		}
	}
	if allowed != nil {
		return Decision{Allow: true, PolicyID: allowed.ID, Reason: "policy allow"}
	}

	// Default: the principal's own namespaces are open, everything else
	// is closed.
	if e.inNamespace(req) {
		return Decision{Allow: true, Reason: "default allow in namespace"}
	}
	return Decision{Allow: false, Reason: "default deny outside namespace"}
}

// inNamespace reports whether the request's namespace belongs to the
// principal: their private user_ namespace or a group they are a member of.
func (e *Engine) inNamespace(req Request) bool {
	if req.Namespace == "" {
		return false
	}
	if id, ok := strings.CutPrefix(req.Principal, "user:"); ok {
		if req.Namespace == "user_"+id {
			return true
		}
	}
	// The anonymous principal owns the shared anonymous namespace.
	if req.Principal == "anonymous" && req.Namespace == "user_anonymous" {
		return true
	}
	for _, g := range req.Groups {
		if req.Namespace == g {
			return true
		}
	}
	return false
}

func (p *Policy) matches(req Request) bool {
	return matchesAny(p.Subjects, subjectValues(req)) &&
		matchesAny(p.Resources, resourceValues(req)) &&
		matchesAction(p.Actions, req.Action)
}

func subjectValues(req Request) []string {
	values := make([]string, 0, 1+len(req.Groups))
	values = append(values, req.Principal)
	for _, g := range req.Groups {
		values = append(values, "group:"+g)
	}
	return values
}

func resourceValues(req Request) []string {
	values := []string{req.Resource}
	if req.Namespace != "" {
		values = append(values, "ns:"+req.Namespace)
	}
	return values
}

func matchesAny(patterns, values []string) bool {
	for _, pat := range patterns {
		for _, v := range values {
			if matchPattern(pat, v) {
				return true
			}
		}
	}
	return false
}

func matchesAction(patterns []string, action string) bool {
	for _, pat := range patterns {
		if pat == "*" || pat == action {
			return true
		}
	}
	return false
}

// matchPattern supports "*", "<type>:*", and exact values.
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(value, prefix+":")
	}
	return pattern == value
}

// Add installs or replaces a policy and flushes the decision cache.
func (e *Engine) Add(p Policy) {
	e.mu.Lock()
	replaced := false
	for i := range e.policies {
		if e.policies[i].ID == p.ID {
			e.policies[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		e.policies = append(e.policies, p)
	}
	e.mu.Unlock()

	e.cache.Clear()
	e.logger.Info("policy installed",
		zap.String("id", p.ID),
		zap.String("effect", string(p.Effect)),
		zap.Bool("replaced", replaced))
}

// Remove deletes a policy by id and flushes the decision cache.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	found := false
	kept := e.policies[:0]
	for _, p := range e.policies {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	e.policies = kept
	e.mu.Unlock()

	if found {
		e.cache.Clear()
		e.logger.Info("policy removed", zap.String("id", id))
	}
	return found
}

// List returns a copy of the installed policies.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

func (e *Engine) audit(ctx context.Context, req Request, dec Decision, cached bool) {
	if e.auditor == nil {
		return
	}
	decision := "deny"
	if dec.Allow {
		decision = "allow"
	}
	e.auditor.Record(ctx, AuditRecord{
		Time:      time.Now().UTC(),
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  req.Resource,
		Namespace: req.Namespace,
		Decision:  decision,
		PolicyID:  dec.PolicyID,
		Reason:    dec.Reason,
		Cached:    cached,
	})
}

// cacheKey covers every input the decision depends on. Groups are part of
// the key: membership changes never flush the cache, so two requests that
// differ only in group membership must never share an entry.
func cacheKey(req Request) string {
	groups := req.Groups
	if len(groups) > 1 {
		groups = append([]string(nil), groups...)
		sort.Strings(groups)
	}
	return req.Principal + "|" + req.Action + "|" + req.Resource + "|" + req.Namespace + "|" + strings.Join(groups, ",")
}
