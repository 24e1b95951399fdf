package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
)

// PolicyNamespace holds persisted policies.
const PolicyNamespace = "system_policy"

// Persistence stores policies as graph nodes so the rule set survives
// restarts.
type Persistence struct {
	store  graph.Store
	logger *zap.Logger
}

// NewPersistence creates a policy persistence layer.
func NewPersistence(store graph.Store, logger *zap.Logger) *Persistence {
	return &Persistence{store: store, logger: logger.Named("policy.store")}
}

// Save writes one policy.
func (p *Persistence) Save(ctx context.Context, pol Policy) error {
	payload, err := jsonx.MarshalToString(pol)
	if err != nil {
		return err
	}
	_, err = p.store.Upsert(ctx, &graph.Node{
		Name:        "policy-" + pol.ID,
		Kind:        graph.KindFact,
		Description: pol.Description,
		Namespace:   PolicyNamespace,
		Tags:        []string{"policy"},
		Attributes:  map[string]string{"policy": payload},
	})
	return err
}

// Delete removes one policy by id.
func (p *Persistence) Delete(ctx context.Context, id string) error {
	nodes, err := p.store.QueryByName(ctx, PolicyNamespace, "policy-"+id, graph.KindFact)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := p.store.Delete(ctx, PolicyNamespace, n.UID); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll reads every persisted policy into the engine.
func (p *Persistence) LoadAll(ctx context.Context, engine *Engine) error {
	nodes, err := p.store.OrderBy(ctx, PolicyNamespace, "created_at", false, 0, graph.Filter{
		Tag: "policy",
	})
	if err != nil {
		return err
	}
	loaded := 0
	for _, n := range nodes {
		raw, ok := n.Attributes["policy"]
		if !ok {
			continue
		}
		var pol Policy
		if err := jsonx.UnmarshalFromString(raw, &pol); err != nil {
			p.logger.Warn("skipping malformed persisted policy",
				zap.String("uid", n.UID),
				zap.Error(err))
			continue
		}
		engine.Add(pol)
		loaded++
	}
	p.logger.Info("policies loaded", zap.Int("count", loaded))
	return nil
}
