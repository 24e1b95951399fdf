// Package activation implements the access-driven boost and time-driven
// decay lifecycle that orders retrieval.
package activation

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
)

// Config holds the lifecycle tunables.
type Config struct {
	// BoostAmount is added to activation on each access, clamped to Max.
	BoostAmount float64
	// DailyRate is the fraction of activation lost per day of non-access.
	DailyRate float64
	// ProtectionWindow exempts recently accessed nodes from decay.
	ProtectionWindow time.Duration
	// Min and Max clamp activation.
	Min float64
	Max float64
	// RankAlpha blends activation against similarity in Rank.
	RankAlpha float64
	// DecayPageSize bounds nodes processed per store round-trip.
	DecayPageSize int
}

// DefaultConfig returns the production lifecycle settings.
func DefaultConfig() Config {
	return Config{
		BoostAmount:      0.15,
		DailyRate:        0.005,
		ProtectionWindow: 24 * time.Hour,
		Min:              0.0,
		Max:              1.0,
		RankAlpha:        0.7,
		DecayPageSize:    500,
	}
}

// Engine applies boosts and decay against the graph store.
type Engine struct {
	store  graph.Store
	cfg    Config
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates an activation engine.
func New(store graph.Store, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("activation"),
		now:    time.Now,
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Boost raises activation for the accessed nodes and records the access.
// All updates land in one batched store write.
func (e *Engine) Boost(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := e.now().UTC()

	ops := make([]graph.Op, 0, len(ids))
	for _, id := range ids {
		n, err := e.store.Get(ctx, namespace, id)
		if err != nil {
			e.logger.Debug("boost target missing", zap.String("id", id), zap.Error(err))
			continue
		}
		n.Activation = clamp(n.Activation+e.cfg.BoostAmount, e.cfg.Min, e.cfg.Max)
		n.AccessCount++
		n.LastAccessed = now
		// Fresh access restarts the decay clock.
		delete(n.Attributes, "last_decayed_at")
		ops = append(ops, graph.Op{Kind: graph.OpUpsertNode, Node: n})
	}
	if len(ops) == 0 {
		return nil
	}
	if err := e.store.BatchWrite(ctx, namespace, ops); err != nil {
		return err
	}
	e.logger.Debug("boosted nodes",
		zap.String("namespace", namespace),
		zap.Int("count", len(ops)))
	return nil
}

// DecayStats reports one decay pass.
type DecayStats struct {
	Scanned int
	Decayed int
}

// Decay applies exponential decay to every node in the namespace whose
// last access precedes the protection window. The decay exponent is the
// time since the later of last_accessed and last_decayed_at, so a second
// run inside the same tick decays by ~zero additional days instead of
// compounding.
func (e *Engine) Decay(ctx context.Context, namespace string) (DecayStats, error) {
	var stats DecayStats
	now := e.now().UTC()
	cutoff := now.Add(-e.cfg.ProtectionWindow)

	pageSize := e.cfg.DecayPageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	// Oldest-first so decayed nodes fall out of subsequent pages once
	// their activation drops.
	nodes, err := e.store.OrderBy(ctx, namespace, "last_accessed", false, pageSize, graph.Filter{
		LastAccessedBefore: cutoff,
	})
	if err != nil {
		return stats, err
	}

	var ops []graph.Op
	for _, n := range nodes {
		stats.Scanned++
		last := n.LastAccessed
		if last.IsZero() {
			last = n.CreatedAt
		}
		if last.IsZero() || !last.Before(cutoff) {
			continue
		}
		// Decay only the span since the previous decay pass.
		ref := last
		if ts, ok := n.Attributes["last_decayed_at"]; ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil && parsed.After(ref) {
				ref = parsed
			}
		}
		days := now.Sub(ref).Hours() / 24
		if days <= 0 {
			continue
		}
		decayed := clamp(n.Activation*math.Pow(1-e.cfg.DailyRate, days), e.cfg.Min, e.cfg.Max)
		if n.Attributes == nil {
			n.Attributes = make(map[string]string)
		}
		n.Attributes["last_decayed_at"] = now.Format(time.RFC3339)
		if decayed == n.Activation {
			continue
		}
		n.Activation = decayed
		ops = append(ops, graph.Op{Kind: graph.OpUpsertNode, Node: n})
		stats.Decayed++
	}
	if len(ops) > 0 {
		if err := e.store.BatchWrite(ctx, namespace, ops); err != nil {
			return stats, err
		}
	}
	e.logger.Debug("decay pass complete",
		zap.String("namespace", namespace),
		zap.Int("scanned", stats.Scanned),
		zap.Int("decayed", stats.Decayed))
	return stats, nil
}

// Candidate pairs a node with its query similarity for ranking.
type Candidate struct {
	Node       *graph.Node
	Similarity float64
	// Spread is the activation contributed by spreading; it is folded
	// into the node's activation term before blending.
	Spread float64
}

// Score is the blended rank value for the candidate.
func (e *Engine) Score(c Candidate) float64 {
	act := clamp(c.Node.Activation+c.Spread, e.cfg.Min, e.cfg.Max)
	return e.cfg.RankAlpha*act + (1-e.cfg.RankAlpha)*c.Similarity
}

// Rank sorts candidates by the activation/similarity blend, descending.
// Ties break on uid so identical graph states rank identically.
func (e *Engine) Rank(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := e.Score(candidates[i]), e.Score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].Node.UID < candidates[j].Node.UID
	})
	return candidates
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
