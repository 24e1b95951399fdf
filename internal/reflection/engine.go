// Package reflection runs the background maintenance loop over the memory
// graph: activation decay, insight probing, periodic summaries, and the
// superseded-node retention sweep.
package reflection

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/activation"
	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/ai/synth"
	"github.com/rmkernel/rmk/internal/fulltext"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/vector"
)

// Config tunes the reflection loop.
type Config struct {
	// Interval is the decay tick. Production runs hourly; development
	// runs every minute.
	Interval time.Duration
	// SummaryEvery refreshes the namespace summary every N cycles.
	SummaryEvery int
	// ProbeTopN bounds the nodes considered for insight probing.
	ProbeTopN int
	// ProbePairCap bounds LLM probes per namespace per cycle.
	ProbePairCap int
	// MinInsightConfidence discards weaker probe results.
	MinInsightConfidence float64
	// RetentionAge is how long superseded nodes are kept before the
	// sweep deletes them.
	RetentionAge time.Duration
	// SweepPageSize bounds superseded nodes scanned per cycle.
	SweepPageSize int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:             time.Hour,
		SummaryEvery:         10,
		ProbeTopN:            16,
		ProbePairCap:         8,
		MinInsightConfidence: 0.6,
		RetentionAge:         30 * 24 * time.Hour,
		SweepPageSize:        200,
	}
}

// DevConfig returns the development settings with a fast tick.
func DevConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Minute
	return cfg
}

// CycleStats reports one reflection cycle.
type CycleStats struct {
	Namespaces int
	Decayed    int
	Probes     int
	Insights   int
	Summaries  int
	Swept      int
	Duration   time.Duration
}

// Engine is the reflection loop. Namespaces are registered by the
// ingestion and consultation paths via Observe; the loop only touches
// namespaces it has seen.
type Engine struct {
	store      graph.Store
	activation *activation.Engine
	synth      *synth.Service
	embedder   ai.Embedder
	fulltext   *fulltext.Index
	vectors    *vector.Index
	cfg        Config
	logger     *zap.Logger

	mu         sync.Mutex
	namespaces map[string]struct{}
	probed     map[string]bool

	running atomic.Bool
	cycles  atomic.Int64
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New wires the engine. fulltext and vectors may be nil; insight and
// summary nodes are then not indexed for retrieval.
func New(
	store graph.Store,
	act *activation.Engine,
	synthesizer *synth.Service,
	embedder ai.Embedder,
	ft *fulltext.Index,
	vectors *vector.Index,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:      store,
		activation: act,
		synth:      synthesizer,
		embedder:   embedder,
		fulltext:   ft,
		vectors:    vectors,
		cfg:        cfg,
		logger:     logger.Named("reflection"),
		namespaces: make(map[string]struct{}),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Observe registers a namespace for maintenance.
func (e *Engine) Observe(namespace string) {
	if namespace == "" {
		return
	}
	e.mu.Lock()
	e.namespaces[namespace] = struct{}{}
	e.mu.Unlock()
}

// Start launches the background loop. Call Stop to end it.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
				if _, err := e.RunCycle(ctx); err != nil {
					e.logger.Warn("reflection cycle failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// Stop ends the loop and waits for any in-flight cycle.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
}

// RunCycle executes one full maintenance pass. If a cycle is already in
// flight the call is skipped and reports zero stats.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("cycle already running, skipping")
		return CycleStats{}, nil
	}
	defer e.running.Store(false)

	cycle := e.cycles.Add(1)
	start := e.now()
	stats := CycleStats{}

	e.mu.Lock()
	namespaces := make([]string, 0, len(e.namespaces))
	for ns := range e.namespaces {
		namespaces = append(namespaces, ns)
	}
	e.mu.Unlock()
	sort.Strings(namespaces)
	stats.Namespaces = len(namespaces)

	var firstErr error
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			break
		}

		decay, err := e.activation.Decay(ctx, ns)
		if err != nil {
			e.logger.Warn("decay failed", zap.String("namespace", ns), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			stats.Decayed += decay.Decayed
		}

		probes, insights := e.probeInsights(ctx, ns)
		stats.Probes += probes
		stats.Insights += insights

		if e.cfg.SummaryEvery > 0 && cycle%int64(e.cfg.SummaryEvery) == 0 {
			if e.refreshSummary(ctx, ns) {
				stats.Summaries++
			}
		}

		stats.Swept += e.sweepSuperseded(ctx, ns)
	}

	stats.Duration = e.now().Sub(start)
	e.logger.Info("reflection cycle done",
		zap.Int64("cycle", cycle),
		zap.Int("namespaces", stats.Namespaces),
		zap.Int("decayed", stats.Decayed),
		zap.Int("insights", stats.Insights),
		zap.Int("swept", stats.Swept),
		zap.Duration("duration", stats.Duration))
	return stats, firstErr
}

// sweepSuperseded deletes superseded nodes past the retention age.
func (e *Engine) sweepSuperseded(ctx context.Context, namespace string) int {
	nodes, err := e.store.OrderBy(ctx, namespace, "created_at", false, e.cfg.SweepPageSize, graph.Filter{
		Tag: "superseded",
	})
	if err != nil {
		e.logger.Warn("retention scan failed", zap.String("namespace", namespace), zap.Error(err))
		return 0
	}

	cutoff := e.now().UTC().Add(-e.cfg.RetentionAge)
	swept := 0
	for _, n := range nodes {
		if !n.Superseded() {
			continue
		}
		at, err := time.Parse(time.RFC3339, n.Attributes["superseded_at"])
		if err != nil {
			// No parseable timestamp: fall back to the update time.
			at = n.UpdatedAt
		}
		if at.After(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, namespace, n.UID); err != nil {
			e.logger.Warn("retention delete failed", zap.String("uid", n.UID), zap.Error(err))
			continue
		}
		if e.fulltext != nil {
			if err := e.fulltext.Remove(ctx, n.UID); err != nil {
				e.logger.Debug("fulltext remove failed", zap.String("uid", n.UID), zap.Error(err))
			}
		}
		swept++
	}
	return swept
}
