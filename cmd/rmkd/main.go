// rmkd is the reflective memory kernel daemon: graph store, ingestion
// pipeline, consultation engine, reflection loop, and the HTTP API.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/activation"
	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/ai/curate"
	"github.com/rmkernel/rmk/internal/ai/extract"
	"github.com/rmkernel/rmk/internal/ai/local"
	"github.com/rmkernel/rmk/internal/ai/router"
	"github.com/rmkernel/rmk/internal/ai/synth"
	"github.com/rmkernel/rmk/internal/cache"
	"github.com/rmkernel/rmk/internal/chunking"
	"github.com/rmkernel/rmk/internal/config"
	"github.com/rmkernel/rmk/internal/consult"
	"github.com/rmkernel/rmk/internal/fulltext"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/identity"
	"github.com/rmkernel/rmk/internal/ingest"
	"github.com/rmkernel/rmk/internal/policy"
	"github.com/rmkernel/rmk/internal/reflection"
	"github.com/rmkernel/rmk/internal/rmkerr"
	"github.com/rmkernel/rmk/internal/server"
	"github.com/rmkernel/rmk/internal/vector"
	"github.com/rmkernel/rmk/internal/visiontree"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	dev := flag.Bool("dev", false, "development mode: in-memory store, short lifecycle windows")
	flag.Parse()

	if err := run(*configPath, *dev); err != nil {
		fmt.Fprintln(os.Stderr, "rmkd:", err)
		os.Exit(rmkerr.ExitCode(err))
	}
}

func run(configPath string, dev bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return rmkerr.Wrap(rmkerr.KindInvalidInput, "load config", err)
	}
	if dev {
		cfg.StoreBackend = "memory"
		cfg.ProtectionWindow = 60 * time.Second
		cfg.DecayInterval = 60 * time.Second
	}

	logger, err := buildLogger(dev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	rdb := connectRedis(ctx, cfg, logger)
	nc := connectNATS(cfg, logger)

	vectors, err := vector.New(vector.Config{PersistPath: cfg.VectorPersistPath}, logger)
	if err != nil {
		return rmkerr.Wrap(rmkerr.KindInternal, "create vector index", err)
	}
	ft, err := fulltext.New(fulltext.DefaultConfig(), logger)
	if err != nil {
		return rmkerr.Wrap(rmkerr.KindInternal, "create fulltext index", err)
	}

	llm := router.New(nil, logger)
	logger.Info("llm providers configured", zap.Any("order", llm.Providers()))
	var embedder ai.Embedder = local.NewOllamaEmbedder(os.Getenv("OLLAMA_URL"), os.Getenv("RMK_EMBED_MODEL"))

	audit := policy.NewAuditLog(store, nc, logger)
	defer audit.Close()
	policies, err := policy.New(audit, logger)
	if err != nil {
		return rmkerr.Wrap(rmkerr.KindInternal, "create policy engine", err)
	}
	policyStore := policy.NewPersistence(store, logger)
	if err := policyStore.LoadAll(ctx, policies); err != nil {
		logger.Warn("persisted policies not loaded", zap.Error(err))
	}

	extractor := extract.New(llm, extract.Config{
		RepresentativeEvery: cfg.RepresentativeEvery,
		LLMBudget:           cfg.ExtractionLLMBudget,
	}, logger)
	curator := curate.New(store, vectors, embedder, llm, curate.Config{
		DedupThreshold: cfg.DedupThreshold,
		MergeThreshold: cfg.MergeThreshold,
	}, logger)
	chunker := chunking.New(chunking.Config{Size: cfg.ChunkSize})

	coordinator := ingest.New(ingest.Config{
		QueueCapacity: cfg.QueueCapacity,
		ChunkSize:     cfg.ChunkSize,
	}, chunker, extractor, curator, store, vectors, ft, logger)
	defer coordinator.Close()
	coordinator.SetTreeIndexer(embedder, visiontree.Config{Branching: cfg.TreeBranching})

	briefs, err := cache.NewTiered(0, cfg.BriefCacheTTL, rdb, logger)
	if err != nil {
		return rmkerr.Wrap(rmkerr.KindInternal, "create brief cache", err)
	}
	defer briefs.Close()

	act := activation.New(store, activation.Config{
		BoostAmount:      cfg.BoostAmount,
		DailyRate:        cfg.DecayDailyRate,
		ProtectionWindow: cfg.ProtectionWindow,
		Min:              cfg.MinActivation,
		Max:              cfg.MaxActivation,
		RankAlpha:        cfg.RankAlpha,
	}, logger)
	synthesizer := synth.New(llm, logger)

	consultEngine := consult.New(store, ft, vectors, embedder, llm, synthesizer, policies, act, briefs, consult.Config{
		FullTextLimit:   cfg.FullTextLimit,
		RecencyLimit:    cfg.RecencyLimit,
		VectorLimit:     cfg.VectorLimit,
		RecallThreshold: cfg.RecallThreshold,
		SpreadGamma:     cfg.SpreadGamma,
		SpreadDepth:     cfg.SpreadDepth,
		TopK:            cfg.ContextTopK,
	}, logger)
	defer consultEngine.Close()

	reflectCfg := reflection.DefaultConfig()
	reflectCfg.Interval = cfg.DecayInterval
	reflectCfg.SummaryEvery = cfg.SummaryMultiple
	reflectCfg.ProbeTopN = cfg.InsightSampleTop
	reflectCfg.ProbePairCap = cfg.InsightPairCap
	reflectCfg.RetentionAge = cfg.SupersededRetention
	reflector := reflection.New(store, act, synthesizer, embedder, ft, vectors, reflectCfg, logger)
	reflector.Start()
	defer reflector.Stop()

	identitySvc := identity.New(store, rdb, logger)

	srv := server.New(server.Config{
		Addr:       cfg.ListenAddress,
		JWTSecret:  jwtSecret(cfg, logger),
		PublicURL:  strings.TrimSuffix(os.Getenv("RMK_PUBLIC_URL"), "/"),
		AdminUsers: splitList(os.Getenv("RMK_ADMIN_USERS")),
	}, coordinator, consultEngine, identitySvc, policies, audit, reflector, logger)
	srv.SetPolicyStore(policyStore)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return rmkerr.Wrap(rmkerr.KindInternal, "http server", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}
	if nc != nil {
		nc.Close()
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, rmkerr.Wrap(rmkerr.KindInternal, "create logger", err)
		}
		return logger, nil
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "create logger", err)
	}
	return logger, nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (graph.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Info("using in-memory graph store")
		return graph.NewMemstore(), nil
	case "dgraph":
		dcfg := graph.DefaultDgraphConfig()
		dcfg.Address = cfg.DgraphAddress
		store, err := graph.NewDgraph(ctx, dcfg, logger)
		if err != nil {
			return nil, rmkerr.Wrap(rmkerr.KindStoreUnavailable, "connect dgraph", err)
		}
		return store, nil
	default:
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "unknown store backend %q", cfg.StoreBackend)
	}
}

// connectRedis is best-effort: an unreachable Redis drops the L2 cache and
// share-token locks but never blocks startup.
func connectRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddress == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing without it",
			zap.String("addr", cfg.RedisAddress), zap.Error(err))
		rdb.Close()
		return nil
	}
	return rdb
}

// connectNATS is best-effort: without it audit records stay store-only.
func connectNATS(cfg config.Config, logger *zap.Logger) *nats.Conn {
	if cfg.NATSAddress == "" {
		return nil
	}
	nc, err := nats.Connect(cfg.NATSAddress,
		nats.Timeout(3*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1))
	if err != nil {
		logger.Warn("nats unreachable, continuing without it",
			zap.String("addr", cfg.NATSAddress), zap.Error(err))
		return nil
	}
	return nc
}

// jwtSecret falls back to a random per-process secret so a missing config
// never downgrades token verification to a known key. Tokens then do not
// survive restarts; production deployments must set one.
func jwtSecret(cfg config.Config, logger *zap.Logger) []byte {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Fatal("generate jwt secret", zap.Error(err))
	}
	logger.Warn("jwt_secret not configured, generated an ephemeral secret",
		zap.String("hint", "set RMK_JWT_SECRET to keep tokens valid across restarts"))
	return []byte(hex.EncodeToString(buf))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
