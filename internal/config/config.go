// Package config holds the kernel configuration. Every tunable that shapes
// retrieval or lifecycle behavior lives here so call sites never inline a
// magic constant.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full kernel configuration. Zero values are filled from
// DefaultConfig; YAML and environment overrides are applied on top.
type Config struct {
	// Backing services.
	DgraphAddress string `yaml:"dgraph_address"`
	NATSAddress   string `yaml:"nats_address"`
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// StoreBackend selects "dgraph" or "memory".
	StoreBackend string `yaml:"store_backend"`

	// HTTP surface.
	ListenAddress string `yaml:"listen_address"`
	JWTSecret     string `yaml:"jwt_secret"`

	// Vector index persistence. Empty keeps vectors in memory only.
	VectorPersistPath string `yaml:"vector_persist_path"`

	// Activation lifecycle.
	DecayDailyRate   float64       `yaml:"decay_daily_rate"`
	BoostAmount      float64       `yaml:"boost_amount"`
	ProtectionWindow time.Duration `yaml:"protection_window"`
	MinActivation    float64       `yaml:"min_activation"`
	MaxActivation    float64       `yaml:"max_activation"`

	// Retrieval.
	RankAlpha       float64 `yaml:"rank_alpha"`
	SpreadGamma     float64 `yaml:"spread_gamma"`
	SpreadDepth     int     `yaml:"spread_depth"`
	ExpandFanoutCap int     `yaml:"expand_fanout_cap"`
	FullTextLimit   int     `yaml:"fulltext_limit"`
	RecencyLimit    int     `yaml:"recency_limit"`
	VectorLimit     int     `yaml:"vector_limit"`
	ContextTopK     int     `yaml:"context_top_k"`

	// Similarity thresholds.
	RecallThreshold float64 `yaml:"recall_threshold"`
	DedupThreshold  float64 `yaml:"dedup_threshold"`
	MergeThreshold  float64 `yaml:"merge_threshold"`

	// Ingestion.
	QueueCapacity       int           `yaml:"queue_capacity"`
	ChunkSize           int           `yaml:"chunk_size"`
	RepresentativeEvery int           `yaml:"representative_every"`
	ExtractionLLMBudget int           `yaml:"extraction_llm_budget"`
	SupersededRetention time.Duration `yaml:"superseded_retention"`

	// Reflection.
	DecayInterval    time.Duration `yaml:"decay_interval"`
	SummaryMultiple  int           `yaml:"summary_multiple"`
	InsightPairCap   int           `yaml:"insight_pair_cap"`
	InsightSampleTop int           `yaml:"insight_sample_top"`

	// Deadlines for external calls.
	ExtractionTimeout time.Duration `yaml:"extraction_timeout"`
	EmbeddingTimeout  time.Duration `yaml:"embedding_timeout"`
	SynthesisTimeout  time.Duration `yaml:"synthesis_timeout"`
	StoreTimeout      time.Duration `yaml:"store_timeout"`
	VisionTimeout     time.Duration `yaml:"vision_timeout"`

	// Vision tree.
	TreeBranching int `yaml:"tree_branching"`

	// Brief cache TTL for repeated consultations.
	BriefCacheTTL time.Duration `yaml:"brief_cache_ttl"`
}

// DefaultConfig returns production defaults. Dev mode shortens the decay
// interval and protection window; see DevConfig.
func DefaultConfig() Config {
	return Config{
		DgraphAddress: "localhost:9080",
		NATSAddress:   "nats://localhost:4222",
		RedisAddress:  "localhost:6379",
		StoreBackend:  "dgraph",
		ListenAddress: ":8080",

		DecayDailyRate:   0.005,
		BoostAmount:      0.15,
		ProtectionWindow: 24 * time.Hour,
		MinActivation:    0.0,
		MaxActivation:    1.0,

		RankAlpha:       0.7,
		SpreadGamma:     0.5,
		SpreadDepth:     2,
		ExpandFanoutCap: 200,
		FullTextLimit:   30,
		RecencyLimit:    30,
		VectorLimit:     20,
		ContextTopK:     10,

		RecallThreshold: 0.1,
		DedupThreshold:  0.3,
		MergeThreshold:  0.92,

		QueueCapacity:       1024,
		ChunkSize:           1000,
		RepresentativeEvery: 5,
		ExtractionLLMBudget: 10,
		SupersededRetention: 30 * 24 * time.Hour,

		DecayInterval:    time.Hour,
		SummaryMultiple:  10,
		InsightPairCap:   8,
		InsightSampleTop: 16,

		ExtractionTimeout: 60 * time.Second,
		EmbeddingTimeout:  60 * time.Second,
		SynthesisTimeout:  120 * time.Second,
		StoreTimeout:      30 * time.Second,
		VisionTimeout:     180 * time.Second,

		TreeBranching: 10,

		BriefCacheTTL: 30 * time.Second,
	}
}

// DevConfig returns the defaults with the short lifecycle windows used in
// development and tests.
func DevConfig() Config {
	cfg := DefaultConfig()
	cfg.StoreBackend = "memory"
	cfg.ProtectionWindow = 60 * time.Second
	cfg.DecayInterval = 60 * time.Second
	return cfg
}

// Load reads YAML from path (optional, "" skips the file) and applies
// environment overrides on top of DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RMK_DGRAPH_ADDRESS"); v != "" {
		c.DgraphAddress = v
	}
	if v := os.Getenv("RMK_NATS_ADDRESS"); v != "" {
		c.NATSAddress = v
	}
	if v := os.Getenv("RMK_REDIS_ADDRESS"); v != "" {
		c.RedisAddress = v
	}
	if v := os.Getenv("RMK_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("RMK_STORE_BACKEND"); v != "" {
		c.StoreBackend = v
	}
	if v := os.Getenv("RMK_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("RMK_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("RMK_DECAY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DecayInterval = d
		}
	}
	if v := os.Getenv("RMK_PROTECTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ProtectionWindow = d
		}
	}
	if v := os.Getenv("RMK_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.QueueCapacity = n
		}
	}
}

// Validate rejects configurations that would violate retrieval or lifecycle
// invariants.
func (c *Config) Validate() error {
	if c.DecayDailyRate < 0 || c.DecayDailyRate >= 1 {
		return fmt.Errorf("decay_daily_rate must be in [0,1): %v", c.DecayDailyRate)
	}
	if c.BoostAmount < 0 || c.BoostAmount > 1 {
		return fmt.Errorf("boost_amount must be in [0,1]: %v", c.BoostAmount)
	}
	if c.RankAlpha < 0 || c.RankAlpha > 1 {
		return fmt.Errorf("rank_alpha must be in [0,1]: %v", c.RankAlpha)
	}
	if c.SpreadGamma <= 0 || c.SpreadGamma > 1 {
		return fmt.Errorf("spread_gamma must be in (0,1]: %v", c.SpreadGamma)
	}
	if c.MergeThreshold <= c.DedupThreshold {
		return fmt.Errorf("merge_threshold must exceed dedup_threshold")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive: %d", c.QueueCapacity)
	}
	if c.StoreBackend != "dgraph" && c.StoreBackend != "memory" {
		return fmt.Errorf("store_backend must be dgraph or memory: %q", c.StoreBackend)
	}
	return nil
}
