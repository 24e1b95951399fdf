// Package vector implements the per-namespace ANN index over node
// embeddings, backed by the embedded chromem store. Scores are cosine
// similarity; callers filter with the threshold that fits their use
// (recall, dedup gating, or merge).
package vector

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// SECURITY: namespace strings flow into collection names; anything outside
// this shape is rejected before it reaches the store.
var namespacePattern = regexp.MustCompile(`^(user|group|system)_[a-zA-Z0-9_-]+$`)

// ValidNamespace reports whether ns has the canonical tenant shape.
func ValidNamespace(ns string) bool {
	return namespacePattern.MatchString(ns)
}

// Result is one similarity hit.
type Result struct {
	ID    string
	Score float64
}

// Config holds index settings.
type Config struct {
	// PersistPath stores vectors on disk; empty keeps them in memory.
	PersistPath string
	// Compress gzips the persisted file.
	Compress bool
}

// Index is the per-namespace vector index.
type Index struct {
	db     *chromem.DB
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	// embeddingFunc always errors: every vector here is precomputed
	// by the Embedder, never derived from text inside the index.
	embeddingFunc chromem.EmbeddingFunc
}

// New creates the index, loading persisted vectors when a path is set.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	var db *chromem.DB
	var err error

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create vector directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/vectors.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}
		if _, statErr := os.Stat(dbPath); statErr == nil {
			db, err = chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				logger.Warn("failed to load vector database, starting empty",
					zap.String("path", dbPath),
					zap.Error(err))
				db = chromem.NewDB()
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &Index{
		db:          db,
		cfg:         cfg,
		logger:      logger.Named("vector"),
		collections: make(map[string]*chromem.Collection),
		embeddingFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, fmt.Errorf("vectors must be precomputed")
		},
	}, nil
}

func collectionName(namespace string) string {
	return "ns_" + namespace
}

func (i *Index) collection(namespace string) (*chromem.Collection, error) {
	if !ValidNamespace(namespace) {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "invalid namespace %q", namespace)
	}
	name := collectionName(namespace)

	i.mu.RLock()
	if col, ok := i.collections[name]; ok {
		i.mu.RUnlock()
		return col, nil
	}
	i.mu.RUnlock()

	i.mu.Lock()
	defer i.mu.Unlock()
	if col, ok := i.collections[name]; ok {
		return col, nil
	}
	col, err := i.db.GetOrCreateCollection(name, nil, i.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", name, err)
	}
	i.collections[name] = col
	return col, nil
}

// Add inserts or replaces the vector for a node id.
func (i *Index) Add(ctx context.Context, namespace, id string, vec []float32) error {
	if len(vec) == 0 {
		return rmkerr.New(rmkerr.KindInvalidInput, "empty embedding")
	}
	col, err := i.collection(namespace)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        id,
		Metadata:  map[string]string{"namespace": namespace},
		Embedding: vec,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("add vector %s: %w", id, err)
	}
	return nil
}

// Remove deletes the vector for a node id.
func (i *Index) Remove(ctx context.Context, namespace, id string) error {
	col, err := i.collection(namespace)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("remove vector %s: %w", id, err)
	}
	return nil
}

// Search returns up to k ids whose cosine similarity to vec meets minScore,
// best first.
func (i *Index) Search(ctx context.Context, namespace string, vec []float32, k int, minScore float64) ([]Result, error) {
	col, err := i.collection(namespace)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	// chromem rejects nResults above the collection size.
	if count := col.Count(); count < k {
		if count == 0 {
			return nil, nil
		}
		k = count
	}

	hits, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		score := float64(h.Similarity)
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: h.ID, Score: score})
	}
	return results, nil
}

// Rebuild repopulates a namespace's collection from the graph store.
// Embeddings on nodes are the source of truth.
func (i *Index) Rebuild(ctx context.Context, namespace string, store graph.Store) (int, error) {
	if !ValidNamespace(namespace) {
		return 0, rmkerr.Newf(rmkerr.KindInvalidInput, "invalid namespace %q", namespace)
	}
	name := collectionName(namespace)

	i.mu.Lock()
	_ = i.db.DeleteCollection(name)
	delete(i.collections, name)
	i.mu.Unlock()

	nodes, err := store.OrderBy(ctx, namespace, "created_at", false, 0, graph.Filter{})
	if err != nil {
		return 0, err
	}
	col, err := i.collection(namespace)
	if err != nil {
		return 0, err
	}

	var docs []chromem.Document
	for _, n := range nodes {
		if len(n.Embedding) == 0 {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        n.UID,
			Metadata:  map[string]string{"namespace": namespace},
			Embedding: n.Embedding,
		})
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, 4); err != nil {
			return 0, fmt.Errorf("rebuild %s: %w", namespace, err)
		}
	}
	i.logger.Info("vector index rebuilt",
		zap.String("namespace", namespace),
		zap.Int("vectors", len(docs)))
	return len(docs), nil
}

// DropNamespace removes a namespace's collection entirely.
func (i *Index) DropNamespace(ctx context.Context, namespace string) error {
	if !ValidNamespace(namespace) {
		return rmkerr.Newf(rmkerr.KindInvalidInput, "invalid namespace %q", namespace)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	name := collectionName(namespace)
	delete(i.collections, name)
	return i.db.DeleteCollection(name)
}

// Persist writes vectors to disk when persistence is configured.
func (i *Index) Persist() error {
	if i.cfg.PersistPath == "" {
		return nil
	}
	dbPath := i.cfg.PersistPath + "/vectors.gob"
	if i.cfg.Compress {
		dbPath += ".gz"
	}
	if err := i.db.Export(dbPath, i.cfg.Compress, ""); err != nil {
		return fmt.Errorf("persist vectors: %w", err)
	}
	return nil
}
