// Package fulltext provides the term-match seed retrieval index over node
// names and descriptions, backed by Bleve. Results come back ordered by
// activation so the consultation engine can take seeds directly.
package fulltext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
)

// Config holds index settings.
type Config struct {
	// IndexPath stores the index on disk; empty keeps it in memory.
	IndexPath string
	// Fuzziness is the Levenshtein distance for fuzzy name matching.
	Fuzziness int
}

// DefaultConfig returns an in-memory index with light fuzziness.
func DefaultConfig() Config {
	return Config{Fuzziness: 1}
}

// Index is the full-text seed index.
type Index struct {
	index  bleve.Index
	cfg    Config
	logger *zap.Logger
	mu     sync.RWMutex
}

// document is the indexed projection of a node.
type document struct {
	UID         string  `json:"uid"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Namespace   string  `json:"namespace"`
	Kind        string  `json:"kind"`
	Activation  float64 `json:"activation"`
}

// Hit is one search result.
type Hit struct {
	UID        string
	Name       string
	Activation float64
	Score      float64
}

// New opens or creates the index.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	idx := &Index{cfg: cfg, logger: logger.Named("fulltext")}

	var err error
	if cfg.IndexPath == "" {
		idx.index, err = bleve.NewMemOnly(buildMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		idx.index, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx.index, err = bleve.New(cfg.IndexPath, buildMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open fulltext index: %w", err)
	}
	return idx, nil
}

func buildMapping() mapping.IndexMapping {
	nodeMapping := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Store = true
	nodeMapping.AddFieldMappingsAt("name", text)
	nodeMapping.AddFieldMappingsAt("description", text)

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true
	keyword.IncludeInAll = false
	nodeMapping.AddFieldMappingsAt("uid", keyword)
	nodeMapping.AddFieldMappingsAt("namespace", keyword)
	nodeMapping.AddFieldMappingsAt("kind", keyword)

	num := bleve.NewNumericFieldMapping()
	num.Store = true
	num.IncludeInAll = false
	nodeMapping.AddFieldMappingsAt("activation", num)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = nodeMapping
	m.DefaultAnalyzer = "standard"
	return m
}

// IndexNode adds or updates a node in the index.
func (i *Index) IndexNode(ctx context.Context, n *graph.Node) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	doc := document{
		UID:         n.UID,
		Name:        n.Name,
		Description: n.Description,
		Namespace:   n.Namespace,
		Kind:        string(n.Kind),
		Activation:  n.Activation,
	}
	if err := i.index.Index(n.UID, doc); err != nil {
		return fmt.Errorf("index node %s: %w", n.UID, err)
	}
	return nil
}

// IndexBatch indexes a set of nodes in one Bleve batch.
func (i *Index) IndexBatch(ctx context.Context, nodes []*graph.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.index.NewBatch()
	for _, n := range nodes {
		doc := document{
			UID:         n.UID,
			Name:        n.Name,
			Description: n.Description,
			Namespace:   n.Namespace,
			Kind:        string(n.Kind),
			Activation:  n.Activation,
		}
		if err := batch.Index(n.UID, doc); err != nil {
			i.logger.Warn("batch index entry failed",
				zap.String("uid", n.UID),
				zap.Error(err))
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("fulltext batch: %w", err)
	}
	return nil
}

// Remove deletes a node from the index.
func (i *Index) Remove(ctx context.Context, uid string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Delete(uid)
}

// Search matches terms against name and description within the namespace,
// returning up to limit hits ordered by activation descending.
func (i *Index) Search(ctx context.Context, namespace string, terms []string, limit int) ([]Hit, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 30
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	matches := make([]query.Query, 0, len(terms)*2)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		nameQ := query.NewFuzzyQuery(term)
		nameQ.SetField("name")
		nameQ.SetFuzziness(i.cfg.Fuzziness)
		matches = append(matches, nameQ)

		descQ := query.NewMatchQuery(term)
		descQ.SetField("description")
		matches = append(matches, descQ)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	nsQ := query.NewTermQuery(namespace)
	nsQ.SetField("namespace")

	final := query.NewConjunctionQuery([]query.Query{
		query.NewDisjunctionQuery(matches),
		nsQ,
	})

	// Over-fetch so the activation re-sort has room to work.
	req := bleve.NewSearchRequest(final)
	req.Size = limit * 3
	req.Fields = []string{"uid", "name", "activation"}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{UID: h.ID, Score: h.Score}
		if name, ok := h.Fields["name"].(string); ok {
			hit.Name = name
		}
		if act, ok := h.Fields["activation"].(float64); ok {
			hit.Activation = act
		}
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Activation != hits[b].Activation {
			return hits[a].Activation > hits[b].Activation
		}
		return hits[a].UID < hits[b].UID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Close releases the index.
func (i *Index) Close() error {
	return i.index.Close()
}
