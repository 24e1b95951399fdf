// Package ingest orchestrates the asynchronous memory pipeline:
// chunk, extract, curate, index. One coordinator serves every namespace.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/ai"
	"github.com/rmkernel/rmk/internal/ai/curate"
	"github.com/rmkernel/rmk/internal/ai/extract"
	"github.com/rmkernel/rmk/internal/chunking"
	"github.com/rmkernel/rmk/internal/fulltext"
	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/rmkerr"
	"github.com/rmkernel/rmk/internal/vector"
	"github.com/rmkernel/rmk/internal/visiontree"
)

// JobKind identifies what is being ingested.
type JobKind string

const (
	JobConversationTurn JobKind = "conversation_turn"
	JobDocumentText     JobKind = "document_text"
	JobDocumentBlob     JobKind = "document_blob"
)

// State is the job lifecycle position.
type State string

const (
	StateNew       State = "NEW"
	StateChunked   State = "CHUNKED"
	StateExtracted State = "EXTRACTED"
	StateCurated   State = "CURATED"
	StateIndexed   State = "INDEXED"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Request describes one ingestion job.
type Request struct {
	Kind      JobKind
	Namespace string
	// UserQuery and AIResponse carry a conversation turn.
	UserQuery  string
	AIResponse string
	// Text carries document text; Blob carries raw uploaded bytes.
	Text     string
	Blob     []byte
	Filename string
}

// Stats reports what a finished job did.
type Stats struct {
	Chunks         int           `json:"chunks"`
	Entities       int           `json:"entities"`
	Created        int           `json:"created"`
	Merged         int           `json:"merged"`
	Contradictions int           `json:"contradictions"`
	Indexed        int           `json:"indexed"`
	TreeDepth      int           `json:"tree_depth,omitempty"`
	TreeLeaves     int           `json:"tree_leaves,omitempty"`
	Extraction     extract.Stats `json:"extraction,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Job is the tracked unit of work.
type Job struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	Namespace string    `json:"namespace"`
	State     State     `json:"state"`
	Stats     Stats     `json:"stats"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	req  Request
	done chan struct{}
}

// BlobExtractor converts validated upload bytes to text. The default
// treats the blob as UTF-8.
type BlobExtractor func(filename string, blob []byte) (string, error)

// Config tunes the coordinator.
type Config struct {
	QueueCapacity int
	Workers       int
	ChunkSize     int
}

// DefaultConfig matches the standard deployment tuning.
func DefaultConfig() Config {
	return Config{QueueCapacity: 1024, Workers: 4, ChunkSize: 1000}
}

// Coordinator runs the pipeline. Jobs within one namespace execute
// serially; namespaces proceed in parallel across the worker pool.
type Coordinator struct {
	chunker  *chunking.Chunker
	extract  *extract.Service
	curator  *curate.Service
	store    graph.Store
	vectors  *vector.Index
	fulltext *fulltext.Index
	blobText BlobExtractor
	logger   *zap.Logger

	// Document tree indexing is optional; nil embedder disables it.
	embedder    ai.Embedder
	treeBuilder *visiontree.Builder

	queue chan *Job
	wg    sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*Job
	trees   map[string]*visiontree.Tree
	nsLocks sync.Map // namespace -> *sync.Mutex

	closed  chan struct{}
	closeMu sync.Once
}

// New starts the coordinator's worker pool.
func New(
	cfg Config,
	chunker *chunking.Chunker,
	extractor *extract.Service,
	curator *curate.Service,
	store graph.Store,
	vectors *vector.Index,
	ft *fulltext.Index,
	logger *zap.Logger,
) *Coordinator {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	c := &Coordinator{
		chunker:  chunker,
		extract:  extractor,
		curator:  curator,
		store:    store,
		vectors:  vectors,
		fulltext: ft,
		blobText: func(_ string, blob []byte) (string, error) { return string(blob), nil },
		logger:   logger.Named("ingest"),
		queue:    make(chan *Job, cfg.QueueCapacity),
		jobs:     make(map[string]*Job),
		trees:    make(map[string]*visiontree.Tree),
		closed:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// SetBlobExtractor installs the DocumentBlob text conversion hook.
func (c *Coordinator) SetBlobExtractor(fn BlobExtractor) {
	if fn != nil {
		c.blobText = fn
	}
}

// SetTreeIndexer enables hierarchical tree indexing of document chunks.
func (c *Coordinator) SetTreeIndexer(embedder ai.Embedder, cfg visiontree.Config) {
	c.embedder = embedder
	c.treeBuilder = visiontree.NewBuilder(cfg, c.logger)
}

// DocTree returns the chunk tree built for a document job, if any.
func (c *Coordinator) DocTree(jobID string) (*visiontree.Tree, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trees[jobID]
	return t, ok
}

// Enqueue admits a job. A full queue fails immediately with Overloaded so
// the caller decides whether to retry.
func (c *Coordinator) Enqueue(req Request) (*Job, error) {
	if req.Namespace == "" {
		return nil, rmkerr.New(rmkerr.KindInvalidInput, "namespace is required")
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Namespace: req.Namespace,
		State:     StateNew,
		CreatedAt: time.Now().UTC(),
		req:       req,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.jobs[job.ID] = job
	c.mu.Unlock()

	select {
	case c.queue <- job:
		return job, nil
	default:
		c.mu.Lock()
		delete(c.jobs, job.ID)
		c.mu.Unlock()
		return nil, rmkerr.New(rmkerr.KindOverloaded, "ingestion queue is full")
	}
}

// Get returns a snapshot of the job.
func (c *Coordinator) Get(jobID string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "job %s not found", jobID)
	}
	snapshot := *job
	return &snapshot, nil
}

// Wait blocks until the job reaches DONE or FAILED.
func (c *Coordinator) Wait(ctx context.Context, jobID string) (*Job, error) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return nil, rmkerr.Newf(rmkerr.KindNotFound, "job %s not found", jobID)
	}
	select {
	case <-job.done:
		return c.Get(jobID)
	case <-ctx.Done():
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "wait for job", ctx.Err())
	}
}

// IngestSync enqueues and waits. Callers get the turn-N-before-turn-N+1
// visibility guarantee this way.
func (c *Coordinator) IngestSync(ctx context.Context, req Request) (*Job, error) {
	job, err := c.Enqueue(req)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, job.ID)
}

// Close drains the queue and stops the workers.
func (c *Coordinator) Close() {
	c.closeMu.Do(func() {
		close(c.closed)
		close(c.queue)
	})
	c.wg.Wait()
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for job := range c.queue {
		c.run(job)
	}
}

func (c *Coordinator) nsLock(namespace string) *sync.Mutex {
	v, _ := c.nsLocks.LoadOrStore(namespace, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Coordinator) setState(job *Job, s State) {
	c.mu.Lock()
	job.State = s
	c.mu.Unlock()
}

func (c *Coordinator) fail(job *Job, err error) {
	c.mu.Lock()
	job.State = StateFailed
	job.Error = err.Error()
	c.mu.Unlock()
	c.logger.Warn("ingestion job failed",
		zap.String("job_id", job.ID),
		zap.String("namespace", job.Namespace),
		zap.Error(err))
	close(job.done)
}

func (c *Coordinator) run(job *Job) {
	// Serial per namespace; cross-namespace jobs proceed on other workers.
	lock := c.nsLock(job.Namespace)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	text, err := c.jobText(job)
	if err != nil {
		c.fail(job, err)
		return
	}

	// Empty input completes immediately with zeroed stats.
	if isEmptyInput(job, text) {
		c.setState(job, StateDone)
		c.mu.Lock()
		job.Stats.Duration = time.Since(start)
		c.mu.Unlock()
		close(job.done)
		return
	}

	result, err := c.chunkAndExtract(ctx, job, text)
	if err != nil {
		c.fail(job, err)
		return
	}

	outcome, err := c.curator.Curate(ctx, job.Namespace, result)
	if err != nil {
		c.fail(job, rmkerr.Wrap(rmkerr.KindInternal, "curation", err))
		return
	}
	c.mu.Lock()
	job.Stats.Entities = len(result.Entities)
	job.Stats.Created = outcome.Created
	job.Stats.Merged = outcome.Merged
	job.Stats.Contradictions = outcome.Contradictions
	c.mu.Unlock()
	c.setState(job, StateCurated)

	indexed := c.index(ctx, job.Namespace, outcome.NodeIDs)
	c.mu.Lock()
	job.Stats.Indexed = indexed
	job.Stats.Duration = time.Since(start)
	c.mu.Unlock()
	c.setState(job, StateIndexed)

	c.setState(job, StateDone)
	c.logger.Info("ingestion job done",
		zap.String("job_id", job.ID),
		zap.String("namespace", job.Namespace),
		zap.Int("created", outcome.Created),
		zap.Int("merged", outcome.Merged),
		zap.Duration("took", time.Since(start)))
	close(job.done)
}

func (c *Coordinator) jobText(job *Job) (string, error) {
	switch job.Kind {
	case JobConversationTurn:
		return job.req.UserQuery, nil
	case JobDocumentText:
		return job.req.Text, nil
	case JobDocumentBlob:
		text, err := c.blobText(job.req.Filename, job.req.Blob)
		if err != nil {
			return "", rmkerr.Wrap(rmkerr.KindInvalidInput, "blob text extraction", err)
		}
		return text, nil
	default:
		return "", rmkerr.Newf(rmkerr.KindInvalidInput, "unknown job kind %q", job.Kind)
	}
}

func isEmptyInput(job *Job, text string) bool {
	if job.Kind == JobConversationTurn {
		return text == "" && job.req.AIResponse == ""
	}
	return text == ""
}

// chunkAndExtract runs the CHUNKED and EXTRACTED stages. For documents,
// individual chunk failures are tolerated; the job fails only when every
// chunk fails.
func (c *Coordinator) chunkAndExtract(ctx context.Context, job *Job, text string) (*extract.Result, error) {
	if job.Kind == JobConversationTurn {
		c.mu.Lock()
		job.Stats.Chunks = 1
		c.mu.Unlock()
		c.setState(job, StateChunked)

		result, err := c.extract.ExtractTurn(ctx, job.req.UserQuery, job.req.AIResponse)
		if err != nil {
			return nil, rmkerr.Wrap(rmkerr.KindInternal, "turn extraction", err)
		}
		c.setState(job, StateExtracted)
		return result, nil
	}

	chunks := c.chunker.Chunk(text)
	c.mu.Lock()
	job.Stats.Chunks = len(chunks)
	c.mu.Unlock()
	c.setState(job, StateChunked)

	c.buildDocTree(ctx, job, chunks)

	result, stats, err := c.extract.ExtractDocument(ctx, chunks)
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "document extraction", err)
	}
	c.mu.Lock()
	job.Stats.Extraction = stats
	c.mu.Unlock()
	c.setState(job, StateExtracted)
	return result, nil
}

// buildDocTree embeds document chunks and clusters them into a searchable
// hierarchy. Embedding failures skip the tree without failing the job.
func (c *Coordinator) buildDocTree(ctx context.Context, job *Job, chunks []chunking.Chunk) {
	if c.embedder == nil || c.treeBuilder == nil || len(chunks) < 2 {
		return
	}
	embedded := make([]visiontree.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		vec, err := c.embedder.Embed(ctx, ch.Text)
		if err != nil {
			c.logger.Warn("chunk embedding failed, skipping tree",
				zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		embedded = append(embedded, visiontree.Chunk{Text: ch.Text, Embedding: vec})
	}

	tree := c.treeBuilder.Build(embedded)
	c.mu.Lock()
	c.trees[job.ID] = tree
	job.Stats.TreeDepth = tree.Depth()
	job.Stats.TreeLeaves = len(embedded)
	c.mu.Unlock()
}

// index pushes curated nodes into the vector and fulltext indexes. Index
// write failures degrade retrieval but do not fail the job.
func (c *Coordinator) index(ctx context.Context, namespace string, nodeIDs []string) int {
	indexed := 0
	for _, id := range nodeIDs {
		node, err := c.store.Get(ctx, namespace, id)
		if err != nil {
			c.logger.Warn("indexing skipped missing node", zap.String("uid", id), zap.Error(err))
			continue
		}
		if c.fulltext != nil {
			if err := c.fulltext.IndexNode(ctx, node); err != nil {
				c.logger.Warn("fulltext index write failed", zap.String("uid", id), zap.Error(err))
			}
		}
		if c.vectors != nil && len(node.Embedding) > 0 {
			if err := c.vectors.Add(ctx, namespace, id, node.Embedding); err != nil {
				c.logger.Warn("vector index write failed", zap.String("uid", id), zap.Error(err))
				continue
			}
		}
		indexed++
	}
	return indexed
}
