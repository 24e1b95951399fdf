// Package local provides embedding backends that run without a cloud
// dependency: an Ollama client and a deterministic hash embedder for
// development.
package local

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// OllamaEmbedder generates embeddings through Ollama's embedding API.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	client    *http.Client
	dimension int
}

// NewOllamaEmbedder creates the embedder. Defaults: local Ollama with
// nomic-embed-text (768 dimensions).
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		baseURL:   baseURL,
		model:     model,
		client:    &http.Client{Timeout: 30 * time.Second},
		dimension: 768,
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the L2-normalized embedding for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := jsonx.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "marshal embed request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindInternal, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindLLMUnavailable, "ollama embeddings call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, rmkerr.Newf(rmkerr.KindLLMUnavailable, "ollama embeddings status %d: %s",
			resp.StatusCode, string(body))
	}

	var result ollamaEmbedResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, rmkerr.Wrap(rmkerr.KindLLMUnavailable, "decode embed response", err)
	}
	if len(result.Embedding) == 0 {
		return nil, rmkerr.New(rmkerr.KindLLMUnavailable, "empty embedding returned")
	}

	out := make([]float32, len(result.Embedding))
	var sumSq float64
	for i, v := range result.Embedding {
		out[i] = float32(v)
		sumSq += v * v
	}
	normalize(out, sumSq)
	return out, nil
}

// Dimension returns the embedding width.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// HashEmbedder derives a unit vector from a SHA-256 stream over the input.
// The same text always embeds identically, which is what development and
// tests need; it carries no semantic signal.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a hash embedder of the given width.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &HashEmbedder{dimension: dimension}
}

// Embed implements ai.Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, e.dimension)
	var sumSq float64
	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	for i := 0; i < e.dimension; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.LittleEndian.Uint32(block[(i%8)*4:])
		// Map to [-1, 1).
		v := float64(int32(bits)) / float64(math.MaxInt32)
		out[i] = float32(v)
		sumSq += v * v
	}
	normalize(out, sumSq)
	return out, nil
}

// Dimension returns the embedding width.
func (e *HashEmbedder) Dimension() int { return e.dimension }

func normalize(v []float32, sumSq float64) {
	norm := float32(math.Sqrt(sumSq))
	if norm > 1e-9 {
		for i := range v {
			v[i] /= norm
		}
	}
}
