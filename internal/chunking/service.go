// Package chunking splits text into bounded chunks at semantic delimiters.
// Chunks always partition the input: concatenating them in order reproduces
// the input byte for byte.
package chunking

import "unicode/utf8"

// Chunk is one contiguous slice of the input.
type Chunk struct {
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	// PageNumber is carried through for document chunks; 0 for plain text.
	PageNumber int `json:"page_number,omitempty"`
	// Complete is false when the chunk ended at a hard split rather than
	// a delimiter.
	Complete  bool `json:"complete"`
	ByteCount int  `json:"byte_count"`
	CharCount int  `json:"char_count"`
}

// Config controls chunk boundaries.
type Config struct {
	// Size is the target chunk size in bytes.
	Size int `json:"size"`
	// Delimiters are the single-byte split characters.
	Delimiters []byte `json:"delimiters"`
	// PrefixMode moves the boundary delimiter to the start of the next
	// chunk instead of keeping it at the end of the current one.
	PrefixMode bool `json:"prefix_mode"`
	// Consecutive collapses runs of delimiters into one boundary.
	Consecutive bool `json:"consecutive"`
	// ForwardFallback scans past the window for the first delimiter when
	// the window contains none, bounded by the 2x size cap.
	ForwardFallback bool `json:"forward_fallback"`
}

// DefaultConfig splits prose on sentence and line boundaries.
func DefaultConfig() Config {
	return Config{
		Size:            1000,
		Delimiters:      []byte{'\n', '.', '?', '!'},
		Consecutive:     true,
		ForwardFallback: true,
	}
}

// MarkdownConfig splits structured documents on block markers, boundary
// markers leading the next chunk.
func MarkdownConfig(size int) Config {
	return Config{
		Size:            size,
		Delimiters:      []byte{'\n', '#', '>', '\t'},
		PrefixMode:      true,
		Consecutive:     true,
		ForwardFallback: true,
	}
}

// Chunker splits text according to one Config.
type Chunker struct {
	cfg Config
}

// New returns a chunker. A zero or negative size falls back to the default.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if len(cfg.Delimiters) == 0 {
		cfg.Delimiters = DefaultConfig().Delimiters
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text. The returned chunks are ordered, non-overlapping, and
// cover the whole input; no chunk exceeds 2x the configured size.
func (c *Chunker) Chunk(text string) []Chunk {
	if text == "" {
		return nil
	}
	size := c.cfg.Size
	hardCap := 2 * size

	var chunks []Chunk
	position := 0
	for position < len(text) {
		remaining := len(text) - position
		if remaining <= size {
			chunks = append(chunks, c.emit(text, position, len(text), true))
			break
		}

		windowEnd := position + size
		end, complete := c.boundary(text, position, windowEnd, hardCap)
		chunks = append(chunks, c.emit(text, position, end, complete))
		position = end
	}
	return chunks
}

// boundary picks the end offset for the chunk starting at position.
func (c *Chunker) boundary(text string, position, windowEnd, hardCap int) (end int, complete bool) {
	minEnd := position + c.cfg.Size/4

	// Backward scan inside the window.
	if idx := c.lastDelimiter(text, position, windowEnd); idx >= 0 {
		end = c.splitPoint(text, idx, position+hardCap)
		// A split this early would leave a fragment; prefer the full
		// window instead.
		if end >= minEnd && end > position {
			return end, true
		}
	}

	// Forward scan past the window, bounded by the hard cap.
	if c.cfg.ForwardFallback {
		limit := position + hardCap
		if limit > len(text) {
			limit = len(text)
		}
		if idx := c.firstDelimiter(text, windowEnd, limit); idx >= 0 {
			end = c.splitPoint(text, idx, limit)
			if end > position && end <= limit {
				return end, true
			}
		}
	}

	// Hard split at the window end.
	return windowEnd, false
}

// splitPoint converts a delimiter index into a chunk end offset, honoring
// prefix mode and consecutive-run collapsing. cap bounds forward extension.
func (c *Chunker) splitPoint(text string, idx, cap int) int {
	if c.cfg.PrefixMode {
		// Delimiter leads the next chunk; collapse the run backward so
		// the whole run moves with it.
		if c.cfg.Consecutive {
			for idx > 0 && c.isDelimiter(text[idx-1]) {
				idx--
			}
		}
		return idx
	}
	// Suffix mode: the delimiter ends this chunk; collapse the run forward.
	end := idx + 1
	if c.cfg.Consecutive {
		for end < len(text) && end < cap && c.isDelimiter(text[end]) {
			end++
		}
	}
	return end
}

func (c *Chunker) lastDelimiter(text string, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if c.isDelimiter(text[i]) {
			return i
		}
	}
	return -1
}

func (c *Chunker) firstDelimiter(text string, from, to int) int {
	for i := from; i < to && i < len(text); i++ {
		if c.isDelimiter(text[i]) {
			return i
		}
	}
	return -1
}

func (c *Chunker) isDelimiter(b byte) bool {
	for _, d := range c.cfg.Delimiters {
		if b == d {
			return true
		}
	}
	return false
}

func (c *Chunker) emit(text string, start, end int, complete bool) Chunk {
	s := text[start:end]
	return Chunk{
		Text:        s,
		StartOffset: start,
		EndOffset:   end,
		Complete:    complete,
		ByteCount:   len(s),
		CharCount:   utf8.RuneCountInString(s),
	}
}

// Page is one page of an extracted document.
type Page struct {
	Number int
	Text   string
}

// ChunkDocument chunks each page separately and stamps the page number on
// every chunk, preserving in-page offsets.
func (c *Chunker) ChunkDocument(pages []Page) []Chunk {
	var all []Chunk
	for _, p := range pages {
		for _, ch := range c.Chunk(p.Text) {
			ch.PageNumber = p.Number
			all = append(all, ch)
		}
	}
	return all
}

// Texts extracts just the text of each chunk.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out
}
