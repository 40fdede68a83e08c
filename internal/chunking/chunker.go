// Package chunking turns source files into line-annotated chunks. It
// routes each language to a splitter and maps every piece back to its line
// range in the source.
package chunking

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/lgrep/lgrep/builtin/chunking/simple"
	"github.com/lgrep/lgrep/builtin/chunking/treesitter"
	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

const (
	// DefaultChunkTokens is the per-chunk token budget.
	DefaultChunkTokens = 500

	// DefaultMinChunkTokens drops pieces too small to be worth a vector.
	DefaultMinChunkTokens = 10

	// locatePrefixLen is how much of a piece is matched against the
	// source when computing line numbers.
	locatePrefixLen = 50
)

// Config contains chunker configuration.
type Config struct {
	ChunkTokens    int // token budget per chunk
	MinChunkTokens int // pieces below this are dropped
}

// Chunker splits files into chunks. Safe for concurrent use.
type Chunker struct {
	ast       provider.Splitter
	fallback  provider.Splitter
	minTokens int
}

// New creates a chunker backed by the tree-sitter splitter with the simple
// splitter as fallback.
func New(cfg Config) *Chunker {
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = DefaultChunkTokens
	}
	if cfg.MinChunkTokens <= 0 {
		cfg.MinChunkTokens = DefaultMinChunkTokens
	}
	return &Chunker{
		ast:       treesitter.New(cfg.ChunkTokens),
		fallback:  simple.New(cfg.ChunkTokens),
		minTokens: cfg.MinChunkTokens,
	}
}

// ChunkFile splits content into chunks carrying the file's relative path
// and 1-indexed line ranges. Empty or whitespace-only content yields zero
// chunks and no error. FileHash and IndexedAt are left for the indexer.
func (c *Chunker) ChunkFile(relPath string, content []byte) ([]types.Chunk, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, nil
	}

	language := DetectLanguage(relPath)
	pieces, err := c.split(relPath, language, content)
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", relPath, err)
	}

	text := string(content)
	lineStarts := buildLineStarts(text)

	chunks := make([]types.Chunk, 0, len(pieces))
	searchFrom := 0
	for _, piece := range pieces {
		trimmed := strings.TrimSpace(piece.Text)
		if trimmed == "" || piece.TokenCount < c.minTokens {
			continue
		}

		startLine, endLine := 1, 1
		if pos, ok := find(text, trimmed, searchFrom); ok {
			startLine = lineAt(lineStarts, pos)
			endLine = lineAt(lineStarts, pos+len(trimmed))
			searchFrom = pos + prefixLen(trimmed)
		} else {
			slog.Debug("chunk not located in source",
				"file", relPath, "chunk_index", len(chunks))
		}

		chunks = append(chunks, types.Chunk{
			ID:         uuid.NewString(),
			FilePath:   relPath,
			ChunkIndex: len(chunks),
			StartLine:  startLine,
			EndLine:    endLine,
			Content:    trimmed,
		})
	}
	return chunks, nil
}

// split selects the splitter for a language, falling back to the simple
// splitter when no grammar exists or parsing fails.
func (c *Chunker) split(relPath, language string, content []byte) ([]types.Piece, error) {
	if treesitter.Supports(language) {
		pieces, err := c.ast.Split(language, content)
		if err == nil && len(pieces) > 0 {
			return pieces, nil
		}
		if err != nil {
			slog.Debug("ast split failed, using fallback",
				"file", relPath, "language", language, "error", err)
		}
	}
	return c.fallback.Split(language, content)
}

// find locates needle's prefix in text at or after from.
func find(text, needle string, from int) (int, bool) {
	if from >= len(text) {
		return 0, false
	}
	rel := strings.Index(text[from:], needle[:prefixLen(needle)])
	if rel < 0 {
		return 0, false
	}
	return from + rel, true
}

func prefixLen(s string) int {
	if len(s) > locatePrefixLen {
		return locatePrefixLen
	}
	return len(s)
}

// buildLineStarts returns the byte offset of each line's first character.
func buildLineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineAt maps a byte offset to its 1-indexed line number.
func lineAt(lineStarts []int, pos int) int {
	n := sort.Search(len(lineStarts), func(i int) bool { return lineStarts[i] > pos })
	if n < 1 {
		return 1
	}
	return n
}
