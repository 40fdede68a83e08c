// Package simple implements a line-accumulating splitter. It is the
// fallback for languages without a tree-sitter grammar and for files the
// parser cannot handle.
package simple

import (
	"strings"

	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

const (
	// DefaultChunkTokens is the per-piece token budget when none is given.
	DefaultChunkTokens = 500

	// minSplitTokens is how much a piece must have accumulated before a
	// blank line or definition line is allowed to end it. Keeps the
	// splitter from emitting confetti on airy code.
	minSplitTokens = 25
)

// Splitter accumulates lines into pieces bounded by a token budget,
// preferring to break at blank lines and definition-looking lines so pieces
// align with logical blocks even without a parser.
type Splitter struct {
	chunkTokens int
}

// New creates a splitter with the given per-piece token budget.
func New(chunkTokens int) *Splitter {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	return &Splitter{chunkTokens: chunkTokens}
}

// Split divides content into line-aligned pieces. Token counts are
// whitespace-split estimates: one per word plus one per line.
func (s *Splitter) Split(language string, content []byte) ([]types.Piece, error) {
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")

	var pieces []types.Piece
	var current []string
	currentTokens := 0

	emit := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, "\n")
		if strings.TrimSpace(joined) != "" {
			pieces = append(pieces, types.Piece{Text: joined, TokenCount: currentTokens})
		}
		current = nil
		currentTokens = 0
	}

	for _, line := range lines {
		lineTokens := len(strings.Fields(line)) + 1

		overBudget := currentTokens > 0 && currentTokens+lineTokens > s.chunkTokens
		atBoundary := currentTokens >= minSplitTokens &&
			(strings.TrimSpace(line) == "" || looksLikeDefinition(line, language))

		if overBudget || atBoundary {
			emit()
		}

		current = append(current, line)
		currentTokens += lineTokens
	}
	emit()

	return pieces, nil
}

// looksLikeDefinition reports whether a line opens a new top-level
// definition. Heuristics only; the tree-sitter splitter handles languages
// where this matters most.
func looksLikeDefinition(line, language string) bool {
	trimmed := strings.TrimSpace(line)

	switch language {
	case "go":
		return strings.HasPrefix(trimmed, "func ") ||
			strings.HasPrefix(trimmed, "type ")
	case "python":
		return strings.HasPrefix(trimmed, "def ") ||
			strings.HasPrefix(trimmed, "async def ") ||
			strings.HasPrefix(trimmed, "class ")
	case "javascript", "typescript", "tsx":
		return strings.HasPrefix(trimmed, "function ") ||
			strings.HasPrefix(trimmed, "class ") ||
			strings.HasPrefix(trimmed, "export function ") ||
			strings.HasPrefix(trimmed, "export class ") ||
			strings.HasPrefix(trimmed, "export default function ")
	case "rust":
		return strings.HasPrefix(trimmed, "fn ") ||
			strings.HasPrefix(trimmed, "pub fn ") ||
			strings.HasPrefix(trimmed, "impl ") ||
			strings.HasPrefix(trimmed, "struct ") ||
			strings.HasPrefix(trimmed, "pub struct ") ||
			strings.HasPrefix(trimmed, "enum ") ||
			strings.HasPrefix(trimmed, "trait ")
	case "java", "c_sharp":
		return strings.Contains(trimmed, "class ") ||
			strings.Contains(trimmed, "interface ")
	case "r":
		return strings.Contains(trimmed, "<- function") ||
			strings.Contains(trimmed, "= function")
	case "julia":
		return strings.HasPrefix(trimmed, "function ") ||
			strings.HasPrefix(trimmed, "macro ") ||
			strings.HasPrefix(trimmed, "struct ") ||
			strings.HasPrefix(trimmed, "mutable struct ")
	case "erlang":
		return strings.HasPrefix(trimmed, "-spec") ||
			strings.HasPrefix(trimmed, "-record")
	case "haskell":
		return strings.Contains(trimmed, " :: ") ||
			strings.HasPrefix(trimmed, "data ") ||
			strings.HasPrefix(trimmed, "class ") ||
			strings.HasPrefix(trimmed, "instance ")
	}

	return false
}

var _ provider.Splitter = (*Splitter)(nil)
