// Package treesitter implements an AST-aware splitter on tree-sitter
// grammars. Pieces follow definition boundaries instead of raw line counts.
package treesitter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	tsc "github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/smacker/go-tree-sitter/elixir"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/kotlin"
	"github.com/smacker/go-tree-sitter/lua"
	tsmarkdown "github.com/smacker/go-tree-sitter/markdown/tree-sitter-markdown"
	"github.com/smacker/go-tree-sitter/ocaml"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/scala"
	"github.com/smacker/go-tree-sitter/sql"
	"github.com/smacker/go-tree-sitter/swift"
	"github.com/smacker/go-tree-sitter/toml"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	tstype "github.com/smacker/go-tree-sitter/typescript/typescript"
	"github.com/smacker/go-tree-sitter/yaml"

	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

// DefaultChunkTokens is the per-piece token budget when none is given.
const DefaultChunkTokens = 500

// Splitter cuts source files along AST node boundaries. Consecutive
// top-level spans are packed greedily up to the token budget; nodes larger
// than the budget recurse into their children, and oversize leaves fall
// back to line packing.
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

// Supports reports whether a grammar exists for the language identifier.
func Supports(language string) bool {
	_, ok := grammarFor(language)
	return ok
}

// Split parses content and returns budget-bounded pieces aligned to
// definition boundaries. It errors when no grammar covers the language or
// parsing fails; callers fall back to the simple splitter.
func (s *Splitter) Split(language string, content []byte) ([]types.Piece, error) {
	grammar, ok := grammarFor(language)
	if !ok {
		return nil, fmt.Errorf("no tree-sitter grammar for language %q", language)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}
	defer tree.Close()

	spans := s.collectNode(tree.RootNode(), content)
	if len(spans) == 0 {
		spans = s.lineSpans(content, 0, len(content))
	}

	return s.pack(spans, content), nil
}

// span is a half-open byte range of the source.
type span struct {
	start, end int
}

// collectNode turns node into budget-sized spans: the whole node when it
// fits, otherwise its children recursively, line-packing oversize leaves.
func (s *Splitter) collectNode(node *sitter.Node, content []byte) []span {
	start, end := int(node.StartByte()), int(node.EndByte())
	if start >= end {
		return nil
	}
	if estimateTokens(content[start:end]) <= s.chunkTokens {
		return []span{{start, end}}
	}
	if node.ChildCount() == 0 {
		return s.lineSpans(content, start, end)
	}

	var spans []span
	for i := 0; i < int(node.ChildCount()); i++ {
		spans = append(spans, s.collectNode(node.Child(i), content)...)
	}
	if len(spans) == 0 {
		return s.lineSpans(content, start, end)
	}
	return spans
}

// lineSpans packs the byte range into line-aligned spans under the budget.
// A single line over the budget becomes a span of its own.
func (s *Splitter) lineSpans(content []byte, start, end int) []span {
	var spans []span
	cur := span{start, start}

	for pos := start; pos < end; {
		nl := bytes.IndexByte(content[pos:end], '\n')
		var lineEnd int
		if nl < 0 {
			lineEnd = end
		} else {
			lineEnd = pos + nl + 1
		}

		if cur.end > cur.start && estimateTokens(content[cur.start:lineEnd]) > s.chunkTokens {
			spans = append(spans, cur)
			cur = span{pos, pos}
		}
		cur.end = lineEnd
		pos = lineEnd
	}
	if cur.end > cur.start {
		spans = append(spans, cur)
	}
	return spans
}

// pack merges consecutive spans while the combined slice stays under the
// budget. Merging slices the source between the first and last span, so
// trivia between packed neighbors is preserved.
func (s *Splitter) pack(spans []span, content []byte) []types.Piece {
	var pieces []types.Piece
	var cur span
	have := false

	flush := func() {
		if !have {
			return
		}
		text := string(content[cur.start:cur.end])
		if strings.TrimSpace(text) != "" {
			pieces = append(pieces, types.Piece{
				Text:       text,
				TokenCount: estimateTokens(content[cur.start:cur.end]),
			})
		}
		have = false
	}

	for _, sp := range spans {
		if !have {
			cur, have = sp, true
			continue
		}
		if estimateTokens(content[cur.start:sp.end]) <= s.chunkTokens {
			cur.end = sp.end
			continue
		}
		flush()
		cur, have = sp, true
	}
	flush()

	return pieces
}

// estimateTokens approximates token count by whitespace-separated words.
func estimateTokens(b []byte) int {
	return len(bytes.Fields(b))
}

func grammarFor(language string) (*sitter.Language, bool) {
	switch language {
	case "python":
		return python.GetLanguage(), true
	case "javascript":
		return javascript.GetLanguage(), true
	case "typescript":
		return tstype.GetLanguage(), true
	case "tsx":
		return tsx.GetLanguage(), true
	case "rust":
		return rust.GetLanguage(), true
	case "go":
		return golang.GetLanguage(), true
	case "ruby":
		return ruby.GetLanguage(), true
	case "java":
		return java.GetLanguage(), true
	case "c":
		return tsc.GetLanguage(), true
	case "cpp":
		return cpp.GetLanguage(), true
	case "c_sharp":
		return csharp.GetLanguage(), true
	case "php":
		return php.GetLanguage(), true
	case "swift":
		return swift.GetLanguage(), true
	case "kotlin":
		return kotlin.GetLanguage(), true
	case "scala":
		return scala.GetLanguage(), true
	case "lua":
		return lua.GetLanguage(), true
	case "elixir":
		return elixir.GetLanguage(), true
	case "ocaml":
		return ocaml.GetLanguage(), true
	case "bash":
		return bash.GetLanguage(), true
	case "yaml":
		return yaml.GetLanguage(), true
	case "toml":
		return toml.GetLanguage(), true
	case "markdown":
		return tsmarkdown.GetLanguage(), true
	case "sql":
		return sql.GetLanguage(), true
	}
	return nil, false
}

var _ provider.Splitter = (*Splitter)(nil)
