// Package provider defines the interfaces implemented by the builtin
// embedding, chunking, and storage backends.
package provider

import "github.com/lgrep/lgrep/pkg/types"

// Splitter cuts source text into pieces bounded by a token budget.
// Implementations report only text and an approximate token count; mapping
// pieces to line numbers is the chunker's job.
type Splitter interface {
	// Split divides content for the given language identifier. An empty
	// input yields zero pieces and no error.
	Split(language string, content []byte) ([]types.Piece, error)
}
