package provider

import "context"

// Embedder generates embedding vectors through a remote service.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// EmbedDocuments embeds a batch of document texts. It returns one
	// vector per input, in order, plus the total tokens consumed.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, int, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the width of returned vectors.
	Dimensions() int

	// Close releases client resources.
	Close() error
}
