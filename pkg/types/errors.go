package types

import "errors"

// Sentinel errors for common error conditions. The capacity, auto-index and
// API-key messages surface verbatim in tool error envelopes, so they are
// written as user-facing sentences.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProjectLimit is returned when the registry is at capacity.
	ErrProjectLimit = errors.New("Maximum project limit reached. Restart the server or evict unused projects.")

	// ErrAutoIndexFailed is returned to every caller of a failed
	// first-search auto-index.
	ErrAutoIndexFailed = errors.New("Failed to auto-index project on first search")

	// ErrMissingAPIKey is returned when an operation needs embeddings but
	// no key is configured.
	ErrMissingAPIKey = errors.New("VOYAGE_API_KEY is not set. Semantic search requires a Voyage AI API key.")

	// ErrEmbeddingFailed is returned when embedding generation fails after
	// retries are exhausted.
	ErrEmbeddingFailed = errors.New("embedding failed")
)
