package provider

import (
	"context"

	"github.com/lgrep/lgrep/pkg/types"
)

// ChunkWriter mutates chunk rows.
type ChunkWriter interface {
	// Add inserts chunks with their embeddings. vectors[i] belongs to
	// chunks[i].
	Add(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error

	// Upsert replaces all chunks for a file in one step.
	Upsert(ctx context.Context, filePath string, chunks []types.Chunk, vectors [][]float32) error

	// DeleteByFile removes every chunk belonging to filePath. Hostile
	// path values must never touch other files' rows.
	DeleteByFile(ctx context.Context, filePath string) error

	// Clear removes all rows and resets lazily built search structures.
	Clear(ctx context.Context) error
}

// ChunkReader reads chunk metadata without decoding embedding vectors.
type ChunkReader interface {
	// FileHash returns the stored hash for filePath, or types.ErrNotFound.
	FileHash(ctx context.Context, filePath string) (string, error)

	// IndexedFiles returns the distinct file paths currently indexed.
	IndexedFiles(ctx context.Context) ([]string, error)

	// Count returns the total number of chunks.
	Count(ctx context.Context) (int, error)

	// FileCount returns the number of distinct indexed files.
	FileCount(ctx context.Context) (int, error)
}

// Searcher runs similarity queries.
type Searcher interface {
	// SearchVector returns the chunks nearest to vector by cosine
	// distance, best first.
	SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error)

	// SearchHybrid fuses vector similarity with full-text ranking. When
	// full-text search is unavailable it degrades to vector-only results.
	SearchHybrid(ctx context.Context, query string, vector []float32, limit int) ([]types.SearchResult, error)
}

// ChunkStore persists chunks and embeddings for one project.
type ChunkStore interface {
	ChunkWriter
	ChunkReader
	Searcher

	// Close releases the underlying database.
	Close() error
}
