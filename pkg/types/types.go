// Package types defines the core data structures shared across lgrep.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EmbeddingDim is the width of every stored embedding vector. It matches
// the output dimension of the default Voyage code model.
const EmbeddingDim = 1024

// Match types reported on search results.
const (
	MatchTypeVector = "vector"
	MatchTypeHybrid = "hybrid"
)

// Chunk is one indexed slice of a source file.
type Chunk struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"file_path"`   // project-relative, slash-separated
	ChunkIndex int       `json:"chunk_index"` // zero-based position within the file
	StartLine  int       `json:"start_line"`  // 1-indexed, inclusive
	EndLine    int       `json:"end_line"`    // 1-indexed, inclusive
	Content    string    `json:"content"`
	FileHash   string    `json:"file_hash"` // hex SHA-256 of the source file at indexing time
	IndexedAt  time.Time `json:"indexed_at"`
}

// Piece is a splitter's unit of output: raw text plus an approximate token
// count. Line numbers are assigned later by the chunker.
type Piece struct {
	Text       string
	TokenCount int
}

// SearchResult is a single search hit.
type SearchResult struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
}

// SearchResults is the complete response for one query.
type SearchResults struct {
	Results     []SearchResult `json:"results"`
	QueryTimeMS float64        `json:"query_time_ms"`
	TotalChunks int            `json:"total_chunks"`
}

// IndexStats summarizes one indexing run. ChunkCount and TotalTokens cover
// fresh work only; files skipped by the hash check still count in FileCount.
type IndexStats struct {
	FileCount   int     `json:"file_count"`
	ChunkCount  int     `json:"chunk_count"`
	TotalTokens int     `json:"total_tokens"`
	DurationMS  float64 `json:"duration_ms"`
}

// ProjectStatus describes one project known to the server, live or cached.
type ProjectStatus struct {
	Path      string `json:"path"`
	Files     int    `json:"files"`
	Chunks    int    `json:"chunks"`
	Watching  bool   `json:"watching"`
	DiskCache bool   `json:"disk_cache,omitempty"`
}

// HashBytes returns the hex-encoded SHA-256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
