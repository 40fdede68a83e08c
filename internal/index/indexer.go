// Package index implements the indexing pipeline and the file watcher that
// keeps a project's chunk store current.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lgrep/lgrep/internal/chunking"
	"github.com/lgrep/lgrep/internal/discovery"
	"github.com/lgrep/lgrep/internal/ignore"
	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

// Indexer wires discovery, chunking, embedding, and storage for one project.
type Indexer struct {
	root     string
	store    provider.ChunkStore
	embedder provider.Embedder
	chunker  *chunking.Chunker
	matcher  *ignore.Matcher
}

// Config contains indexer dependencies. Root must be an absolute project
// path.
type Config struct {
	Root     string
	Store    provider.ChunkStore
	Embedder provider.Embedder
	Chunker  *chunking.Chunker
	Matcher  *ignore.Matcher
}

// New creates an indexer for one project.
func New(cfg Config) *Indexer {
	return &Indexer{
		root:     cfg.Root,
		store:    cfg.Store,
		embedder: cfg.Embedder,
		chunker:  cfg.Chunker,
		matcher:  cfg.Matcher,
	}
}

// IndexAll walks the project, reconciles files that vanished since the last
// run, and indexes every discovered file. Per-file failures are logged and
// skipped; only discovery errors and context cancellation abort the run.
func (idx *Indexer) IndexAll(ctx context.Context) (types.IndexStats, error) {
	start := time.Now()
	var stats types.IndexStats

	slog.Info("full index started", "project", idx.root)

	files, err := discovery.Discover(idx.root, idx.matcher)
	if err != nil {
		return stats, fmt.Errorf("file discovery failed: %w", err)
	}
	stats.FileCount = len(files)

	idx.removeStale(ctx, files)

	for _, relPath := range files {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		chunkCount, tokens, err := idx.IndexFile(ctx, relPath)
		if err != nil {
			slog.Warn("indexing file failed", "file", relPath, "error", err)
			continue
		}
		stats.ChunkCount += chunkCount
		stats.TotalTokens += tokens
	}

	stats.DurationMS = time.Since(start).Seconds() * 1000
	slog.Info("full index complete",
		"files", stats.FileCount,
		"chunks", stats.ChunkCount,
		"tokens", stats.TotalTokens,
		"duration_ms", stats.DurationMS,
	)
	return stats, nil
}

// IndexFile indexes one project-relative file and returns the number of
// chunks written plus the embedding tokens spent. Unchanged files cost
// nothing: the stored hash short-circuits before any embedding call. A file
// that no longer exists has its chunks removed.
func (idx *Indexer) IndexFile(ctx context.Context, relPath string) (int, int, error) {
	absPath := filepath.Join(idx.root, filepath.FromSlash(relPath))

	content, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Vanished between discovery and read.
			if delErr := idx.store.DeleteByFile(ctx, relPath); delErr != nil {
				return 0, 0, delErr
			}
			slog.Debug("missing file removed from index", "file", relPath)
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read %s: %w", relPath, err)
	}

	fileHash := types.HashBytes(content)
	stored, err := idx.store.FileHash(ctx, relPath)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		slog.Debug("file hash lookup failed", "file", relPath, "error", err)
	}
	if err == nil && stored == fileHash {
		slog.Debug("file unchanged, skipping", "file", relPath)
		return 0, 0, nil
	}

	chunks, err := idx.chunker.ChunkFile(relPath, content)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to chunk %s: %w", relPath, err)
	}
	if len(chunks) == 0 {
		// Empty or all pieces below the size floor: drop whatever an
		// earlier version of the file left behind.
		if err := idx.store.DeleteByFile(ctx, relPath); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, tokens, err := idx.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to embed %s: %w", relPath, err)
	}
	if len(vectors) != len(chunks) {
		return 0, 0, fmt.Errorf("embedding count mismatch for %s: %d chunks, %d vectors",
			relPath, len(chunks), len(vectors))
	}

	now := time.Now()
	for i := range chunks {
		chunks[i].FileHash = fileHash
		chunks[i].IndexedAt = now
	}

	if err := idx.store.Upsert(ctx, relPath, chunks, vectors); err != nil {
		return 0, 0, fmt.Errorf("failed to store chunks for %s: %w", relPath, err)
	}

	slog.Debug("file indexed", "file", relPath, "chunks", len(chunks), "tokens", tokens)
	return len(chunks), tokens, nil
}

// removeStale drops chunks for indexed files missing from the discovery
// snapshot.
func (idx *Indexer) removeStale(ctx context.Context, discovered []string) {
	indexed, err := idx.store.IndexedFiles(ctx)
	if err != nil {
		slog.Warn("stale cleanup failed", "error", err)
		return
	}

	current := make(map[string]struct{}, len(discovered))
	for _, f := range discovered {
		current[f] = struct{}{}
	}

	for _, f := range indexed {
		if _, ok := current[f]; ok {
			continue
		}
		if err := idx.store.DeleteByFile(ctx, f); err != nil {
			slog.Warn("failed to remove stale file", "file", f, "error", err)
			continue
		}
		slog.Info("stale file removed", "file", f)
	}
}
