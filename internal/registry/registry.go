// Package registry holds the set of live projects and the disciplines that
// keep them safe under overlapping tool calls: double-checked registration,
// single-flight auto-indexing, capacity-bounded admission, and warm-up from
// disk caches.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lgrep/lgrep/builtin/embedding/voyage"
	"github.com/lgrep/lgrep/builtin/vectorstore/sqlitevec"
	"github.com/lgrep/lgrep/internal/chunking"
	"github.com/lgrep/lgrep/internal/config"
	"github.com/lgrep/lgrep/internal/ignore"
	"github.com/lgrep/lgrep/internal/index"
	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

const (
	// autoIndexAttempts bounds the leader's index_all retries.
	autoIndexAttempts = 2

	// autoIndexBaseDelay is the base for exponential backoff between
	// attempts.
	autoIndexBaseDelay = 100 * time.Millisecond
)

// Project is one live project: its store, indexing pipeline, and watcher.
type Project struct {
	Path    string
	Store   provider.ChunkStore
	Indexer *index.Indexer
	Watcher *index.Watcher

	embedder provider.Embedder
}

// Search embeds the query and runs it against this project's store. With
// hybrid false the full-text leg is skipped entirely.
func (p *Project) Search(ctx context.Context, query string, limit int, hybrid bool) (*types.SearchResults, error) {
	start := time.Now()

	vector, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var results []types.SearchResult
	if hybrid {
		results, err = p.Store.SearchHybrid(ctx, query, vector, limit)
	} else {
		results, err = p.Store.SearchVector(ctx, vector, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if results == nil {
		results = []types.SearchResult{}
	}

	total, err := p.Store.Count(ctx)
	if err != nil {
		slog.Warn("failed to count chunks", "path", p.Path, "error", err)
	}

	elapsed := time.Since(start).Seconds() * 1000
	return &types.SearchResults{
		Results:     results,
		QueryTimeMS: math.Round(elapsed*100) / 100,
		TotalChunks: total,
	}, nil
}

// Registry maps resolved project paths to live state. One embedder is
// shared by every project; stores, indexers, and watchers are per-project.
type Registry struct {
	cfg *config.Config

	mu       sync.RWMutex
	projects map[string]*Project
	indexing map[string]chan struct{}
	embedder provider.Embedder

	// Construction seams, swapped by tests.
	newStore    func(dbPath string, dimensions int) (provider.ChunkStore, error)
	newEmbedder func(ec config.EmbeddingConfig) (provider.Embedder, error)
	runIndexAll func(ctx context.Context, p *Project) (types.IndexStats, error)
}

// New creates an empty registry.
func New(cfg *config.Config) *Registry {
	return &Registry{
		cfg:      cfg,
		projects: make(map[string]*Project),
		indexing: make(map[string]chan struct{}),
		newStore: func(dbPath string, dimensions int) (provider.ChunkStore, error) {
			return sqlitevec.New(dbPath, dimensions)
		},
		newEmbedder: func(ec config.EmbeddingConfig) (provider.Embedder, error) {
			return voyage.New(voyage.Config{
				Model:          ec.Model,
				APIKey:         ec.APIKey,
				Endpoint:       ec.Endpoint,
				Dimensions:     ec.Dimensions,
				MaxBatchSize:   ec.MaxBatchSize,
				MaxBatchTokens: ec.MaxBatchTokens,
				MaxRetries:     ec.MaxRetries,
			})
		},
		runIndexAll: func(ctx context.Context, p *Project) (types.IndexStats, error) {
			return p.Indexer.IndexAll(ctx)
		},
	}
}

// Get returns the live project for path without loading anything.
func (r *Registry) Get(path string) (*Project, bool) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[resolved]
	return p, ok
}

// Len reports how many projects are loaded.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

// Ensure returns the live project for path, loading it if needed. Loading
// opens the store at the project's cache directory and constructs the
// shared embedder on first use. Ensure never indexes.
func (r *Registry) Ensure(ctx context.Context, path string) (*Project, error) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	p, ok := r.projects[resolved]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.projects[resolved]; ok {
		return p, nil
	}

	if len(r.projects) >= r.cfg.Registry.MaxProjects {
		return nil, types.ErrProjectLimit
	}
	if !r.cfg.HasAPIKey() {
		return nil, types.ErrMissingAPIKey
	}

	if r.embedder == nil {
		embedder, err := r.newEmbedder(r.cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		r.embedder = embedder
	}

	matcher, err := ignore.NewMatcher(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules for %s: %w", resolved, err)
	}

	store, err := r.newStore(r.cfg.ProjectDBPath(resolved), r.cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store for %s: %w", resolved, err)
	}

	chunker := chunking.New(chunking.Config{
		ChunkTokens:    r.cfg.Chunking.ChunkSize,
		MinChunkTokens: r.cfg.Chunking.MinChunkTokens,
	})
	indexer := index.New(index.Config{
		Root:     resolved,
		Store:    store,
		Embedder: r.embedder,
		Chunker:  chunker,
		Matcher:  matcher,
	})
	watcher := index.NewWatcher(index.WatcherConfig{
		Root:     resolved,
		Indexer:  indexer,
		Store:    store,
		Matcher:  matcher,
		Debounce: time.Duration(r.cfg.Watch.DebounceMS) * time.Millisecond,
	})

	p = &Project{
		Path:     resolved,
		Store:    store,
		Indexer:  indexer,
		Watcher:  watcher,
		embedder: r.embedder,
	}
	r.projects[resolved] = p

	occupancy := len(r.projects)
	slog.Info("project loaded", "path", resolved, "projects", occupancy, "max", r.cfg.Registry.MaxProjects)
	if occupancy*5 >= r.cfg.Registry.MaxProjects*4 {
		slog.Warn("project registry nearing capacity",
			"projects", occupancy, "max", r.cfg.Registry.MaxProjects)
	}

	return p, nil
}

// AutoIndex loads and fully indexes a cold project, collapsing concurrent
// callers onto a single indexing run. Exactly one caller leads; the rest
// wait for its notification and then re-read the registry. Followers never
// retry: if the leader failed they get the same error it did.
func (r *Registry) AutoIndex(ctx context.Context, path string) (*Project, error) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if p, ok := r.projects[resolved]; ok {
		r.mu.Unlock()
		return p, nil
	}
	if done, ok := r.indexing[resolved]; ok {
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.RLock()
		p, ok := r.projects[resolved]
		r.mu.RUnlock()
		if !ok {
			return nil, types.ErrAutoIndexFailed
		}
		return p, nil
	}
	done := make(chan struct{})
	r.indexing[resolved] = done
	r.mu.Unlock()

	p, err := r.leadAutoIndex(ctx, resolved)

	r.mu.Lock()
	delete(r.indexing, resolved)
	r.mu.Unlock()
	close(done)

	return p, err
}

// leadAutoIndex is the leader half of AutoIndex: ensure, then index with
// bounded retry. A final failure evicts the partial project so followers
// observe absence.
func (r *Registry) leadAutoIndex(ctx context.Context, resolved string) (*Project, error) {
	p, err := r.Ensure(ctx, resolved)
	if err != nil {
		return nil, err
	}

	slog.Info("auto-indexing project on first search", "path", resolved)

	var lastErr error
	for attempt := 1; attempt <= autoIndexAttempts; attempt++ {
		stats, err := r.runIndexAll(ctx, p)
		if err == nil {
			slog.Info("auto-index complete", "path", resolved,
				"files", stats.FileCount, "chunks", stats.ChunkCount)
			return p, nil
		}
		lastErr = err
		slog.Warn("auto-index attempt failed", "path", resolved, "attempt", attempt, "error", err)

		if attempt < autoIndexAttempts {
			delay := autoIndexBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = autoIndexAttempts
			}
		}
	}

	r.Remove(resolved)
	slog.Error("auto-index failed, project evicted", "path", resolved, "error", lastErr)
	return nil, types.ErrAutoIndexFailed
}

// Warm loads projects named by the warm-path list that already have a disk
// cache. It never indexes and never fails the server: bad entries are
// logged and dropped, and the list is capped at the registry's remaining
// capacity.
func (r *Registry) Warm(ctx context.Context) {
	raw := strings.TrimSpace(r.cfg.Registry.WarmPaths)
	if raw == "" {
		return
	}

	seen := make(map[string]struct{})
	var candidates []string
	for _, entry := range filepath.SplitList(raw) {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		resolved, err := config.ResolvePath(entry)
		if err != nil {
			slog.Warn("invalid warm path", "path", entry, "error", err)
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}

		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			slog.Warn("warm path is not a directory, skipping", "path", resolved)
			continue
		}
		if !r.cfg.HasDiskCache(resolved) {
			slog.Info("warm path has no index cache, skipping", "path", resolved)
			continue
		}
		candidates = append(candidates, resolved)
	}

	capacity := r.cfg.Registry.MaxProjects - r.Len()
	if capacity <= 0 {
		slog.Warn("registry full, skipping warm-up", "paths", len(candidates))
		return
	}
	if len(candidates) > capacity {
		slog.Warn("warm paths exceed remaining capacity, truncating",
			"paths", len(candidates), "capacity", capacity)
		candidates = candidates[:capacity]
	}
	if len(candidates) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range candidates {
		g.Go(func() error {
			if _, err := r.Ensure(gctx, path); err != nil {
				slog.Warn("warm-up failed for project", "path", path, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("warm-up complete", "projects", r.Len())
}

// Status reports one project's stats. An unloaded project with a disk
// cache is read directly from disk, without an API key, and marked
// disk_cache. A path with no state at all reports zeros.
func (r *Registry) Status(ctx context.Context, path string) (types.ProjectStatus, error) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return types.ProjectStatus{}, err
	}

	r.mu.RLock()
	p, ok := r.projects[resolved]
	r.mu.RUnlock()
	if ok {
		return r.projectStatus(ctx, p), nil
	}

	if r.cfg.HasDiskCache(resolved) {
		store, err := r.newStore(r.cfg.ProjectDBPath(resolved), r.cfg.Embedding.Dimensions)
		if err != nil {
			return types.ProjectStatus{}, fmt.Errorf("failed to open index cache for %s: %w", resolved, err)
		}
		defer store.Close()

		status := types.ProjectStatus{Path: resolved, DiskCache: true}
		if status.Files, err = store.FileCount(ctx); err != nil {
			return types.ProjectStatus{}, err
		}
		if status.Chunks, err = store.Count(ctx); err != nil {
			return types.ProjectStatus{}, err
		}
		return status, nil
	}

	return types.ProjectStatus{Path: resolved}, nil
}

// StatusAll reports stats for every loaded project, sorted by path.
func (r *Registry) StatusAll(ctx context.Context) []types.ProjectStatus {
	r.mu.RLock()
	projects := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p)
	}
	r.mu.RUnlock()

	sort.Slice(projects, func(i, j int) bool { return projects[i].Path < projects[j].Path })

	statuses := make([]types.ProjectStatus, 0, len(projects))
	for _, p := range projects {
		statuses = append(statuses, r.projectStatus(ctx, p))
	}
	return statuses
}

func (r *Registry) projectStatus(ctx context.Context, p *Project) types.ProjectStatus {
	status := types.ProjectStatus{Path: p.Path, Watching: p.Watcher.Running()}

	var err error
	if status.Files, err = p.Store.FileCount(ctx); err != nil {
		slog.Warn("failed to count files", "path", p.Path, "error", err)
	}
	if status.Chunks, err = p.Store.Count(ctx); err != nil {
		slog.Warn("failed to count chunks", "path", p.Path, "error", err)
	}
	return status
}

// StopAllWatchers stops every running watcher and returns the paths that
// were watching, sorted.
func (r *Registry) StopAllWatchers() []string {
	r.mu.RLock()
	projects := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p)
	}
	r.mu.RUnlock()

	var stopped []string
	for _, p := range projects {
		if !p.Watcher.Running() {
			continue
		}
		p.Watcher.Stop()
		stopped = append(stopped, p.Path)
	}
	sort.Strings(stopped)
	return stopped
}

// Remove evicts a project: the watcher is stopped and the store closed, but
// the disk cache stays so a later Ensure re-opens it. It reports whether
// anything was removed and how many projects remain.
func (r *Registry) Remove(path string) (bool, int) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return false, r.Len()
	}

	r.mu.Lock()
	p, ok := r.projects[resolved]
	if ok {
		delete(r.projects, resolved)
	}
	remaining := len(r.projects)
	r.mu.Unlock()

	if !ok {
		return false, remaining
	}

	p.Watcher.Stop()
	if err := p.Store.Close(); err != nil {
		slog.Warn("failed to close chunk store", "path", resolved, "error", err)
	}
	slog.Info("project removed", "path", resolved, "remaining", remaining)
	return true, remaining
}

// Close tears the registry down: all watchers stopped, all stores closed,
// the shared embedder released. The server must have drained before
// calling it.
func (r *Registry) Close() {
	r.mu.Lock()
	projects := r.projects
	r.projects = make(map[string]*Project)
	embedder := r.embedder
	r.embedder = nil
	r.mu.Unlock()

	for _, p := range projects {
		p.Watcher.Stop()
		if err := p.Store.Close(); err != nil {
			slog.Warn("failed to close chunk store", "path", p.Path, "error", err)
		}
	}
	if embedder != nil {
		if err := embedder.Close(); err != nil {
			slog.Warn("failed to close embedder", "error", err)
		}
	}
	slog.Info("registry closed", "projects", len(projects))
}
