package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lgrep/lgrep/internal/config"
	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

// stubStore satisfies provider.ChunkStore with canned counts.
type stubStore struct {
	mu           sync.Mutex
	files        int
	chunks       int
	closed       bool
	vectorCalls  int
	hybridCalls  int
	searchResult []types.SearchResult
}

func (s *stubStore) Add(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error {
	return nil
}
func (s *stubStore) Upsert(ctx context.Context, filePath string, chunks []types.Chunk, vectors [][]float32) error {
	return nil
}
func (s *stubStore) DeleteByFile(ctx context.Context, filePath string) error { return nil }
func (s *stubStore) Clear(ctx context.Context) error                         { return nil }
func (s *stubStore) FileHash(ctx context.Context, filePath string) (string, error) {
	return "", types.ErrNotFound
}
func (s *stubStore) IndexedFiles(ctx context.Context) ([]string, error) { return nil, nil }

func (s *stubStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, nil
}

func (s *stubStore) FileCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files, nil
}

func (s *stubStore) SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectorCalls++
	return s.searchResult, nil
}

func (s *stubStore) SearchHybrid(ctx context.Context, query string, vector []float32, limit int) ([]types.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hybridCalls++
	return s.searchResult, nil
}

func (s *stubStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubEmbedder struct {
	mu     sync.Mutex
	closed bool
}

func (e *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, int, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0, 0}
	}
	return vectors, 5 * len(texts), nil
}

func (e *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (e *stubEmbedder) Dimensions() int { return 4 }

func (e *stubEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubEmbedder) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Embedding.APIKey = "test-key"
	cfg.Cache.Dir = t.TempDir()
	return cfg
}

// harness tracks every store and embedder the registry constructs.
type harness struct {
	mu        sync.Mutex
	stores    []*stubStore
	embedders []*stubEmbedder
}

func newTestRegistry(t *testing.T, cfg *config.Config) (*Registry, *harness) {
	t.Helper()
	h := &harness{}
	r := New(cfg)
	r.newStore = func(dbPath string, dimensions int) (provider.ChunkStore, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		s := &stubStore{}
		h.stores = append(h.stores, s)
		return s, nil
	}
	r.newEmbedder = func(ec config.EmbeddingConfig) (provider.Embedder, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		e := &stubEmbedder{}
		h.embedders = append(h.embedders, e)
		return e, nil
	}
	t.Cleanup(r.Close)
	return r, h
}

func (h *harness) storeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stores)
}

func (h *harness) embedderCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.embedders)
}

// makeDiskCache plants an index database file where the registry expects
// one for the given project path.
func makeDiskCache(t *testing.T, cfg *config.Config, projectPath string) {
	t.Helper()
	dbPath := cfg.ProjectDBPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dbPath, []byte("placeholder"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func resolve(t *testing.T, path string) string {
	t.Helper()
	resolved, err := config.ResolvePath(path)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestEnsureTwiceSameState(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)
	dir := t.TempDir()

	first, err := r.Ensure(context.Background(), dir)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := r.Ensure(context.Background(), dir)
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}

	if first != second {
		t.Error("Ensure returned different projects for the same path")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if h.storeCount() != 1 {
		t.Errorf("opened %d stores, want 1", h.storeCount())
	}
	if h.embedderCount() != 1 {
		t.Errorf("created %d embedders, want 1", h.embedderCount())
	}
}

func TestEnsureResolvesAliases(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRegistry(t, cfg)
	dir := t.TempDir()

	first, err := r.Ensure(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	alias := dir + string(filepath.Separator) + "."
	second, err := r.Ensure(context.Background(), alias)
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Error("aliases of one directory produced separate projects")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestEnsureSharesEmbedder(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)

	if _, err := r.Ensure(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ensure(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}

	if h.embedderCount() != 1 {
		t.Errorf("created %d embedders for 2 projects, want 1", h.embedderCount())
	}
	if h.storeCount() != 2 {
		t.Errorf("opened %d stores for 2 projects, want 2", h.storeCount())
	}
}

func TestEnsureCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.MaxProjects = 2
	r, _ := newTestRegistry(t, cfg)

	if _, err := r.Ensure(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ensure(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}

	_, err := r.Ensure(context.Background(), t.TempDir())
	if !errors.Is(err, types.ErrProjectLimit) {
		t.Errorf("err = %v, want ErrProjectLimit", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestEnsureRequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.APIKey = ""
	r, h := newTestRegistry(t, cfg)

	_, err := r.Ensure(context.Background(), t.TempDir())
	if !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
	if h.storeCount() != 0 {
		t.Error("store was opened despite missing API key")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestAutoIndexSingleFlight(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRegistry(t, cfg)
	dir := t.TempDir()

	var indexRuns atomic.Int32
	r.runIndexAll = func(ctx context.Context, p *Project) (types.IndexStats, error) {
		indexRuns.Add(1)
		time.Sleep(50 * time.Millisecond)
		return types.IndexStats{FileCount: 1, ChunkCount: 3}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	projects := make([]*Project, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			projects[i], errs[i] = r.AutoIndex(context.Background(), dir)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if projects[i] == nil || projects[i] != projects[0] {
			t.Fatalf("caller %d got a different project", i)
		}
	}
	if runs := indexRuns.Load(); runs != 1 {
		t.Errorf("index_all ran %d times, want 1", runs)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestAutoIndexLeaderFailure(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)
	dir := t.TempDir()

	var indexRuns atomic.Int32
	r.runIndexAll = func(ctx context.Context, p *Project) (types.IndexStats, error) {
		indexRuns.Add(1)
		time.Sleep(50 * time.Millisecond)
		return types.IndexStats{}, errors.New("embedding service down")
	}

	const callers = 2
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.AutoIndex(context.Background(), dir)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if !errors.Is(errs[i], types.ErrAutoIndexFailed) {
			t.Errorf("caller %d err = %v, want ErrAutoIndexFailed", i, errs[i])
		}
	}
	if runs := indexRuns.Load(); runs != 2 {
		t.Errorf("index_all ran %d times, want exactly 2", runs)
	}
	if _, ok := r.Get(dir); ok {
		t.Error("failed project left in registry")
	}
	if h.storeCount() != 1 || !h.stores[0].isClosed() {
		t.Error("partial project's store was not closed")
	}
}

func TestAutoIndexReturnsLoadedProject(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRegistry(t, cfg)
	dir := t.TempDir()

	loaded, err := r.Ensure(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}

	r.runIndexAll = func(ctx context.Context, p *Project) (types.IndexStats, error) {
		t.Error("index_all ran for an already-loaded project")
		return types.IndexStats{}, nil
	}

	p, err := r.AutoIndex(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if p != loaded {
		t.Error("AutoIndex returned a different project")
	}
}

func TestWarmFiltersEntries(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRegistry(t, cfg)

	cached := t.TempDir()
	alsoCached := t.TempDir()
	uncached := t.TempDir()
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	makeDiskCache(t, cfg, resolve(t, cached))
	makeDiskCache(t, cfg, resolve(t, alsoCached))

	cfg.Registry.WarmPaths = strings.Join(
		[]string{cached, cached, uncached, missing, file, alsoCached},
		string(os.PathListSeparator),
	)

	var indexRuns atomic.Int32
	r.runIndexAll = func(ctx context.Context, p *Project) (types.IndexStats, error) {
		indexRuns.Add(1)
		return types.IndexStats{}, nil
	}

	r.Warm(context.Background())

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2 (cached dirs only, deduplicated)", r.Len())
	}
	if _, ok := r.Get(cached); !ok {
		t.Error("cached project not warmed")
	}
	if _, ok := r.Get(alsoCached); !ok {
		t.Error("second cached project not warmed")
	}
	if _, ok := r.Get(uncached); ok {
		t.Error("uncached project was warmed")
	}
	if runs := indexRuns.Load(); runs != 0 {
		t.Errorf("warm-up ran index_all %d times, want 0", runs)
	}
}

func TestWarmRespectsCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.MaxProjects = 1
	r, _ := newTestRegistry(t, cfg)

	first := t.TempDir()
	second := t.TempDir()
	makeDiskCache(t, cfg, resolve(t, first))
	makeDiskCache(t, cfg, resolve(t, second))

	cfg.Registry.WarmPaths = strings.Join([]string{first, second}, string(os.PathListSeparator))
	r.Warm(context.Background())

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1 (capacity cap)", r.Len())
	}
}

func TestStatusUnloadedWithCacheNeedsNoAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.APIKey = ""
	r, h := newTestRegistry(t, cfg)

	dir := t.TempDir()
	resolved := resolve(t, dir)
	makeDiskCache(t, cfg, resolved)

	status, err := r.Status(context.Background(), dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if !status.DiskCache {
		t.Error("DiskCache = false, want true")
	}
	if status.Path != resolved {
		t.Errorf("Path = %q, want %q", status.Path, resolved)
	}
	if status.Watching {
		t.Error("Watching = true for an unloaded project")
	}
	if h.embedderCount() != 0 {
		t.Error("status created an embedder")
	}
	if r.Len() != 0 {
		t.Error("status loaded the project into the registry")
	}
	if h.storeCount() != 1 || !h.stores[0].isClosed() {
		t.Error("status store was not closed after the read")
	}
}

func TestStatusUnknownPathReportsZeros(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRegistry(t, cfg)
	dir := t.TempDir()

	status, err := r.Status(context.Background(), dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Files != 0 || status.Chunks != 0 || status.Watching || status.DiskCache {
		t.Errorf("status = %+v, want zeros", status)
	}
	if status.Path != resolve(t, dir) {
		t.Errorf("Path = %q, want resolved path", status.Path)
	}
}

func TestStatusAll(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)

	if got := r.StatusAll(context.Background()); len(got) != 0 {
		t.Errorf("idle StatusAll returned %d entries, want 0", len(got))
	}

	a := t.TempDir()
	b := t.TempDir()
	if _, err := r.Ensure(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ensure(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	h.stores[0].chunks = 7
	h.stores[0].files = 2

	statuses := r.StatusAll(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].Path >= statuses[1].Path {
		t.Error("statuses not sorted by path")
	}
}

func TestRemove(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)
	dir := t.TempDir()

	if _, err := r.Ensure(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	removed, remaining := r.Remove(dir)
	if !removed || remaining != 0 {
		t.Errorf("Remove = (%v, %d), want (true, 0)", removed, remaining)
	}
	if !h.stores[0].isClosed() {
		t.Error("store not closed on removal")
	}
	if _, ok := r.Get(dir); ok {
		t.Error("project still present after removal")
	}

	removed, remaining = r.Remove(dir)
	if removed || remaining != 0 {
		t.Errorf("second Remove = (%v, %d), want (false, 0)", removed, remaining)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)

	if _, err := r.Ensure(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ensure(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}

	r.Close()

	if r.Len() != 0 {
		t.Errorf("Len = %d after Close, want 0", r.Len())
	}
	for i, s := range h.stores {
		if !s.isClosed() {
			t.Errorf("store %d not closed", i)
		}
	}
	if !h.embedders[0].isClosed() {
		t.Error("embedder not closed")
	}
}

func TestProjectSearchModes(t *testing.T) {
	cfg := testConfig(t)
	r, h := newTestRegistry(t, cfg)

	p, err := r.Ensure(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := h.stores[0]
	store.chunks = 42

	results, err := p.Search(context.Background(), "query text", 5, true)
	if err != nil {
		t.Fatal(err)
	}
	if store.hybridCalls != 1 || store.vectorCalls != 0 {
		t.Errorf("hybrid search used vector=%d hybrid=%d calls", store.vectorCalls, store.hybridCalls)
	}
	if results.Results == nil {
		t.Error("Results is nil, want empty slice")
	}
	if results.TotalChunks != 42 {
		t.Errorf("TotalChunks = %d, want 42", results.TotalChunks)
	}
	if results.QueryTimeMS < 0 {
		t.Errorf("QueryTimeMS = %v, want >= 0", results.QueryTimeMS)
	}

	if _, err := p.Search(context.Background(), "query text", 5, false); err != nil {
		t.Fatal(err)
	}
	if store.vectorCalls != 1 {
		t.Errorf("vector-only search made %d vector calls, want 1", store.vectorCalls)
	}
}
