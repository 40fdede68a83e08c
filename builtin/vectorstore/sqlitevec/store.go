// Package sqlitevec implements the per-project chunk store on SQLite,
// using sqlite-vec for vector search and FTS5 for BM25 full-text search.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

// Ensure sqlite-vec Auto() is called exactly once before any db connection.
var vecAutoOnce sync.Once

const (
	// vecIndexThreshold is the chunk count above which searches go through
	// the vec0 virtual table instead of a brute-force distance scan.
	vecIndexThreshold = 1000

	// RRF fusion parameters for hybrid search.
	rrfK            = 60
	vectorWeight    = 0.7
	textWeight      = 0.3
	candidateFactor = 3

	defaultSearchLimit = 10
)

// Store implements provider.ChunkStore for one project. Safe for concurrent
// use; the FTS and vec0 structures are built lazily on first demand.
type Store struct {
	db         *sql.DB
	path       string
	dimensions int

	mu       sync.Mutex // guards the lazy index flags and their builds
	ftsReady bool
	vecReady bool
}

// New opens (or creates) the store at path. A database that cannot be
// opened is treated as corrupted: the containing cache directory is cleared
// and the open retried once.
func New(path string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		dimensions = types.EmbeddingDim
	}

	// Register the sqlite-vec extension before opening any connection so
	// vec_* functions are available everywhere.
	vecAutoOnce.Do(sqlite_vec.Auto)

	s := &Store{path: path, dimensions: dimensions}
	if err := s.open(); err != nil {
		slog.Warn("chunk store open failed, clearing cache and retrying",
			"path", path, "error", err)
		if rmErr := clearDir(filepath.Dir(path)); rmErr != nil {
			return nil, fmt.Errorf("failed to open chunk store: %w", err)
		}
		if err := s.open(); err != nil {
			return nil, fmt.Errorf("failed to open chunk store after cache reset: %w", err)
		}
	}
	return s, nil
}

func (s *Store) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// WAL for concurrent reads, busy_timeout to wait on locks instead of
	// failing immediately.
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		db.Close()
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	if err := createSchema(db); err != nil {
		slog.Warn("chunk schema unusable, dropping and recreating", "error", err)
		dropSchema(db)
		if err := createSchema(db); err != nil {
			db.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.db = db
	// Derived structures persist across restarts; once they exist, writes
	// must keep them in sync.
	s.ftsReady = tableExists(db, "chunks_fts")
	s.vecReady = tableExists(db, "vec_chunks")
	return nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			content TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			indexed_at TIMESTAMP,
			embedding BLOB,
			UNIQUE(file_path, chunk_index)
		)
	`)
	if err != nil {
		return err
	}

	// Index on file_path for per-file deletion and hash lookups.
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path)`)
	return err
}

func dropSchema(db *sql.DB) {
	for _, stmt := range []string{
		"DROP TRIGGER IF EXISTS chunks_ai",
		"DROP TRIGGER IF EXISTS chunks_ad",
		"DROP TRIGGER IF EXISTS chunks_au",
		"DROP TABLE IF EXISTS chunks_fts",
		"DROP TABLE IF EXISTS vec_chunks",
		"DROP TABLE IF EXISTS chunks",
	} {
		if _, err := db.Exec(stmt); err != nil {
			slog.Debug("schema drop statement failed", "stmt", stmt, "error", err)
		}
	}
}

func tableExists(db *sql.DB, name string) bool {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	return err == nil && n > 0
}

// clearDir removes everything inside dir but keeps dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) flags() (ftsReady, vecReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ftsReady, s.vecReady
}

// Add inserts chunks with their embeddings in one transaction. vectors[i]
// belongs to chunks[i]; an empty vector stores NULL.
func (s *Store) Add(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("chunk/vector count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.addTx(ctx, tx, chunks, vectors); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) addTx(ctx context.Context, tx *sql.Tx, chunks []types.Chunk, vectors [][]float32) error {
	_, vecReady := s.flags()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
		(id, file_path, chunk_index, start_line, end_line, content, file_hash, indexed_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer chunkStmt.Close()

	for i, c := range chunks {
		var emb any
		if len(vectors[i]) > 0 {
			if len(vectors[i]) != s.dimensions {
				return fmt.Errorf("chunk %s: embedding has %d dimensions, store expects %d",
					c.ID, len(vectors[i]), s.dimensions)
			}
			emb = floatsToBytes(vectors[i])
		}

		if _, err := chunkStmt.ExecContext(ctx,
			c.ID, c.FilePath, c.ChunkIndex, c.StartLine, c.EndLine,
			c.Content, c.FileHash, c.IndexedAt, emb,
		); err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", c.ID, err)
		}

		// The FTS triggers follow chunk writes on their own; the vec0
		// table does not, and it has no upsert, so delete then insert.
		if vecReady && emb != nil {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM vec_chunks WHERE chunk_id = ?", c.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)", c.ID, emb,
			); err != nil {
				return fmt.Errorf("failed to store embedding for %s: %w", c.ID, err)
			}
		}
	}
	return nil
}

// Upsert atomically replaces all chunks for a file.
func (s *Store) Upsert(ctx context.Context, filePath string, chunks []types.Chunk, vectors [][]float32) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("chunk/vector count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteFileTx(ctx, tx, filePath); err != nil {
		return err
	}
	if len(chunks) > 0 {
		if err := s.addTx(ctx, tx, chunks, vectors); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteByFile removes every chunk belonging to filePath. The path is bound
// as a parameter, so hostile values cannot reach other rows.
func (s *Store) DeleteByFile(ctx context.Context, filePath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteFileTx(ctx, tx, filePath); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteFileTx(ctx context.Context, tx *sql.Tx, filePath string) error {
	_, vecReady := s.flags()

	if vecReady {
		rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE file_path = ?", filePath)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}

	// FTS rows follow via the delete trigger.
	_, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_path = ?", filePath)
	return err
}

// Clear removes all rows and drops the lazily built search structures.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{
		"DROP TRIGGER IF EXISTS chunks_ai",
		"DROP TRIGGER IF EXISTS chunks_ad",
		"DROP TRIGGER IF EXISTS chunks_au",
		"DROP TABLE IF EXISTS chunks_fts",
		"DROP TABLE IF EXISTS vec_chunks",
		"DELETE FROM chunks",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear store: %w", err)
		}
	}

	s.ftsReady = false
	s.vecReady = false
	slog.Info("chunk store cleared", "path", s.path)
	return nil
}

// FileHash returns the stored hash for filePath, or types.ErrNotFound when
// the file has no chunks.
func (s *Store) FileHash(ctx context.Context, filePath string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT file_hash FROM chunks WHERE file_path = ? LIMIT 1", filePath,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// IndexedFiles returns the distinct indexed file paths in sorted order.
// Only the file_path column is read; vectors stay on disk.
func (s *Store) IndexedFiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT file_path FROM chunks ORDER BY file_path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Count returns the total number of chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

// FileCount returns the number of distinct indexed files.
func (s *Store) FileCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT file_path) FROM chunks").Scan(&n)
	return n, err
}

// candidate is one scored row from either search leg.
type candidate struct {
	id        string
	filePath  string
	startLine int
	endLine   int
	content   string
	distance  float64 // cosine distance, vector leg
	bm25      float64 // raw bm25 (negative, lower is better), text leg
}

// SearchVector returns the chunks nearest to vector by cosine distance.
func (s *Store) SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	cands, err := s.vectorCandidates(ctx, vector, limit)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(cands))
	for _, c := range cands {
		results = append(results, types.SearchResult{
			FilePath:  c.filePath,
			StartLine: c.startLine,
			EndLine:   c.endLine,
			Content:   c.content,
			Score:     1.0 - c.distance,
			MatchType: types.MatchTypeVector,
		})
	}
	return results, nil
}

// SearchHybrid fuses vector and BM25 candidates with reciprocal-rank
// fusion. When full-text search is unavailable it degrades to vector-only
// results.
func (s *Store) SearchHybrid(ctx context.Context, query string, vector []float32, limit int) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	candidateLimit := limit * candidateFactor

	vecCands, err := s.vectorCandidates(ctx, vector, candidateLimit)
	if err != nil {
		return nil, err
	}

	var textCands []candidate
	ftsOK := false
	if strings.TrimSpace(query) != "" {
		textCands, err = s.textCandidates(ctx, query, candidateLimit)
		if err != nil {
			slog.Warn("full-text search unavailable, falling back to vector results", "error", err)
		} else {
			ftsOK = true
		}
	}
	if !ftsOK {
		return s.SearchVector(ctx, vector, limit)
	}

	fused := fuseRRF(vecCands, textCands)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	// Normalize fused scores to [0,1] by the maximum.
	maxScore := 0.0
	if len(fused) > 0 {
		maxScore = fused[0].score
	}

	results := make([]types.SearchResult, 0, len(fused))
	for _, h := range fused {
		score := h.score
		if maxScore > 0 {
			score /= maxScore
		}
		results = append(results, types.SearchResult{
			FilePath:  h.filePath,
			StartLine: h.startLine,
			EndLine:   h.endLine,
			Content:   h.content,
			Score:     score,
			MatchType: types.MatchTypeHybrid,
		})
	}
	return results, nil
}

func (s *Store) vectorCandidates(ctx context.Context, vector []float32, limit int) ([]candidate, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is required for vector search")
	}

	useIndex, err := s.ensureVecIndex(ctx)
	if err != nil {
		return nil, err
	}

	embBytes := floatsToBytes(vector)
	var rows *sql.Rows
	if useIndex {
		rows, err = s.db.QueryContext(ctx, `
			SELECT c.id, c.file_path, c.start_line, c.end_line, c.content, v.distance
			FROM vec_chunks v
			JOIN chunks c ON c.id = v.chunk_id
			WHERE v.embedding MATCH ? AND k = ?
			ORDER BY v.distance
		`, embBytes, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, file_path, start_line, end_line, content,
			       vec_distance_cosine(embedding, ?) AS distance
			FROM chunks
			WHERE embedding IS NOT NULL
			ORDER BY distance
			LIMIT ?
		`, embBytes, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.filePath, &c.startLine, &c.endLine, &c.content, &c.distance); err != nil {
			return nil, err
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

func (s *Store) textCandidates(ctx context.Context, query string, limit int) ([]candidate, error) {
	if err := s.ensureFTS(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.file_path, c.start_line, c.end_line, c.content,
		       bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON chunks_fts.rowid = c.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, escapeFTSQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.filePath, &c.startLine, &c.endLine, &c.content, &c.bm25); err != nil {
			return nil, err
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// ensureVecIndex builds the vec0 table once the store is large enough for a
// brute-force scan to hurt. Reports whether the table should be used.
func (s *Store) ensureVecIndex(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vecReady {
		return true, nil
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL").Scan(&n); err != nil {
		return false, err
	}
	if n <= vecIndexThreshold {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS vec_chunks"); err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE VIRTUAL TABLE vec_chunks USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)
	`, s.dimensions)); err != nil {
		return false, fmt.Errorf("failed to create vector table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO vec_chunks (chunk_id, embedding)
		SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL
	`); err != nil {
		return false, fmt.Errorf("failed to populate vector table: %w", err)
	}

	slog.Info("vector index built", "rows", n)
	s.vecReady = true
	return true, nil
}

// ensureFTS builds the FTS5 table, its sync triggers, and the initial index
// on first use. Existing stores get a health probe; a broken index is
// rebuilt in place.
func (s *Store) ensureFTS(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ftsReady {
		if err := s.checkFTSHealth(ctx); err != nil {
			slog.Warn("FTS index unhealthy, rebuilding", "error", err)
			if _, rbErr := s.db.ExecContext(ctx,
				"INSERT INTO chunks_fts(chunks_fts) VALUES('rebuild')"); rbErr != nil {
				return fmt.Errorf("failed to rebuild FTS index: %w", rbErr)
			}
		}
		return nil
	}

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content,
			content='chunks',
			content_rowid='rowid',
			tokenize='porter unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		// Index rows that existed before the table did.
		`INSERT INTO chunks_fts(chunks_fts) VALUES('rebuild')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create FTS index: %w", err)
		}
	}

	s.ftsReady = true
	slog.Info("full-text index built", "path", s.path)
	return nil
}

// checkFTSHealth exercises the FTS join; orphaned entries surface as errors.
func (s *Store) checkFTSHealth(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM chunks_fts
		JOIN chunks c ON chunks_fts.rowid = c.rowid
		LIMIT 1
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// fusedHit is a candidate with its reciprocal-rank fusion score.
type fusedHit struct {
	candidate
	score     float64
	textScore float64 // normalized bm25, used to break ties
	hasVec    bool
	hasText   bool
}

// fuseRRF merges the two ranked candidate lists. Each hit scores
// w/(k + rank) per list with 1-indexed ranks; a hit absent from one list is
// ranked max(len_v, len_f)+1 there. Ties break toward hits present in both
// lists, then higher text score, then lexically smaller id.
func fuseRRF(vecCands, textCands []candidate) []fusedHit {
	missingRank := len(vecCands)
	if len(textCands) > missingRank {
		missingRank = len(textCands)
	}
	missingRank++

	hits := make(map[string]*fusedHit, len(vecCands)+len(textCands))
	for i, c := range vecCands {
		hits[c.id] = &fusedHit{
			candidate: c,
			score:     vectorWeight / float64(rrfK+i+1),
			hasVec:    true,
		}
	}
	for i, c := range textCands {
		h, ok := hits[c.id]
		if !ok {
			h = &fusedHit{candidate: c}
			hits[c.id] = h
		}
		h.score += textWeight / float64(rrfK+i+1)
		h.textScore = 1.0 / (1.0 + math.Abs(c.bm25))
		h.hasText = true
	}

	out := make([]fusedHit, 0, len(hits))
	for _, h := range hits {
		if !h.hasVec {
			h.score += vectorWeight / float64(rrfK+missingRank)
		}
		if !h.hasText {
			h.score += textWeight / float64(rrfK+missingRank)
		}
		out = append(out, *h)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		iBoth := out[i].hasVec && out[i].hasText
		jBoth := out[j].hasVec && out[j].hasText
		if iBoth != jBoth {
			return iBoth
		}
		if out[i].textScore != out[j].textScore {
			return out[i].textScore > out[j].textScore
		}
		return out[i].id < out[j].id
	})
	return out
}

// floatsToBytes converts a float32 slice to little-endian bytes for
// sqlite-vec.
func floatsToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

// escapeFTSQuery turns free text into a safe FTS5 query: every token is
// double-quoted with embedded quotes doubled, so user input cannot inject
// MATCH syntax.
func escapeFTSQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

var _ provider.ChunkStore = (*Store)(nil)
