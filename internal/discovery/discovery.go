// Package discovery walks a project tree and yields the files eligible for
// indexing.
package discovery

import (
	"bytes"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lgrep/lgrep/internal/ignore"
)

// maxDepth bounds traversal so link cycles and pathological nesting cannot
// run unbounded.
const maxDepth = 64

// Discover walks root depth-first and returns the project-relative slash
// paths of all non-ignored regular files, sorted. Ignored directories are
// pruned before descent; their contents are never visited. Symbolic links
// count only when they resolve to a regular file inside the root, and
// directory links are not descended. Files that sniff as binary are
// skipped.
func Discover(root string, matcher *ignore.Matcher) ([]string, error) {
	root = filepath.Clean(root)
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			slog.Debug("skipping unreadable path", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if depth(root, path) > maxDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if matcher.Ignored(path, true) {
				return fs.SkipDir
			}
			return nil
		}

		if matcher.Ignored(path, false) {
			return nil
		}

		regular := d.Type().IsRegular() ||
			(d.Type()&fs.ModeSymlink != 0 && linksToRegularFile(root, path))
		if !regular || looksBinary(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// sniffLen is how many leading bytes decide whether a file is binary.
const sniffLen = 8192

// looksBinary reports whether the file starts with a NUL byte in its first
// 8 KiB, the same heuristic git uses. Unreadable files count as binary so
// discovery never hands the indexer a file it cannot open.
func looksBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		slog.Debug("skipping unreadable file", "path", path, "error", err)
		return true
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return true
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}

// linksToRegularFile reports whether a symlink resolves to a regular file
// that still lives inside the root.
func linksToRegularFile(root, path string) bool {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
