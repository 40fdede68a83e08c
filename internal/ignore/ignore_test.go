package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRules(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMatcherPatterns(t *testing.T) {
	tests := []struct {
		name      string
		gitignore string
		path      string
		isDir     bool
		want      bool
	}{
		{"star suffix", "*.log\n", "debug.log", false, true},
		{"star suffix nested", "*.log\n", "sub/dir/debug.log", false, true},
		{"star suffix miss", "*.log\n", "debug.txt", false, false},
		{"question mark", "file?.go\n", "file1.go", false, true},
		{"question mark no slash", "file?.go\n", "filex/a.go", false, false},
		{"char class", "*.[oa]\n", "main.o", false, true},
		{"char class second", "*.[oa]\n", "lib.a", false, true},
		{"char class miss", "*.[oa]\n", "main.c", false, false},
		{"dir only matches dir", "logs/\n", "logs", true, true},
		{"dir only covers contents", "logs/\n", "logs/today/x.txt", false, true},
		{"dir only skips plain file", "logs/\n", "logs", false, false},
		{"anchored root", "/top.txt\n", "top.txt", false, true},
		{"anchored root misses nested", "/top.txt\n", "sub/top.txt", false, false},
		{"slash anchors", "docs/*.md\n", "docs/readme.md", false, true},
		{"slash anchors one level", "docs/*.md\n", "docs/sub/readme.md", false, false},
		{"slash anchors elsewhere", "docs/*.md\n", "other/docs/readme.md", false, false},
		{"double star prefix", "**/generated\n", "a/b/generated", false, true},
		{"double star prefix at root", "**/generated\n", "generated", false, true},
		{"double star middle", "a/**/b\n", "a/x/y/b", false, true},
		{"double star middle adjacent", "a/**/b\n", "a/b", false, true},
		{"double star suffix", "vendor/**\n", "vendor/pkg/mod.go", false, true},
		{"negation", "*.log\n!keep.log\n", "keep.log", false, false},
		{"negation keeps others", "*.log\n!keep.log\n", "other.log", false, true},
		{"negation order matters", "!keep.log\n*.log\n", "keep.log", false, true},
		{"comment skipped", "# *.log\n", "debug.log", false, false},
		{"blank lines skipped", "\n\n*.log\n", "debug.log", false, true},
		{"escaped bang", "\\!important\n", "!important", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeRules(t, root, ".gitignore", tt.gitignore)

			m, err := NewMatcher(root)
			if err != nil {
				t.Fatalf("NewMatcher error: %v", err)
			}
			if got := m.Ignored(tt.path, tt.isDir); got != tt.want {
				t.Errorf("Ignored(%q, %v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
			}
		})
	}
}

func TestMatcherGitAlwaysIgnored(t *testing.T) {
	root := t.TempDir()
	// Negation cannot re-include .git.
	writeRules(t, root, ".gitignore", "!.git\n!.git/\n")

	m, err := NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}

	paths := []string{".git", ".git/config", "sub/.git/HEAD", "a/b/.git"}
	for _, p := range paths {
		if !m.Ignored(p, false) {
			t.Errorf("Ignored(%q) = false, want true", p)
		}
	}

	// Files merely containing .git in their name are fine.
	if m.Ignored(".gitignore", false) {
		t.Error("Ignored(.gitignore) = true, want false")
	}
}

func TestMatcherDefaults(t *testing.T) {
	root := t.TempDir()
	m, err := NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".hg", true, true},
		{".hg/store/data", false, true},
		{".svn", true, true},
		{".svn/entries", false, true},
		{"src/main.go", false, false},
		{"node_modules/pkg/index.js", false, false},
		{"README.md", false, false},
	}
	for _, tt := range tests {
		if got := m.Ignored(tt.path, tt.isDir); got != tt.want {
			t.Errorf("Ignored(%q, %v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestMatcherLgrepignorePrecedence(t *testing.T) {
	root := t.TempDir()
	writeRules(t, root, ".gitignore", "data/\n")
	writeRules(t, root, ".lgrepignore", "!data/\nsecrets/\n")

	m, err := NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}

	if m.Ignored("data", true) {
		t.Error("data/ negated by .lgrepignore, want not ignored")
	}
	if !m.Ignored("secrets/key.pem", false) {
		t.Error("secrets/ from .lgrepignore should be ignored")
	}
}

func TestMatcherOutsideRoot(t *testing.T) {
	root := t.TempDir()
	m, err := NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(filepath.Dir(root), "elsewhere", "file.go")
	if !m.Ignored(outside, false) {
		t.Errorf("Ignored(%q) = false, want true for path outside root", outside)
	}
	if !m.Ignored("../sibling.go", false) {
		t.Error("Ignored(../sibling.go) = false, want true")
	}
}

func TestMatcherNoRuleFiles(t *testing.T) {
	root := t.TempDir()
	m, err := NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher with no rule files: %v", err)
	}
	if m.Ignored("main.go", false) {
		t.Error("Ignored(main.go) = true with no rules, want false")
	}
}
