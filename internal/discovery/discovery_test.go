package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/lgrep/lgrep/internal/ignore"
)

func mkTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscoverBasic(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{
		"main.go":          "package main",
		"lib/util.go":      "package lib",
		"docs/readme.md":   "# readme",
		".git/config":      "[core]",
		".git/hooks/x.sh":  "#!/bin/sh",
		"skipme/inner.txt": "hidden",
		"keep.log":         "log",
		".gitignore":       "skipme/\n*.log\n",
	})

	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Discover(root, m)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}

	want := []string{".gitignore", "docs/readme.md", "lib/util.go", "main.go"}
	if len(got) != len(want) {
		t.Fatalf("Discover returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("file[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoverSorted(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{
		"z.go": "z", "a.go": "a", "m/b.go": "b", "m/a.go": "a",
	})

	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Discover(root, m)
	if err != nil {
		t.Fatal(err)
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("Discover output not sorted: %v", got)
	}
}

func TestDiscoverSkipsBinaries(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{
		"main.go": "package main",
	})
	bin := append([]byte("\x7fELF"), 0, 0, 1, 2)
	if err := os.WriteFile(filepath.Join(root, "tool"), bin, 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Discover(root, m)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(got) != 1 || got[0] != "main.go" {
		t.Errorf("Discover = %v, want [main.go] with binary skipped", got)
	}
}

func TestDiscoverSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	mkTree(t, root, map[string]string{
		"real.go":     "package main",
		"sub/file.go": "package sub",
	})
	mkTree(t, outside, map[string]string{"external.go": "package ext"})

	mustLink := func(target, link string) {
		t.Helper()
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
	}

	// Inside-root file link: discovered. Outside-root file link and
	// directory links: not.
	mustLink(filepath.Join(root, "real.go"), filepath.Join(root, "alias.go"))
	mustLink(filepath.Join(outside, "external.go"), filepath.Join(root, "escape.go"))
	mustLink(filepath.Join(root, "sub"), filepath.Join(root, "subdir-link"))

	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Discover(root, m)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}

	set := map[string]bool{}
	for _, r := range got {
		set[r] = true
	}

	if !set["alias.go"] {
		t.Error("inside-root file symlink not discovered")
	}
	if set["escape.go"] {
		t.Error("outside-root file symlink was discovered")
	}
	if set["subdir-link/file.go"] {
		t.Error("directory symlink was descended")
	}
	if !set["sub/file.go"] {
		t.Error("regular nested file missing")
	}
}

func TestDiscoverSymlinkCycle(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{"a/file.go": "x"})
	if err := os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "a", "loop")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Discover(root, m)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(got) != 1 || got[0] != "a/file.go" {
		t.Errorf("Discover = %v, want [a/file.go]", got)
	}
}

func TestDiscoverEmptyDir(t *testing.T) {
	root := t.TempDir()
	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Discover(root, m)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Discover on empty dir = %v, want empty", got)
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	root := t.TempDir()
	m, err := ignore.NewMatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Discover(filepath.Join(root, "gone"), m); err == nil {
		t.Error("Discover on missing root returned nil error")
	}
}
