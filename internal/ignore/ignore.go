// Package ignore decides which paths indexing and watching skip, using
// gitignore-style rules from .gitignore and .lgrepignore plus built-in
// defaults.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// defaultPatterns cover version-control directories other than .git, which
// is handled as an unconditional rule. They load before the project rule
// files, so a negation there can re-include them.
var defaultPatterns = []string{
	".hg/",
	".svn/",
}

// RuleFiles are the rule files read from the project root, in order of
// increasing precedence.
var RuleFiles = []string{".gitignore", ".lgrepignore"}

type rule struct {
	pattern  string
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
}

// Matcher reports whether paths under one project root are excluded from
// indexing. It is immutable after construction and safe for concurrent use.
type Matcher struct {
	root  string
	rules []rule
}

// NewMatcher builds a matcher for root from the built-in defaults plus any
// rule files present. Missing rule files are not an error.
func NewMatcher(root string) (*Matcher, error) {
	m := &Matcher{root: filepath.Clean(root)}
	for _, p := range defaultPatterns {
		m.addPattern(p)
	}
	for _, name := range RuleFiles {
		if err := m.loadFile(filepath.Join(m.root, name)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Root returns the project root the matcher was built for.
func (m *Matcher) Root() string {
	return m.root
}

func (m *Matcher) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.addPattern(scanner.Text())
	}
	return scanner.Err()
}

// addPattern parses one gitignore line. Blank lines, comments, and
// unparseable patterns are skipped.
func (m *Matcher) addPattern(line string) {
	// Trailing spaces are stripped unless backslash-escaped.
	for strings.HasSuffix(line, " ") && !strings.HasSuffix(line, "\\ ") {
		line = line[:len(line)-1]
	}

	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	r := rule{pattern: line}

	switch {
	case strings.HasPrefix(line, "\\#"), strings.HasPrefix(line, "\\!"):
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		r.negation = true
		line = line[1:]
	}

	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	// A slash anywhere anchors the pattern to the root. The **/ prefix
	// translation keeps any-depth semantics under the anchor.
	anchored := strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	line = strings.ReplaceAll(line, "\\ ", " ")

	regex, err := patternToRegex(line, anchored)
	if err != nil {
		return
	}
	r.regex = regex
	m.rules = append(m.rules, r)
}

// Ignored reports whether path is excluded. path may be absolute or
// relative to the matcher root; paths outside the root are always excluded.
func (m *Matcher) Ignored(path string, isDir bool) bool {
	rel, ok := m.relative(path)
	if !ok {
		return true
	}
	if rel == "." || rel == "" {
		return false
	}

	// A .git segment anywhere is unconditional and cannot be negated.
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".git" {
			return true
		}
	}

	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negation
		}
	}
	return ignored
}

func (m *Matcher) relative(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (r *rule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		// Only a parent directory can satisfy a dir-only pattern.
		return r.matchesParent(rel)
	}
	if r.regex.MatchString(rel) {
		return true
	}
	return r.matchesParent(rel)
}

// matchesParent tests each ancestor directory of rel, so files inside a
// matched directory inherit the verdict.
func (r *rule) matchesParent(rel string) bool {
	segs := strings.Split(rel, "/")
	for i := 1; i < len(segs); i++ {
		if r.regex.MatchString(strings.Join(segs[:i], "/")) {
			return true
		}
	}
	return false
}

// patternToRegex converts a gitignore glob to a regular expression.
// Anchored patterns match from the root of the relative path; unanchored
// ones match at any segment boundary.
func patternToRegex(pattern string, anchored bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	if anchored {
		sb.WriteString("^")
	} else {
		sb.WriteString("(?:^|/)")
	}

	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch c {
		case '*':
			switch {
			case strings.HasPrefix(pattern[i:], "**/"):
				sb.WriteString("(?:.*/)?")
				i += 3
			case strings.HasPrefix(pattern[i:], "**"):
				sb.WriteString(".*")
				i += 2
			default:
				sb.WriteString("[^/]*")
				i++
			}
		case '?':
			sb.WriteString("[^/]")
			i++
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end > 0 {
				sb.WriteString(pattern[i : i+end+1])
				i += end + 1
			} else {
				sb.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
