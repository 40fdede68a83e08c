package chunking

import (
	"path/filepath"
	"strings"
)

// LanguageText is the fallback identifier for unrecognized extensions.
const LanguageText = "text"

// languageByExt maps lowercased file extensions to language identifiers.
// Identifiers follow tree-sitter grammar names; .tsx routes to the tsx
// grammar because the plain typescript grammar rejects JSX syntax.
var languageByExt = map[string]string{
	".py":       "python",
	".pyi":      "python",
	".js":       "javascript",
	".jsx":      "javascript",
	".ts":       "typescript",
	".tsx":      "tsx",
	".rs":       "rust",
	".go":       "go",
	".rb":       "ruby",
	".java":     "java",
	".c":        "c",
	".h":        "c",
	".cpp":      "cpp",
	".cc":       "cpp",
	".cxx":      "cpp",
	".hpp":      "cpp",
	".cs":       "c_sharp",
	".php":      "php",
	".swift":    "swift",
	".kt":       "kotlin",
	".kts":      "kotlin",
	".scala":    "scala",
	".lua":      "lua",
	".r":        "r",
	".jl":       "julia",
	".ex":       "elixir",
	".exs":      "elixir",
	".erl":      "erlang",
	".hrl":      "erlang",
	".hs":       "haskell",
	".ml":       "ocaml",
	".mli":      "ocaml",
	".sh":       "bash",
	".bash":     "bash",
	".zsh":      "bash",
	".yaml":     "yaml",
	".yml":      "yaml",
	".json":     "json",
	".toml":     "toml",
	".md":       "markdown",
	".markdown": "markdown",
	".sql":      "sql",
}

// DetectLanguage returns the language identifier for a path, or
// LanguageText when the extension is unknown.
func DetectLanguage(path string) string {
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return LanguageText
}

// Recognized reports whether the path's extension maps to a known
// language. The watcher only schedules recognized files.
func Recognized(path string) bool {
	_, ok := languageByExt[strings.ToLower(filepath.Ext(path))]
	return ok
}
