package treesitter

import (
	"strings"
	"testing"
)

func TestSupports(t *testing.T) {
	supported := []string{
		"python", "javascript", "typescript", "tsx", "rust", "go", "ruby",
		"java", "c", "cpp", "c_sharp", "php", "swift", "kotlin", "scala",
		"lua", "elixir", "ocaml", "bash", "yaml", "toml", "markdown", "sql",
	}
	for _, lang := range supported {
		if !Supports(lang) {
			t.Errorf("Supports(%q) = false, want true", lang)
		}
	}

	unsupported := []string{"r", "julia", "erlang", "haskell", "json", "text", ""}
	for _, lang := range unsupported {
		if Supports(lang) {
			t.Errorf("Supports(%q) = true, want false", lang)
		}
	}
}

func TestSplitUnsupportedLanguage(t *testing.T) {
	s := New(500)
	if _, err := s.Split("julia", []byte("f(x) = x + 1\n")); err == nil {
		t.Fatal("Split(julia) error = nil, want grammar error")
	}
}

func TestSplitEmptyInput(t *testing.T) {
	s := New(500)
	for _, content := range []string{"", "  \n\t\n"} {
		pieces, err := s.Split("go", []byte(content))
		if err != nil {
			t.Fatalf("Split(%q) error: %v", content, err)
		}
		if len(pieces) != 0 {
			t.Errorf("Split(%q) = %d pieces, want 0", content, len(pieces))
		}
	}
}

func TestSplitSmallFileOnePiece(t *testing.T) {
	s := New(500)
	src := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"

	pieces, err := s.Split("go", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(pieces) != 1 {
		t.Fatalf("got %d pieces, want 1", len(pieces))
	}
	if !strings.Contains(pieces[0].Text, "package main") || !strings.Contains(pieces[0].Text, "func main()") {
		t.Errorf("piece missing source text: %q", pieces[0].Text)
	}
}

func TestSplitPacksDefinitions(t *testing.T) {
	s := New(30)
	src := `package main

import "fmt"

func one() {
	fmt.Println("one", 1, 2, 3)
	fmt.Println("more text here now")
}

func two() {
	fmt.Println("two", 4, 5, 6)
	fmt.Println("extra words in this line")
}

func three() {
	fmt.Println("three", 7, 8, 9)
}
`

	pieces, err := s.Split("go", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(pieces) != 2 {
		t.Fatalf("got %d pieces, want 2", len(pieces))
	}

	// Small declarations pack together until the budget stops them.
	if !strings.Contains(pieces[0].Text, "package main") || !strings.Contains(pieces[0].Text, "func two()") {
		t.Errorf("first piece should pack package through func two, got %q", pieces[0].Text)
	}
	if !strings.HasPrefix(pieces[1].Text, "func three()") {
		t.Errorf("second piece starts %q, want func three()", pieces[1].Text)
	}
	for i, p := range pieces {
		if p.TokenCount > 30 {
			t.Errorf("piece %d TokenCount = %d, exceeds budget", i, p.TokenCount)
		}
	}
}

func TestSplitOversizeClassRecurses(t *testing.T) {
	s := New(15)
	src := `class Greeter:
    def hello(self, name):
        message = "hello " + name
        print(message)
        return message

    def goodbye(self, name):
        message = "goodbye " + name
        print(message)
        return message
`

	pieces, err := s.Split("python", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(pieces) != 2 {
		t.Fatalf("got %d pieces, want 2", len(pieces))
	}

	// The class header rides along with the first method via gap fill.
	if !strings.Contains(pieces[0].Text, "class Greeter:") || !strings.Contains(pieces[0].Text, "def hello") {
		t.Errorf("first piece = %q, want class header plus hello", pieces[0].Text)
	}
	if !strings.Contains(pieces[1].Text, "def goodbye") {
		t.Errorf("second piece = %q, want goodbye method", pieces[1].Text)
	}
}

func TestSplitPiecesInSourceOrder(t *testing.T) {
	s := New(10)

	var b strings.Builder
	b.WriteString("package main\n\nfunc f() {\n")
	for i := 0; i < 20; i++ {
		b.WriteString("\tcall(alpha, beta, gamma)\n")
	}
	b.WriteString("}\n")
	src := b.String()

	pieces, err := s.Split("go", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(pieces) < 3 {
		t.Fatalf("got %d pieces, want several under tight budget", len(pieces))
	}

	offset := 0
	for i, p := range pieces {
		idx := strings.Index(src[offset:], p.Text)
		if idx < 0 {
			t.Fatalf("piece %d not found in source after offset %d", i, offset)
		}
		offset += idx + len(p.Text)
	}
}

func TestSplitToleratesSyntaxErrors(t *testing.T) {
	s := New(500)
	src := "func broken(( {{{\n\tnot really go\n"

	pieces, err := s.Split("go", []byte(src))
	if err != nil {
		t.Fatalf("Split on broken source error: %v", err)
	}
	if len(pieces) == 0 {
		t.Fatal("got 0 pieces, want content preserved despite errors")
	}
}
