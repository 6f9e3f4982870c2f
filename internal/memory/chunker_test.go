package memory

import (
	"strings"
	"testing"
)

func TestChunkMessageSingle(t *testing.T) {
	msg := &Message{ID: "m1", ConversationID: "conv", Role: "user", Content: "short question"}
	chunks := chunkMessage(msg, 0)

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	c := chunks[0]
	if c.ID != "chunk_conv_0" {
		t.Fatalf("id %q", c.ID)
	}
	if c.Text != "user: short question" {
		t.Fatalf("text %q", c.Text)
	}
	if c.ContentHash != hashText(c.Text) {
		t.Fatal("content hash mismatch")
	}
}

func TestChunkMessageSplitsLongContent(t *testing.T) {
	paragraphs := make([]string, 6)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("word ", 120)
	}
	msg := &Message{ID: "m1", ConversationID: "conv", Role: "assistant", Content: strings.Join(paragraphs, "\n\n")}

	chunks := chunkMessage(msg, 3)
	if len(chunks) < 2 {
		t.Fatalf("long message should split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != 3+i {
			t.Fatalf("chunk %d ordinal %d", i, c.Ordinal)
		}
		if len([]rune(c.Text)) > 2000 {
			t.Fatalf("chunk %d is %d runes", i, len([]rune(c.Text)))
		}
	}
}

func TestSplitTextHardSplitsOversizedParagraph(t *testing.T) {
	text := strings.Repeat("x", 4500)
	parts := splitText(text, 2000)

	if len(parts) != 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	var total int
	for _, p := range parts {
		if len([]rune(p)) > 2000 {
			t.Fatalf("part is %d runes", len([]rune(p)))
		}
		total += len([]rune(p))
	}
	if total != 4500 {
		t.Fatalf("lost content: %d runes total", total)
	}
}

func TestChunkCodeWindowAndOverlap(t *testing.T) {
	e := newTestEngine(t, Options{CodeChunkLines: 10, CodeChunkOverlap: 2})

	lines := make([]string, 25)
	for i := range lines {
		lines[i] = "line content"
	}
	chunks := e.chunkCode("pkg/file.txt", strings.Join(lines, "\n"))

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	// Step is window minus overlap: 10, 2 -> starts at lines 1, 9, 17.
	wantStarts := []int{1, 9, 17}
	for i, c := range chunks {
		if c.StartLine != wantStarts[i] {
			t.Fatalf("chunk %d starts at %d, want %d", i, c.StartLine, wantStarts[i])
		}
	}
	if chunks[2].EndLine != 25 {
		t.Fatalf("last chunk ends at %d", chunks[2].EndLine)
	}

	// Same path and content chunk to the same ids.
	again := e.chunkCode("pkg/file.txt", strings.Join(lines, "\n"))
	for i := range chunks {
		if chunks[i].ID != again[i].ID {
			t.Fatal("chunk ids must be stable across runs")
		}
	}
}

func TestExtractGoSymbols(t *testing.T) {
	src := `package demo

import (
	"fmt"
	"strings"
)

const Version = "1.0"

type Server struct{}

func (s *Server) Run() error {
	fmt.Println(strings.ToUpper("up"))
	return nil
}

func helper() {}
`
	symbols, imports := extractGoSymbols("demo/server.go", src)

	names := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		names[s.name] = true
	}
	for _, want := range []string{"Version", "Server", "Run", "helper"} {
		if !names[want] {
			t.Errorf("symbol %q not extracted (got %v)", want, symbols)
		}
	}
	if len(imports) != 2 || imports[0] != "fmt" || imports[1] != "strings" {
		t.Fatalf("imports %v", imports)
	}
}

func TestExtractGoSymbolsNonGo(t *testing.T) {
	if s, i := extractGoSymbols("notes.md", "# heading"); s != nil || i != nil {
		t.Fatal("non-Go files should yield no symbols")
	}
	if s, _ := extractGoSymbols("broken.go", "package {{{"); s != nil {
		t.Fatal("unparseable Go should yield no symbols")
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"a.go":      "go",
		"b.py":      "python",
		"c.ts":      "typescript",
		"d.yaml":    "yaml",
		"Makefile":  "",
		"script.sh": "shell",
	}
	for path, want := range cases {
		if got := detectLanguage(path); got != want {
			t.Errorf("detectLanguage(%q) = %q, want %q", path, got, want)
		}
	}
}
