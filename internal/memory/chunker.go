package memory

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// Default sliding window for code chunking, in lines.
const (
	DefaultCodeChunkLines   = 40
	DefaultCodeChunkOverlap = 10
)

// chunkMessage renders a message as search chunks. Short messages produce a
// single chunk; long ones split on paragraph boundaries so a hit points at a
// readable span.
func chunkMessage(msg *Message, startOrdinal int) []Chunk {
	const maxChunkRunes = 2000

	rendered := fmt.Sprintf("%s: %s", msg.Role, msg.Content)
	parts := splitText(rendered, maxChunkRunes)

	chunks := make([]Chunk, 0, len(parts))
	for i, text := range parts {
		ordinal := startOrdinal + i
		chunks = append(chunks, Chunk{
			ID:          "chunk_" + msg.ConversationID + "_" + strconv.Itoa(ordinal),
			SourceID:    msg.ID,
			Ordinal:     ordinal,
			Text:        text,
			ContentHash: hashText(text),
		})
	}
	return chunks
}

// splitText breaks text at paragraph boundaries into pieces of at most
// maxRunes, falling back to a hard split for a single oversized paragraph.
func splitText(text string, maxRunes int) []string {
	if len([]rune(text)) <= maxRunes {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		runes := []rune(para)
		if len(runes) > maxRunes {
			flush()
			for start := 0; start < len(runes); start += maxRunes {
				end := start + maxRunes
				if end > len(runes) {
					end = len(runes)
				}
				parts = append(parts, string(runes[start:end]))
			}
			continue
		}
		if currentLen+len(runes) > maxRunes {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(para)
		currentLen += len(runes)
	}
	flush()
	return parts
}

// chunkCode slices file content into overlapping line windows. Each chunk id
// encodes path and start line so reindexing the same content is idempotent.
func (e *Engine) chunkCode(path, content string) []CodeChunk {
	lines := strings.Split(content, "\n")
	window := e.chunkLines
	overlap := e.chunkOverlap
	step := window - overlap
	if step <= 0 {
		step = window
	}

	symbols, imports := extractGoSymbols(path, content)

	var chunks []CodeChunk
	for start := 0; start < len(lines); start += step {
		end := start + window
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) == "" {
			if end == len(lines) {
				break
			}
			continue
		}
		chunks = append(chunks, CodeChunk{
			ID:        fmt.Sprintf("code_%s_%d", hashText(path)[:12], start+1),
			FilePath:  path,
			StartLine: start + 1,
			EndLine:   end,
			Text:      text,
			Hash:      hashText(text),
			Symbols:   symbolsInRange(symbols, start+1, end),
			Imports:   imports,
		})
		if end == len(lines) {
			break
		}
	}
	return chunks
}

type symbolPos struct {
	name string
	line int
}

// extractGoSymbols parses Go source for top-level declarations and imports.
// Non-Go files (or files that fail to parse) simply yield no symbols; search
// still covers their text.
func extractGoSymbols(path, content string) ([]symbolPos, []string) {
	if !strings.HasSuffix(path, ".go") {
		return nil, nil
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.SkipObjectResolution)
	if err != nil {
		return nil, nil
	}

	var symbols []symbolPos
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			symbols = append(symbols, symbolPos{
				name: d.Name.Name,
				line: fset.Position(d.Pos()).Line,
			})
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					symbols = append(symbols, symbolPos{
						name: s.Name.Name,
						line: fset.Position(s.Pos()).Line,
					})
				case *ast.ValueSpec:
					for _, name := range s.Names {
						symbols = append(symbols, symbolPos{
							name: name.Name,
							line: fset.Position(name.Pos()).Line,
						})
					}
				}
			}
		}
	}

	var imports []string
	for _, imp := range file.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil {
			imports = append(imports, p)
		}
	}
	return symbols, imports
}

func symbolsInRange(symbols []symbolPos, startLine, endLine int) []string {
	var out []string
	for _, s := range symbols {
		if s.line >= startLine && s.line <= endLine {
			out = append(out, s.name)
		}
	}
	return out
}

// detectLanguage maps a file extension to a language tag for the code index.
func detectLanguage(path string) string {
	switch {
	case strings.HasSuffix(path, ".go"):
		return "go"
	case strings.HasSuffix(path, ".py"):
		return "python"
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".mjs"):
		return "javascript"
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".tsx"):
		return "typescript"
	case strings.HasSuffix(path, ".rs"):
		return "rust"
	case strings.HasSuffix(path, ".md"):
		return "markdown"
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return "yaml"
	case strings.HasSuffix(path, ".json"):
		return "json"
	case strings.HasSuffix(path, ".sh"):
		return "shell"
	default:
		return ""
	}
}
