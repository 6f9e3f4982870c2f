package core

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"selfforge/internal/tools"
)

// maxGrepFileBytes skips files too large to scan line by line.
const maxGrepFileBytes = 2 * 1024 * 1024

func registerRepoGrep(reg *tools.Registry, deps Deps) error {
	return reg.Register(&tools.Tool{
		Name:        "repo_grep",
		Description: "Search repository files for a regular expression. Returns path:line matches.",
		Category:    tools.CategorySearch,
		Schema: tools.Schema{
			Required: []string{"pattern"},
			Properties: map[string]tools.Property{
				"pattern":     {Type: "string", Description: "Go regular expression to search for"},
				"path":        {Type: "string", Description: "Restrict the search to this directory", Format: "path"},
				"max_results": {Type: "integer", Description: "Maximum number of matching lines"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			pattern := stringArg(args, "pattern", "")
			rel := stringArg(args, "path", ".")
			maxResults := intArg(args, "max_results", 100)

			re, err := regexp.Compile(pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}

			root := filepath.Join(deps.BaseDir, rel)
			var matches []string
			err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					name := d.Name()
					if name == ".git" || name == "node_modules" {
						return filepath.SkipDir
					}
					return nil
				}
				if info, err := d.Info(); err != nil || info.Size() > maxGrepFileBytes {
					return nil
				}

				relPath, err := filepath.Rel(deps.BaseDir, path)
				if err != nil {
					return nil
				}
				hits, err := grepFile(path, relPath, re, maxResults-len(matches))
				if err != nil {
					return nil
				}
				matches = append(matches, hits...)
				if len(matches) >= maxResults {
					return filepath.SkipAll
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "no matches", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

func grepFile(path, relPath string, re *regexp.Regexp, budget int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		// Binary heuristic: a NUL byte means this is not a text file.
		if strings.ContainsRune(line, 0) {
			return hits, nil
		}
		if re.MatchString(line) {
			hits = append(hits, fmt.Sprintf("%s:%d: %s", relPath, lineNo, strings.TrimSpace(line)))
			if len(hits) >= budget {
				return hits, nil
			}
		}
	}
	return hits, scanner.Err()
}
