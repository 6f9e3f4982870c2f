package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"selfforge/internal/tools"
)

// maxFileReadBytes caps a single file_read result so one tool call cannot
// flood the model context.
const maxFileReadBytes = 256 * 1024

func registerFileRead(reg *tools.Registry, deps Deps) error {
	return reg.Register(&tools.Tool{
		Name:        "file_read",
		Description: "Read a file from the repository. Returns the file content as text.",
		Category:    tools.CategoryFile,
		Schema: tools.Schema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path":      {Type: "string", Description: "Repository-relative file path", Format: "path"},
				"offset":    {Type: "integer", Description: "Line to start reading from (1-based)"},
				"max_lines": {Type: "integer", Description: "Maximum number of lines to return"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path", "")
			offset := intArg(args, "offset", 1)
			maxLines := intArg(args, "max_lines", 0)

			content, err := os.ReadFile(filepath.Join(deps.BaseDir, path))
			if err != nil {
				return "", fmt.Errorf("cannot read %s: %w", path, err)
			}
			if len(content) > maxFileReadBytes {
				content = content[:maxFileReadBytes]
			}

			lines := strings.Split(string(content), "\n")
			if offset > 1 {
				if offset > len(lines) {
					return "", fmt.Errorf("offset %d past end of file (%d lines)", offset, len(lines))
				}
				lines = lines[offset-1:]
			}
			if maxLines > 0 && len(lines) > maxLines {
				lines = lines[:maxLines]
			}
			return strings.Join(lines, "\n"), nil
		},
	})
}

func registerFileList(reg *tools.Registry, deps Deps) error {
	return reg.Register(&tools.Tool{
		Name:        "file_list",
		Description: "List files under a repository directory, recursively.",
		Category:    tools.CategoryFile,
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"path":        {Type: "string", Description: "Repository-relative directory, defaults to the root", Format: "path"},
				"max_results": {Type: "integer", Description: "Maximum number of paths to return"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			rel := stringArg(args, "path", ".")
			maxResults := intArg(args, "max_results", 500)

			root := filepath.Join(deps.BaseDir, rel)
			var paths []string
			err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				name := d.Name()
				if d.IsDir() {
					if name == ".git" || name == "node_modules" {
						return filepath.SkipDir
					}
					return nil
				}
				relPath, err := filepath.Rel(deps.BaseDir, path)
				if err != nil {
					return nil
				}
				paths = append(paths, relPath)
				if len(paths) >= maxResults {
					return filepath.SkipAll
				}
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("cannot list %s: %w", rel, err)
			}
			sort.Strings(paths)
			return strings.Join(paths, "\n"), nil
		},
	})
}
