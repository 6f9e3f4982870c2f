// Package core registers the builtin tools: filesystem access, repository
// search, web fetch, and memory retrieval. Everything here goes through the
// pipeline like any third-party tool; there is no privileged path.
package core

import (
	"fmt"

	"selfforge/internal/memory"
	"selfforge/internal/tools"
)

// Deps carries the shared dependencies builtin tools close over.
type Deps struct {
	// BaseDir is the repository root all path arguments resolve under.
	BaseDir string
	// Memory is the engine behind the memory_* tools; nil disables them.
	Memory *memory.Engine
}

// RegisterAll registers every builtin tool against the registry.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	if deps.BaseDir == "" {
		return fmt.Errorf("core: base directory required")
	}

	register := []func(*tools.Registry, Deps) error{
		registerFileRead,
		registerFileList,
		registerRepoGrep,
		registerWebFetch,
	}
	if deps.Memory != nil {
		register = append(register, registerMemorySearch, registerMemoryRecall)
	}

	for _, fn := range register {
		if err := fn(reg, deps); err != nil {
			return err
		}
	}
	return nil
}

// stringArg extracts a string argument with a default.
func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
