package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"selfforge/internal/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain the memory engine",
}

var (
	searchSource string
	searchLimit  int
)

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored conversations and indexed code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.store.Search(cmd.Context(), args[0], memory.SearchOptions{
			Source: searchSource,
			Limit:  searchLimit,
		})
		if err != nil {
			return err
		}
		if resp.KeywordOnly {
			fmt.Println("(keyword-only: no vector index available)")
		}
		if resp.Partial {
			fmt.Println("(partial: index may lag the log)")
		}
		for _, r := range resp.Results {
			fmt.Printf("%.3f [%s] %s\n", r.Score, r.Source, firstLine(r.Content))
		}
		return nil
	},
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.store.Stats()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-24s %d\n", name, stats[name])
		}

		cache, err := a.store.CacheStats()
		if err == nil {
			fmt.Printf("%-24s %d (hits=%d misses=%d)\n", "embedding_cache_session", cache.Entries, cache.Hits, cache.Misses)
		}
		return nil
	},
}

var memoryReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild the index from the conversation logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		w := memory.NewWatcher(a.store, 0)
		return w.ReconcileAll(cmd.Context())
	},
}

var indexRepoID string

var memoryIndexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Index a source tree for code search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		root := args[0]
		indexed := 0
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				name := d.Name()
				if name == ".git" || name == "node_modules" || name == ".forge" {
					return filepath.SkipDir
				}
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			info, _ := d.Info()
			mod := time.Now()
			if info != nil {
				mod = info.ModTime()
			}
			changed, err := a.store.IndexCodeFile(cmd.Context(), indexRepoID, path, content, mod)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
				return nil
			}
			if changed {
				indexed++
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("indexed %d changed files\n", indexed)
		return nil
	},
}

var memoryCacheClearCmd = &cobra.Command{
	Use:   "cache-clear <provider> [model]",
	Short: "Drop cached embeddings after a provider key rotation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		model := ""
		if len(args) == 2 {
			model = args[1]
		}
		n, err := a.store.ClearCacheProvider(args[0], model)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d cached embeddings\n", n)
		return nil
	},
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
		if i > 120 {
			return s[:i] + "..."
		}
	}
	return s
}

func init() {
	memorySearchCmd.Flags().StringVar(&searchSource, "source", "", `restrict to "conversation" or "code"`)
	memorySearchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum results")
	memoryIndexCmd.Flags().StringVar(&indexRepoID, "repo", "default", "repository identifier")

	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryStatsCmd)
	memoryCmd.AddCommand(memoryReconcileCmd)
	memoryCmd.AddCommand(memoryIndexCmd)
	memoryCmd.AddCommand(memoryCacheClearCmd)
}
