package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"selfforge/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and invoke registered tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for _, name := range a.registry.Names() {
			tool := a.registry.Get(name)
			fmt.Printf("%-16s %-8s %s\n", tool.Name, tool.Category, tool.Description)
		}
		return nil
	},
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <name> [args-json]",
	Short: "Invoke one tool through the full pipeline",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		callArgs := map[string]any{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
				return fmt.Errorf("invalid args JSON: %w", err)
			}
		}

		result := a.pipeline.Invoke(cmd.Context(), tools.Call{
			ToolName: args[0],
			Args:     callArgs,
		})
		fmt.Println(result.JSON())
		return nil
	},
}

var toolsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-tool invocation metrics and circuit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for _, m := range a.pipeline.Tracker().All() {
			fmt.Printf("%-16s calls=%d ok=%d failed=%d avg=%.0fms\n",
				m.ToolName, m.TotalCalls, m.Successes, m.Failures, m.AvgMs)
		}
		for _, snap := range a.pipeline.Breaker().Snapshots() {
			fmt.Printf("%-16s circuit=%s failures=%d\n", snap.ToolName, snap.State, snap.ConsecutiveFailures)
		}
		return nil
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd, toolsStatsCmd)
}
