package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"selfforge/internal/evolution"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Manage self-modification proposals",
}

var (
	proposalAuthor      string
	proposalDescription string
	proposalFiles       []string
	proposalDowntime    int
	approveReason       string
	rollbackReason      string
	listStatus          string
)

var evolveCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a draft proposal from local files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var changes []evolution.FileChange
		for _, spec := range proposalFiles {
			// dest=src copies a local file into the proposal under dest.
			dest, src, ok := strings.Cut(spec, "=")
			if !ok {
				dest, src = spec, spec
			}
			content, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", src, err)
			}
			changes = append(changes, evolution.FileChange{
				Path:    filepath.ToSlash(dest),
				Content: string(content),
			})
		}

		p, err := a.manager.Create(proposalAuthor, args[0], proposalDescription, changes)
		if err != nil {
			return err
		}
		if proposalDowntime > 0 {
			if _, err := a.manager.SetEstimatedDowntime(p.ID, proposalDowntime); err != nil {
				return err
			}
		}
		fmt.Printf("created %s (risk=%s, %d files)\n", p.ID, p.Risk, len(p.Files))
		return nil
	},
}

var evolveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		proposals, err := a.manager.List(evolution.Status(listStatus))
		if err != nil {
			return err
		}
		for _, p := range proposals {
			fmt.Printf("%s  %-14s  %-6s  %s\n", p.ID, p.Status, p.Risk, p.Title)
		}
		return nil
	},
}

var evolveTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Run a proposal's tests in the dev environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}
		report, err := evolution.RunTests(cmd.Context(), a.devEnv, p)
		if err != nil {
			return err
		}
		if _, err := a.manager.RecordTest(p.ID, report); err != nil {
			return err
		}
		fmt.Printf("passed=%v exit=%d duration=%dms\n", report.Passed, report.ExitCode, report.DurationMs)
		if !report.Passed {
			fmt.Println(report.Output)
			os.Exit(1)
		}
		return nil
	},
}

var evolveSubmitCmd = &cobra.Command{
	Use:   "submit <id>",
	Short: "Submit a tested draft for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.manager.SubmitForReview(args[0], proposalAuthor)
		if err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", p.ID, p.Status)
		return nil
	},
}

var evolveApproveCmd = &cobra.Command{
	Use:   "approve <id> <approver>",
	Short: "Approve a pending proposal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.manager.Approve(args[0], args[1], approveReason)
		if err != nil {
			return err
		}
		if _, err := a.promoter.Baseline(p.ID); err != nil {
			return fmt.Errorf("approved, but prod baseline capture failed: %w", err)
		}
		fmt.Printf("%s approved by %s\n", p.ID, p.Approver)
		return nil
	},
}

var evolveRejectCmd = &cobra.Command{
	Use:   "reject <id> <reason>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.manager.Reject(args[0], proposalAuthor, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s rejected\n", p.ID)
		return nil
	},
}

var evolvePlanCmd = &cobra.Command{
	Use:   "plan <id> <rollback-plan>",
	Short: "Set a proposal's rollback plan",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		_, err = a.manager.SetRollbackPlan(args[0], strings.Join(args[1:], " "))
		return err
	},
}

var evolveDeployCmd = &cobra.Command{
	Use:   "deploy <id>",
	Short: "Deploy an approved proposal to prod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.promoter.Deploy(args[0], proposalAuthor)
		if err != nil {
			return err
		}
		fmt.Printf("%s deployed at %s\n", p.ID, p.DeployedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var evolveRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Mark a deployed proposal rolled back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		_, err = a.promoter.Rollback(args[0], proposalAuthor, rollbackReason)
		return err
	},
}

var evolveShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a proposal's state and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\nstatus=%s risk=%s author=%s approver=%s\n", p.ID, p.Title, p.Status, p.Risk, p.Author, p.Approver)
		if p.LastTest != nil {
			fmt.Printf("last test: passed=%v exit=%d at %s\n", p.LastTest.Passed, p.LastTest.ExitCode, p.LastTest.RanAt.Format("2006-01-02 15:04:05"))
		}
		for _, t := range p.History {
			fmt.Printf("  %s  %s -> %s  (%s) %s\n", t.At.Format("2006-01-02 15:04:05"), t.From, t.To, t.Actor, t.Reason)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{evolveCreateCmd, evolveSubmitCmd, evolveRejectCmd, evolveDeployCmd, evolveRollbackCmd} {
		c.Flags().StringVar(&proposalAuthor, "author", "operator", "acting user")
	}
	evolveCreateCmd.Flags().StringVar(&proposalDescription, "description", "", "proposal description")
	evolveCreateCmd.Flags().StringArrayVar(&proposalFiles, "file", nil, "file change as dest=src (repeatable)")
	evolveCreateCmd.Flags().IntVar(&proposalDowntime, "downtime", 0, "estimated prod downtime in minutes")
	evolveApproveCmd.Flags().StringVar(&approveReason, "reason", "", "approval reason (required for high risk)")
	evolveRollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "rollback reason")
	evolveListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	evolveCmd.AddCommand(evolveCreateCmd, evolveListCmd, evolveTestCmd, evolveSubmitCmd,
		evolveApproveCmd, evolveRejectCmd, evolvePlanCmd, evolveDeployCmd, evolveRollbackCmd, evolveShowCmd)
}
