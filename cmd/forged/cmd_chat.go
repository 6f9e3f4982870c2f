package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"selfforge/internal/chat"
)

var (
	chatConversationID string
	chatStream         bool
)

// chatCmd starts an interactive session, or answers a single prompt when one
// is given as arguments.
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
		defer a.watcher.Stop()

		session := chat.NewSession(a.dispatcher, a.pipeline, a.registry, a.store, chatConversationID)

		if len(args) > 0 {
			reply, err := runTurn(ctx, session, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		}

		fmt.Printf("selfforge chat (conversation %s). Ctrl-D to exit.\n", session.ConversationID)
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			reply, err := runTurn(ctx, session, line)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintln(os.Stderr, "error:", err)
				continue
			}
			fmt.Println(reply)
		}
	},
}

// runTurn sends one turn, printing deltas as they arrive when --stream is
// set. The returned reply is whatever was not already printed.
func runTurn(ctx context.Context, session *chat.Session, text string) (string, error) {
	if !chatStream {
		return session.Send(ctx, text)
	}

	var printed bool
	reply, err := session.SendStream(ctx, text, func(delta string) {
		printed = true
		fmt.Print(delta)
	})
	if err != nil {
		return "", err
	}
	if printed {
		// The reply is already on screen; the caller's Println just
		// terminates the line.
		return "", nil
	}
	return reply, nil
}

func init() {
	chatCmd.Flags().StringVar(&chatConversationID, "conversation", "", "resume an existing conversation id")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "print the reply incrementally as it streams")
}
