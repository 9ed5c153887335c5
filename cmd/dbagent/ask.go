package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rahul/dbagent/internal/agent"
	"github.com/rahul/dbagent/internal/gateway"
	"github.com/rahul/dbagent/internal/tools"
)

func newAskCmd() *cobra.Command {
	var (
		threadID string
		cont     bool
		asJSON   bool
		events   bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stream io.Writer = io.Discard
			if events {
				stream = cmd.ErrOrStderr()
			}
			a, err := newApp(globalCfg, stream)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if threadID == "" {
				threadID = agent.NewThreadID()
			}
			question := strings.Join(args, " ")
			ans, _, runErr := a.brain.Ask(ctx, threadID, question, cont)
			if runErr != nil && ans == nil {
				return runErr
			}
			a.history.AddMessage(threadID, "human", question)
			a.history.AddMessage(threadID, "ai", agent.FormatAnswer(ans))

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{"thread_id": threadID, "answer": ans}); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, agent.FormatAnswer(ans))
				fmt.Fprintf(cmd.ErrOrStderr(), "\nthread: %s\n", threadID)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id to reuse (knowledge is kept per thread)")
	cmd.Flags().BoolVar(&cont, "continue", false, "Continue the thread's previous trace instead of starting fresh")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the answer with evidence and trace as JSON")
	cmd.Flags().BoolVar(&events, "events", false, "Stream step events as JSON lines to stderr")
	return cmd
}

func newChatCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(globalCfg, io.Discard)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if threadID == "" {
				threadID = agent.NewThreadID()
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "thread %s. Commands: %s <question>, %s, %s, /exit\n",
				threadID, agent.CommandContinue, agent.CommandTables, agent.CommandReset)
			console := gateway.NewConsoleGateway(a.brain, threadID)
			console.In = cmd.InOrStdin()
			console.Out = cmd.OutOrStdout()
			return console.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id to resume")
	return cmd
}

func newInitDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-demo [path]",
		Short: "Create a small shop database to explore",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalCfg.Database.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "demo.db"
			}
			if err := tools.SeedDemo(context.Background(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Demo database written to %s (users, products, orders, order_items)\n", path)
			return nil
		},
	}
}
