package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rahul/dbagent/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var (
		threadID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the chat history of a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return fmt.Errorf("--thread required")
			}
			h, err := store.NewHistoryStore(globalCfg.Memory.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			msgs, err := h.GetMessages(threadID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s: %s\n\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum messages")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored exploration sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := store.NewHistoryStore(globalCfg.Memory.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			sessions, err := h.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tSTEPS\tDONE\tUPDATED\tQUESTION")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", s.ThreadID, s.Steps, s.Done, s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.Question)
			}
			return w.Flush()
		},
	}, &cobra.Command{
		Use:   "delete [thread]",
		Short: "Forget a session and everything it learned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := store.NewHistoryStore(globalCfg.Memory.Path)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.DeleteSession(args[0])
		},
	})
	return cmd
}
