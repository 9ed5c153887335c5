package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/dbagent/internal/store"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage questions re-asked on a schedule by serve",
	}
	cmd.AddCommand(newScheduleAddCmd(), newScheduleListCmd(), newScheduleClearCmd())
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	var (
		threadID string
		every    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add [question]",
		Short: "Schedule a question (once, or repeatedly with --every)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return fmt.Errorf("--thread required (the Telegram chat id when serving over Telegram)")
			}
			h, err := store.NewHistoryStore(globalCfg.Memory.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			id, err := h.AddQuestion(threadID, strings.Join(args, " "), int(every.Seconds()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled question %d on thread %s\n", id, threadID)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id the answers are sent to")
	cmd.Flags().DurationVar(&every, "every", 0, "Repeat interval, e.g. 24h (0 runs once)")
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := store.NewHistoryStore(globalCfg.Memory.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			questions, err := h.ListQuestions(threadID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTHREAD\tEVERY\tLAST RUN\tQUESTION")
			for _, q := range questions {
				lastRun := "never"
				if !q.LastRun.IsZero() {
					lastRun = q.LastRun.Local().Format("2006-01-02 15:04")
				}
				every := "once"
				if q.IntervalSeconds > 0 {
					every = (time.Duration(q.IntervalSeconds) * time.Second).String()
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", q.ID, q.ThreadID, every, lastRun, q.Question)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Only this thread")
	return cmd
}

func newScheduleClearCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all scheduled questions of a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return fmt.Errorf("--thread required")
			}
			h, err := store.NewHistoryStore(globalCfg.Memory.Path)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.ClearQuestions(threadID)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id")
	return cmd
}
