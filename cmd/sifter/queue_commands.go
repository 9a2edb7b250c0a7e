package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sifter/internal/config"
	"sifter/internal/queue"
	"sifter/internal/store"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var queueFlag string
	var statusFlags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				statuses := make([]queue.Status, 0, len(statusFlags))
				for _, raw := range statusFlags {
					statuses = append(statuses, queue.Status(raw))
				}
				records, err := qs.List(cmd.Context(), queueFlag, statuses...)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, record := range records {
					rows = append(rows, []string{
						record.ID,
						record.Queue,
						record.Name,
						string(record.Status),
						fmt.Sprintf("%d/%d", record.Attempts, record.MaxAttempts),
						strconv.Itoa(record.Progress) + "%",
						truncate(record.LastError, 60),
					})
				}
				table := renderTable(
					[]string{"ID", "Queue", "Name", "Status", "Attempts", "Progress", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queueFlag, "queue", "q", "", "Filter by queue name")
	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (repeatable)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Return failed jobs to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				count, err := qs.RetryFailed(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d jobs\n", count)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove completed and failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				count, err := qs.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs\n", count)
				return nil
			})
		},
	}
}

func queueStatsRows(stats map[string]map[queue.Status]int) [][]string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows [][]string
	for _, name := range names {
		for _, status := range []queue.Status{queue.StatusPending, queue.StatusRunning, queue.StatusCompleted, queue.StatusFailed} {
			if count := stats[name][status]; count > 0 {
				rows = append(rows, []string{name, string(status), strconv.Itoa(count)})
			}
		}
	}
	return rows
}

func truncate(value string, limit int) string {
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
