package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"sifter/internal/config"
	"sifter/internal/deps"
	"sifter/internal/queue"
	"sifter/internal/store"
)

const (
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var userFlag string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dependency, queue, and digest status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				fmt.Fprintln(out, "Dependencies:")
				for _, status := range deps.Check(cfg) {
					fmt.Fprintf(out, "  %s %s%s\n", readyMark(status.Available, status.Optional, colorize),
						status.Name, detailSuffix(status.Detail))
				}

				stats, err := qs.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "\nQueues:")
				rows := queueStatsRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(out, "  empty")
				} else {
					fmt.Fprintln(out, renderTable(
						[]string{"Queue", "Status", "Count"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight},
					))
				}

				if userFlag != "" {
					user, err := resolveUser(cmd.Context(), st, userFlag)
					if err != nil {
						return err
					}
					counts, err := st.EpisodeStatusCounts(cmd.Context(), user.ID, time.Now().Add(-user.Frequency.Window()))
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "\nEpisodes in %s window for %s:\n", user.Frequency, user.Email)
					for _, status := range []store.EpisodeStatus{
						store.EpisodePending, store.EpisodeDownloading, store.EpisodeTranscribing,
						store.EpisodeTranscribed, store.EpisodeAnalyzing, store.EpisodeAnalyzed, store.EpisodeFailed,
					} {
						if count := counts[status]; count > 0 {
							fmt.Fprintf(out, "  %-13s %d\n", status, count)
						}
					}
				}

				digestCounts, err := st.DigestStatusCounts(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "\nDigests:")
				if len(digestCounts) == 0 {
					fmt.Fprintln(out, "  none")
				}
				for _, status := range []store.DigestStatus{
					store.DigestCurating, store.DigestPending, store.DigestGeneratingScript,
					store.DigestGeneratingAudio, store.DigestStitching, store.DigestReady, store.DigestFailed,
				} {
					if count := digestCounts[status]; count > 0 {
						fmt.Fprintf(out, "  %-18s %d\n", status, count)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&userFlag, "user", "u", "", "Also show the episode window for this user")
	return cmd
}

func readyMark(available, optional, colorize bool) string {
	mark := "✓"
	color := ansiGreen
	if !available {
		mark = "✗"
		color = ansiRed
		if optional {
			mark = "-"
			color = ""
		}
	}
	if !colorize || color == "" {
		return mark
	}
	return color + mark + ansiReset
}

func detailSuffix(detail string) string {
	if detail == "" {
		return ""
	}
	return " (" + detail + ")"
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
