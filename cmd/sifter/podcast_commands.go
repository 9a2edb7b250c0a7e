package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"sifter/internal/config"
	"sifter/internal/ingest"
	"sifter/internal/logging"
	"sifter/internal/queue"
	"sifter/internal/store"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Refresh podcast feeds and record new episodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				svc := ingest.NewService(st, cfg.Download.UserAgent, logging.NewNop())
				summary, err := svc.Refresh(cmd.Context(), force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checked %d feeds: %d new episodes, %d failed\n",
					summary.Podcasts, summary.NewEpisodes, summary.Failed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Refresh every feed regardless of age")
	return cmd
}

func newPodcastCommand(ctx *commandContext) *cobra.Command {
	podcastCmd := &cobra.Command{
		Use:   "podcast",
		Short: "Manage podcast feeds",
	}
	podcastCmd.AddCommand(newPodcastAddCommand(ctx))
	podcastCmd.AddCommand(newPodcastListCommand(ctx))
	return podcastCmd
}

func newPodcastAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <feed-url>",
		Short: "Register a podcast feed and ingest its episodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				svc := ingest.NewService(st, cfg.Download.UserAgent, logging.NewNop())
				podcast, err := svc.AddPodcast(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", podcast.Title, podcast.ID)
				return nil
			})
		},
	}
}

func newPodcastListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered podcasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				podcasts, err := st.ListPodcasts(cmd.Context())
				if err != nil {
					return err
				}
				if len(podcasts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No podcasts registered")
					return nil
				}
				rows := make([][]string, 0, len(podcasts))
				for _, podcast := range podcasts {
					subscribers, err := st.ListSubscribers(cmd.Context(), podcast.ID)
					if err != nil {
						return err
					}
					checked := "never"
					if !podcast.LastCheckedAt.IsZero() {
						checked = podcast.LastCheckedAt.Local().Format("2006-01-02 15:04")
					}
					rows = append(rows, []string{
						podcast.ID, podcast.Title, podcast.Author,
						strconv.Itoa(len(subscribers)), checked,
					})
				}
				table := renderTable(
					[]string{"ID", "Title", "Author", "Subs", "Last Checked"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}
