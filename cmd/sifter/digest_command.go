package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"sifter/internal/config"
	"sifter/internal/logging"
	"sifter/internal/orchestrator"
	"sifter/internal/queue"
	"sifter/internal/store"
)

// consoleJob adapts a foreground run to the stage contract: log lines and
// progress go straight to the terminal.
type consoleJob struct {
	id  string
	out io.Writer
}

func (j *consoleJob) JobID() string { return j.id }

func (j *consoleJob) Data() []byte { return nil }

func (j *consoleJob) Log(message string) {
	fmt.Fprintln(j.out, message)
}

func (j *consoleJob) UpdateProgress(percent int) {
	fmt.Fprintf(j.out, "progress: %d%%\n", percent)
}

func newDigestCommand(ctx *commandContext) *cobra.Command {
	var userFlag string
	var periodFlag string

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Produce a digest for one user right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				period := store.DigestPeriod(strings.ToLower(strings.TrimSpace(periodFlag)))
				if !period.Valid() {
					return fmt.Errorf("invalid period %q (expected daily or weekly)", periodFlag)
				}
				user, err := resolveUser(cmd.Context(), st, userFlag)
				if err != nil {
					return err
				}

				logger, err := logging.NewForDir(cfg.Logging.Level, cfg.Logging.Format, cfg.Paths.LogDir, "sifter.log")
				if err != nil {
					return fmt.Errorf("init logger: %w", err)
				}
				pipe := buildPipeline(cfg, st, qs, logger)

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Producing %s digest for %s\n", period, user.Email)
				job := &consoleJob{id: "digest-run-" + user.ID, out: out}
				result, err := pipe.Orchestrator.Run(cmd.Context(), job, orchestrator.Payload{
					UserID:    user.ID,
					Frequency: period,
				})
				if err != nil {
					return err
				}
				if result == nil {
					fmt.Fprintln(out, "No new episodes in the window; nothing to digest.")
					return nil
				}
				fmt.Fprintf(out, "Digest %s ready: %s (%.0fs, %d episodes, %d clips)\n",
					result.DigestID, result.AudioURL, result.Duration, result.EpisodeCount, result.ClipCount)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&userFlag, "user", "u", "", "User id or email (required)")
	cmd.Flags().StringVarP(&periodFlag, "period", "p", string(store.PeriodDaily), "Digest period: daily or weekly")
	_ = cmd.MarkFlagRequired("user")
	cmd.AddCommand(newDigestShareCommand(ctx))
	return cmd
}

func newDigestShareCommand(ctx *commandContext) *cobra.Command {
	var revokeFlag bool

	cmd := &cobra.Command{
		Use:   "share <digest-id>",
		Short: "Make a digest public and print its share id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				digest, err := st.SetDigestPublic(cmd.Context(), strings.TrimSpace(args[0]), !revokeFlag)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if revokeFlag {
					fmt.Fprintf(out, "Digest %s is now private\n", digest.ID)
					return nil
				}
				fmt.Fprintf(out, "Digest %s is public with share id %s\n", digest.ID, digest.ShareID)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&revokeFlag, "revoke", false, "Make the digest private again")
	return cmd
}

func resolveUser(ctx context.Context, st *store.Store, ref string) (*store.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("user is required")
	}
	if strings.Contains(ref, "@") {
		return st.GetUserByEmail(ctx, ref)
	}
	return st.GetUser(ctx, ref)
}
