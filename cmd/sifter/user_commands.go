package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sifter/internal/config"
	"sifter/internal/queue"
	"sifter/internal/store"
)

func newUserCommand(ctx *commandContext) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage digest recipients",
	}
	userCmd.AddCommand(newUserAddCommand(ctx))
	userCmd.AddCommand(newUserListCommand(ctx))
	userCmd.AddCommand(newUserSubscribeCommand(ctx))
	return userCmd
}

func newUserAddCommand(ctx *commandContext) *cobra.Command {
	var name string
	var interests []string
	var frequency string

	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Register a digest recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				period := store.DigestPeriod(strings.ToLower(strings.TrimSpace(frequency)))
				if !period.Valid() {
					return fmt.Errorf("invalid frequency %q (expected daily or weekly)", frequency)
				}
				user, err := st.CreateUser(cmd.Context(), args[0], name, interests, period)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s), %s digests\n", user.Email, user.ID, user.Frequency)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name")
	cmd.Flags().StringSliceVarP(&interests, "interest", "i", nil, "Interest topic (repeatable)")
	cmd.Flags().StringVarP(&frequency, "frequency", "f", string(store.PeriodDaily), "Digest frequency: daily or weekly")
	return cmd
}

func newUserListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List digest recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				users, err := st.ListUsers(cmd.Context())
				if err != nil {
					return err
				}
				if len(users) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No users registered")
					return nil
				}
				rows := make([][]string, 0, len(users))
				for _, user := range users {
					rows = append(rows, []string{
						user.ID, user.Email, user.Name,
						string(user.Frequency), strings.Join(user.Interests, ", "),
					})
				}
				table := renderTable(
					[]string{"ID", "Email", "Name", "Frequency", "Interests"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newUserSubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <user> <podcast-id>",
		Short: "Subscribe a user to a podcast",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				user, err := resolveUser(cmd.Context(), st, args[0])
				if err != nil {
					return err
				}
				podcast, err := st.GetPodcast(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				if err := st.Subscribe(cmd.Context(), user.ID, podcast.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s to %s\n", user.Email, podcast.Title)
				return nil
			})
		},
	}
}
