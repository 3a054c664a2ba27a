package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "submit --session ID TEXT...",
		Short: "Submit a turn to a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			sub, err := c.SubmitTurn(cmd.Context(), sessionID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "turn %s accepted (%d pending in session)\n", sub.TurnID, sub.Queued)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			list, err := c.Sessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tNEXT SEQ\tSUBSCRIBERS\tACTIVE TURNS\tCREATED")
			for _, s := range list {
				state := "open"
				if s.Closed {
					state = "closed"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
					s.ID, state, s.NextSeq, s.Subscribers, len(s.ActiveTurns),
					s.CreatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel SESSION",
		Short: "Cancel the running and queued turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			n, err := c.CancelTurns(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d turn(s)\n", n)
			return nil
		},
	}
}

func newCloseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close SESSION",
		Short: "Close a session; its stream ends after session.closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			if err := c.CloseSession(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("close: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s closed\n", args[0])
			return nil
		},
	}
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve REQUEST_ID approve|deny",
		Short: "Answer a pending permission request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			res, err := c.ResolvePermission(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			if res.Conflict {
				fmt.Fprintf(cmd.ErrOrStderr(), "request %s was already resolved\n", args[0])
				return exitCodeError{code: 1}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "request %s: %s\n", args[0], args[1])
			return nil
		},
	}
}
