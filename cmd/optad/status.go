package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and negotiate the protocol contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			resp, checkErr := c.Check(cmd.Context())
			if resp.DaemonID != "" || resp.Status != "" {
				body, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
			}
			if checkErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "status: %v\n", checkErr)
				return exitCodeError{code: 1}
			}
			return nil
		},
	}
}
