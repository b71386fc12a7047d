package main

import (
	"github.com/spf13/cobra"
)

func newMonitorCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Margin monitor passes",
	}
	var account string
	once := &cobra.Command{
		Use:   "once",
		Short: "Run one monitor pass, or check a single account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if account != "" {
				rep, err := a.Monitor.CheckAccount(cmd.Context(), account)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			}
			reports, err := a.Monitor.RunPass(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reports)
		},
	}
	once.Flags().StringVar(&account, "account", "", "check only this account")
	cmd.AddCommand(once)
	return cmd
}
