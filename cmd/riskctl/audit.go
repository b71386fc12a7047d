package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"lv-margin/internal/audit"

	"github.com/spf13/cobra"
)

func newAuditCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Risk event journal",
	}
	var (
		account string
		limit   int
		asJSON  bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List journal records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := audit.Open(cmd.Context(), rc.cfg.AuditDriver, rc.cfg.AuditDSN)
			if err != nil {
				return err
			}
			defer j.Close()
			records, err := j.List(cmd.Context(), account, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tKIND\tACCOUNT\tREFERENCE")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.Kind, r.AccountID, r.ReferenceID)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&account, "account", "", "only this account")
	list.Flags().IntVar(&limit, "limit", 100, "maximum records")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON including payloads")
	cmd.AddCommand(list)
	return cmd
}
