package main

import (
	"lv-margin/internal/liquidation"

	"github.com/spf13/cobra"
)

func newLiquidationCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "liquidation",
		Aliases: []string{"liq"},
		Short:   "Manual liquidation and recovery",
	}
	cmd.AddCommand(
		newLiquidateCmd(rc),
		newResumeCmd(rc),
		newShowCmd(rc),
	)
	return cmd
}

func newLiquidateCmd(rc *rootConfig) *cobra.Command {
	var marginCall string
	cmd := &cobra.Command{
		Use:   "run <account-id>",
		Short: "Liquidate every open position of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Engine.Trigger(cmd.Context(), liquidation.Request{
				AccountID:         args[0],
				MarginCallEventID: marginCall,
				Reason:            liquidation.ReasonManual,
				Manual:            true,
			})
			if err != nil {
				return err
			}
			if !res.Started {
				cmd.PrintErrf("no new liquidation started; returning event %s (%s)\n", res.Event.ID, res.Event.Status)
			}
			return printJSON(cmd.OutOrStdout(), liquidation.Summarize(res.Event))
		},
	}
	cmd.Flags().StringVar(&marginCall, "margin-call", "", "margin call event to link")
	return cmd
}

func newResumeCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <liquidation-id>",
		Short: "Continue an interrupted liquidation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			ev, err := a.Engine.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), liquidation.Summarize(ev))
		},
	}
}

func newShowCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show <liquidation-id>",
		Short: "Print a liquidation event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			ev, err := a.Engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		},
	}
}
