package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"lv-margin/internal/app"
	"lv-margin/internal/config"

	"github.com/spf13/cobra"
)

type rootConfig struct {
	envFile string
	verbose bool
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "Operator tooling for margin monitoring and liquidation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if rc.envFile != "" {
				if err := config.LoadDotEnv(rc.envFile); err != nil {
					return err
				}
			} else if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if rc.verbose {
				cfg.LogLevel = "debug"
			}
			rc.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&rc.envFile, "env", "", "path to a .env file")
	cmd.PersistentFlags().BoolVarP(&rc.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newMonitorCmd(rc),
		newLiquidationCmd(rc),
		newAuditCmd(rc),
		newTokenCmd(rc),
	)
	return cmd
}

// open builds the services. Logs go to stderr so stdout stays machine readable.
func (rc *rootConfig) open(ctx context.Context) (*app.App, error) {
	return app.Build(ctx, rc.cfg, app.NewLogger(rc.cfg, os.Stderr))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
