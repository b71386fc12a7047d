package main

import (
	"fmt"

	"lv-margin/internal/auth"

	"github.com/spf13/cobra"
)

func newTokenCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := auth.NewService(rc.cfg.JWTIssuer, []byte(rc.cfg.JWTSecret), rc.cfg.JWTTTL)
			tok, err := svc.IssueToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
}
