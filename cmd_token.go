package main

import (
	"fmt"
	"time"

	"github.com/gluk-w/webterm/internal/auth"
	"github.com/gluk-w/webterm/internal/config"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a portal token signed with WEBTERM_JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := auth.Issue(config.Cfg.JWTSecret, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "webterm", "Token subject")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
