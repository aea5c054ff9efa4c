package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/lastmile/config"
	"github.com/kilianp07/lastmile/infra/ws"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Sign a WebSocket auth token with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("role", ws.RoleDriver, "driver or customer")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secret := cfg.Transport.WS.JWTSecret
	if secret == "" {
		return errors.New("transport.ws.jwt_secret is not configured")
	}
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	tok, err := ws.IssueToken(secret, args[0], role, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
