package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"thesis/api/internal/auth"
	"thesis/api/internal/config"
	"thesis/api/internal/rbac"
)

var (
	tokenSub  string
	tokenName string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := rbac.Normalize(tokenRole)
		if role == "" {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		token, err := auth.IssueToken([]byte(config.Load().JWTSecret), auth.Claims{
			Sub:  tokenSub,
			Name: tokenName,
			Role: string(role),
			Exp:  time.Now().Add(tokenTTL).Unix(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSub, "sub", "", "user id")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "student", "student, adviser, panel, dean or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
	rootCmd.AddCommand(tokenCmd)
}
