package main

import (
	"fmt"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/auth"
	"github.com/franciszver/lexforge-sub002/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User identifier (required)")
	cmd.Flags().StringVar(&identity.Email, "email", "", "User email")
	cmd.Flags().StringVar(&identity.DisplayName, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
