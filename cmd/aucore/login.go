package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/auth"
	"github.com/actionunit/aumanager/backend/internal/models"
)

var (
	loginRole     string
	loginEmail    string
	loginPassword string
	loginPhone    string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and keep the session for later commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		cred := auth.Credentials{
			Role:     models.Role(loginRole),
			Email:    loginEmail,
			Password: loginPassword,
			Phone:    loginPhone,
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if _, err := a.Login(ctx, cred); err != nil {
				return err
			}
			u := a.Auth.CurrentUser()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), u)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", u.Name, u.Role)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginRole, "role", string(models.RoleSuperintendent), "superintendent, teacher or member")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "member phone number")

	rootCmd.AddCommand(loginCmd, logoutCmd)
}
