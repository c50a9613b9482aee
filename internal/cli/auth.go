package cli

import (
	"time"

	"github.com/spf13/cobra"

	"angelone-bridge/internal/auth"
)

// addAuthCommands adds session commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newAuthStatusCmd(app))
	rootCmd.AddCommand(newOTPCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to SmartAPI with the configured TOTP secret",
		Long: `Log in with client code, password and a TOTP code generated from the
configured secret. Failed attempts are retried with a fresh code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			sess, err := app.sessions().Login(ctx)
			if err != nil {
				output.Error("Login failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(sessionView(app.Sessions.State(), sess, app.Clock.Now()))
			}
			output.Success("✓ Logged in as %s", sess.ClientCode)
			output.Printf("  Session valid until %s\n", sess.ExpiresAt.In(istLocation()).Format(time.DateTime))
			return nil
		},
	}
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Terminate the broker session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			sessions := app.sessions()
			if _, ok := sessions.Session(); !ok {
				if _, err := sessions.EnsureValidSession(ctx); err != nil {
					output.Error("Could not open a session to close: %v", err)
					return err
				}
			}
			if err := sessions.Logout(ctx); err != nil {
				output.Warning("Broker logout failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"state": sessions.State().String()})
			}
			output.Success("✓ Logged out")
			return nil
		},
	}
}

func newAuthStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth-status",
		Short: "Show credential and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			check, _ := cmd.Flags().GetBool("check")

			creds := app.Config.AuthCredentials()
			credErr := creds.Validate()
			sessions := app.sessions()
			if check {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if _, err := sessions.EnsureValidSession(ctx); err != nil {
					output.Warning("Session check failed: %v", err)
				}
			}
			sess, _ := sessions.Session()

			if output.IsJSON() {
				view := sessionView(sessions.State(), sess, app.Clock.Now())
				view["mode"] = app.Config.Trading.Mode
				view["credentials_complete"] = credErr == nil
				return output.JSON(view)
			}

			output.Bold("Authentication")
			output.Printf("  Mode:        %s\n", app.Config.Trading.Mode)
			output.Printf("  Credentials: %s\n", creds)
			if credErr != nil {
				output.Warning("  %v", credErr)
			}
			output.Printf("  State:       %s\n", sessions.State())
			if sess != nil {
				output.Printf("  Expires:     %s (in %s)\n",
					sess.ExpiresAt.In(istLocation()).Format(time.DateTime),
					sess.ExpiresAt.Sub(app.Clock.Now()).Round(time.Minute))
			}
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "log in or refresh to verify the session")
	return cmd
}

func newOTPCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "otp",
		Short: "Print the current TOTP code for the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			code, err := auth.GenerateOneTimeCode(app.Config.Credentials.TOTPSecret, app.Clock)
			if err != nil {
				output.Error("Cannot generate code: %v", err)
				return err
			}
			remaining := auth.OneTimeCodePeriod - app.Clock.Now().Unix()%auth.OneTimeCodePeriod
			if output.IsJSON() {
				return output.JSON(map[string]any{"code": code, "valid_for_seconds": remaining})
			}
			output.Printf("%s %s\n", output.Green(code), output.DimText("(valid "+time.Duration(remaining*int64(time.Second)).String()+")"))
			return nil
		},
	}
}

func sessionView(state auth.State, sess *auth.Session, now time.Time) map[string]any {
	view := map[string]any{"state": state.String()}
	if sess != nil {
		view["client_code"] = sess.ClientCode
		view["issued_at"] = sess.IssuedAt
		view["expires_at"] = sess.ExpiresAt
		view["expires_in_seconds"] = int64(sess.ExpiresAt.Sub(now).Seconds())
	}
	return view
}
