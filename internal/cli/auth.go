package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/alfred/internal/identity"
	"github.com/MikeSquared-Agency/alfred/internal/migration"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

var (
	googleCode  string
	googleState string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sign-in state and local usage",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var dismissNudgeCmd = &cobra.Command{
	Use:   "dismiss-nudge",
	Short: "Hide the sign-in suggestion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return session.DismissNudge()
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Email yourself a sign-in link",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Complete sign-in with the token from a magic link",
	Long: `Complete sign-in with the token from a magic link.

Conversations written on this device before signing in are moved into the
account. If that fails they stay here and can be moved with: alfred retry`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

var googleCmd = &cobra.Command{
	Use:   "google",
	Short: "Sign in with Google",
	Long: `Sign in with Google.

Without flags the consent URL is printed. After approving, pass the code and
state Google redirected with.

Examples:
  alfred google
  alfred google --code 4/0Ab... --state Zm9v...`,
	Args: cobra.NoArgs,
	RunE: runGoogle,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry moving local conversations into your account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := session.RetryMigration(context.Background())
		return reportMigration(result, err)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out of this device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Logout(context.Background()); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	googleCmd.Flags().StringVar(&googleCode, "code", "", "authorization code from the redirect")
	googleCmd.Flags().StringVar(&googleState, "state", "", "state from the redirect")
}

func runStatus(cmd *cobra.Command, args []string) error {
	snap := session.Identity()
	state, err := session.UserState()
	if err != nil {
		return err
	}

	switch {
	case snap.Status == identity.Authenticated:
		fmt.Printf("Signed in as %s\n", snap.User.Email)
	case snap.Pending():
		fmt.Printf("Signed in as %s, local conversations not yet moved (run: alfred retry)\n", snap.User.Email)
	default:
		fmt.Println("Not signed in")
	}
	fmt.Printf("Device:        %s\n", state.DeviceID)
	fmt.Printf("Interactions:  %d\n", snap.InteractionCount)
	fmt.Printf("Server:        %s\n", cfg.APIURL)
	if session.DemoMode() {
		fmt.Println("Replies:       demo (set ANTHROPIC_API_KEY for real answers)")
	}
	if session.ShowNudge() {
		fmt.Println(nudgeText)
	}
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	resp, err := session.RequestMagicLink(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	if resp.Token != "" {
		fmt.Printf("Development token: alfred verify %s\n", resp.Token)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	result, err := session.VerifyMagicLink(context.Background(), args[0])
	return reportMigration(result, err)
}

func runGoogle(cmd *cobra.Command, args []string) error {
	if googleCode == "" {
		fmt.Printf("Open this URL to sign in:\n  %s\n", session.GoogleSignInURL())
		return nil
	}
	result, err := session.CompleteGoogleSignIn(context.Background(), googleCode, googleState)
	return reportMigration(result, err)
}

func reportMigration(result *models.MigrationResult, err error) error {
	var merr *migration.Error
	if errors.As(err, &merr) && merr.Retryable {
		fmt.Println("Signed in, but your local conversations could not be moved yet.")
		fmt.Println("They are safe on this device. Try again with: alfred retry")
		return err
	}
	if err != nil {
		return err
	}

	fmt.Printf("Signed in as %s\n", session.Identity().User.Email)
	if result != nil && !result.Skipped {
		fmt.Printf("Moved %d conversations and %d messages into your account.\n",
			result.MigratedConversations, result.MigratedMessages)
	}
	return nil
}
