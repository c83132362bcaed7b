// Package cli provides the command-line interface for alfred.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/alfred/internal/app"
	"github.com/MikeSquared-Agency/alfred/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	verbose bool

	cfg      config.Client
	logger   *slog.Logger
	closeLog func() error
	session  *app.Session
)

var rootCmd = &cobra.Command{
	Use:   "alfred",
	Short: "Chat with Alfred, locally first",
	Long: `Alfred keeps your conversations on this device until you sign in.

Signing in with an email magic link or Google moves everything you wrote
anonymously into your account.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.LoadClient()
		level := config.ParseLevel(cfg.LogLevel)
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)

		var err error
		session, err = app.Open(cfg, logger)
		if err != nil {
			return err
		}

		// A sign-in interrupted by a restart is finished before anything else.
		if cmd.Name() != "retry" {
			if result, err := session.Resume(context.Background()); err != nil {
				logger.Warn("pending migration not resumed", "error", err)
			} else if result != nil && !result.Skipped {
				fmt.Fprintf(os.Stderr, "Finished moving %d conversations into your account.\n", result.MigratedConversations)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if session != nil {
			if err := session.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close local store: %v\n", err)
			}
		}
		if closeLog != nil {
			closeLog()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dismissNudgeCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(googleCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(logoutCmd)
}
