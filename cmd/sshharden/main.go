package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sshharden/sshharden/internal/verify"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitFatal = 2 // configuration left unverified, manual intervention required
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sshharden",
		Short: "sshharden - safe, idempotent SSH daemon hardening",
		Long: `sshharden applies a catalog of security settings to sshd_config.
Every change is preceded by a backup, verified with sshd -t and rolled back
automatically when the daemon would fail to start.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("sshd-config", "f", "/etc/ssh/sshd_config", "sshd configuration file to harden")
	rootCmd.PersistentFlags().StringP("backup-dir", "b", "/etc/ssh/backups", "Backup directory")
	rootCmd.PersistentFlags().Int("backup-retention", 5, "Number of backups to keep")
	rootCmd.PersistentFlags().String("log-file", "/var/log/sshharden.log", "Log file path")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Console log format (text, json, line)")
	rootCmd.PersistentFlags().Bool("require-root", true, "Refuse to modify files unless running as root")

	rootCmd.AddCommand(
		newApplyCmd(),
		newRollbackCmd(),
		newVerifyCmd(),
		newBackupsCmd(),
		newCatalogCmd(),
		newHistoryCmd(),
	)

	return rootCmd
}

// exitCode maps a command error to the process exit status
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	fmt.Fprintln(os.Stderr, "Error:", err)

	var fatal *verify.FatalError
	if errors.As(err, &fatal) {
		fmt.Fprintln(os.Stderr, "The configuration could not be restored. Inspect", fatal.Path, "before restarting sshd.")
		return exitFatal
	}
	return exitError
}
