package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
	conn        connectionFlags

	// appVersion is reported to telemetry
	appVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	appVersion = version

	rootCmd := &cobra.Command{
		Use:   "froyo-scp",
		Short: "froyo-scp - remote file management over SSH",
		Long: `froyo-scp browses and transfers files on a remote host over SSH.

Files are reached through SFTP, or with --sudo through commands run under
sudo so that files the login user cannot read or write are reachable too.

Features:
  - Directory listings with symlink resolution
  - File and recursive directory transfer
  - Rename, delete and mkdir
  - Live editing: remote files open in a local editor and saves are
    uploaded automatically`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "settings file path (default: user config dir)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	conn.register(flags)

	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newPwdCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newPutCommand())
	rootCmd.AddCommand(newMoveCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newMkdirCommand())
	rootCmd.AddCommand(newEditCommand())
	rootCmd.AddCommand(newEditorsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
