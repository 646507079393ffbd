package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote directory",
		Long: `List a remote directory.

Entries are ordered directories first, then links to directories, other
links and files, each group by name. Without a path the remote working
directory is listed.`,
		Example: `  # List the home directory
  froyo-scp ls -H web1 -u deploy

  # List a root-owned directory through sudo
  froyo-scp ls -H web1 -u deploy --sudo /etc/nginx

  # Machine readable output
  froyo-scp ls -H web1 --json /var/log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}

			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				entries, err := session.ListDirectory(ctx, dir)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				return writeEntries(cmd.OutOrStdout(), entries, time.Now())
			})
		},
	}

	return cmd
}

func newPwdCommand() *cobra.Command {
	var (
		cd   string
		info bool
	)

	cmd := &cobra.Command{
		Use:   "pwd",
		Short: "Print the remote working directory",
		Long: `Print the remote working directory.

With --cd the given directory is checked and printed as an absolute path,
relative paths resolving against the working directory. With --info the
connection details follow: endpoint, transport and server version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				var dir string
				var err error
				if cd != "" {
					dir, err = session.ChangeDirectory(ctx, cd)
				} else {
					dir, err = session.WorkingDirectory(ctx)
				}
				if err != nil {
					return err
				}

				if jsonOutput {
					out := map[string]any{"path": dir}
					if info {
						out["connection"] = session.Info()
					}
					return writeJSON(cmd.OutOrStdout(), out)
				}
				fmt.Fprintln(cmd.OutOrStdout(), dir)
				if info {
					return writeConnectionInfo(cmd.OutOrStdout(), session.Info())
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&cd, "cd", "", "resolve and check this directory instead")
	cmd.Flags().BoolVar(&info, "info", false, "also print connection details")

	return cmd
}
