package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

func newGetCommand() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "get <remote> <local>",
		Short: "Download a file or directory",
		Long: `Download a remote file, or with -r a whole directory tree.

Missing local parent directories are created. Symbolic links inside a
downloaded tree are not followed.`,
		Example: `  # Download one file
  froyo-scp get -H web1 /etc/hosts ./hosts

  # Download a directory through sudo
  froyo-scp get -H web1 --sudo -r /etc/nginx ./nginx`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, local := args[0], args[1]

			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				var err error
				if recursive {
					err = session.DownloadDirectory(ctx, remote, local)
				} else {
					err = session.DownloadFile(ctx, remote, local)
				}
				if err != nil {
					return err
				}

				log.Info().Str("remote", remote).Str("local", local).Msg("Downloaded")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "download a directory tree")

	return cmd
}

func newPutCommand() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a file or directory",
		Long: `Upload a local file, or with -r a whole directory tree.

Through sudo a tree is streamed as one gzip tar archive when the remote
host has tar, and placed entry by entry otherwise. The strategy used is
reported.`,
		Example: `  # Upload one file
  froyo-scp put -H web1 ./app.conf /srv/app/app.conf

  # Upload a directory into a root-owned location
  froyo-scp put -H web1 --sudo -r ./site /var/www/site`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]

			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				if !recursive {
					if err := session.UploadFile(ctx, local, remote); err != nil {
						return err
					}
					log.Info().Str("local", local).Str("remote", remote).Msg("Uploaded")
					return nil
				}

				report, err := session.UploadDirectory(ctx, local, remote)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d directories and %d files (%d bytes) using %s\n",
					report.Directories, report.Files, report.Bytes, report.Strategy)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "upload a directory tree")

	return cmd
}
