package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

func newMoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old> <new>",
		Short: "Rename or move a remote entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				if err := session.RenameRemote(ctx, args[0], args[1]); err != nil {
					return err
				}
				log.Info().Str("from", args[0]).Str("to", args[1]).Msg("Renamed")
				return nil
			})
		},
	}
}

func newRemoveCommand() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a remote file or directory",
		Long: `Delete a remote file or link, or with -r a directory and everything in it.

Links inside a deleted tree are removed, never followed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				var err error
				if recursive {
					err = session.DeleteRemoteDirectory(ctx, args[0])
				} else {
					err = session.DeleteRemoteFile(ctx, args[0])
				}
				if err != nil {
					return err
				}
				log.Info().Str("path", args[0]).Msg("Deleted")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete a directory tree")

	return cmd
}

func newMkdirCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a remote directory and missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				if err := session.MakeDirectory(ctx, args[0]); err != nil {
					return err
				}
				log.Info().Str("path", args[0]).Msg("Created")
				return nil
			})
		},
	}
}
