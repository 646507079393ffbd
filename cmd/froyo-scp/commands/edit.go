package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-scp/pkg/editor"
	"github.com/openfroyo/froyo-scp/pkg/editsync"
	"github.com/openfroyo/froyo-scp/pkg/telemetry"
	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

var (
	_ editsync.Transferer = (*ssh.Session)(nil)
	_ editsync.Launcher   = (*editor.Launcher)(nil)
)

func newEditCommand() *cobra.Command {
	var (
		editorCommand string
		quiet         bool
	)

	cmd := &cobra.Command{
		Use:   "edit <remote>...",
		Short: "Edit remote files in a local editor",
		Long: `Download remote files, open them in a local editor and upload every save.

Saves are uploaded once the file has been quiet for the upload debounce.
A session ends when its file has not changed for the idle timeout, when
the local copy is deleted, or on Ctrl-C. Ending a session uploads the file
one last time and removes the local copy.

The editor is "default" for the system opener, or a command with its
arguments separated by colons, e.g. "code:--wait".`,
		Example: `  # Edit a config file through sudo with VS Code
  froyo-scp edit -H web1 --sudo --editor code:--wait /etc/nginx/nginx.conf

  # Edit two files with the configured editor
  froyo-scp edit -H web1 notes.txt todo.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, func(ctx context.Context, a *app, session *ssh.Session) error {
				if editorCommand == "" {
					editorCommand = a.settings.Edit.Editor
				}
				return runEdit(ctx, cmd, a, session, editorCommand, quiet, args)
			})
		},
	}

	cmd.Flags().StringVar(&editorCommand, "editor", "", `editor command, "default" or "cmd:arg1:arg2" (default from settings)`)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only report failed uploads")

	return cmd
}

func runEdit(ctx context.Context, cmd *cobra.Command, a *app, transfer editsync.Transferer, editorCommand string, quiet bool, paths []string) error {
	logger := telemetry.FromContext(ctx)
	launcher := editor.New(editorCommand, editor.WithLogger(a.logger()))

	controller, err := editsync.NewController(transfer, launcher, a.settings.EditConfig(),
		editsync.WithLogger(a.logger()),
		editsync.WithMetrics(a.tel.Metrics),
		editsync.WithEvents(a.tel.Events),
	)
	if err != nil {
		return err
	}

	a.tel.Events.Subscribe(printEvent(cmd.OutOrStdout()), editEventFilter(quiet))

	for _, p := range paths {
		if _, err := controller.Open(ctx, p); err != nil {
			if closeErr := controller.CloseAll(context.Background()); closeErr != nil {
				logger.WithError(closeErr).Error("Failed to close edit sessions")
			}
			return err
		}
	}

	logger.WithField("files", len(paths)).Info("Editing, press Ctrl-C to stop")

	waitErr := controller.Wait(ctx)

	// The session context may already be cancelled; the final uploads get
	// their own deadline.
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	closeErr := controller.CloseAll(closeCtx)

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return errors.Join(waitErr, closeErr)
	}
	return closeErr
}

// printEvent writes edit events as their message, or as JSON with --json.
func printEvent(out io.Writer) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if jsonOutput {
			_ = writeJSON(out, event)
			return
		}
		fmt.Fprintln(out, event.Message)
	}
}

// editEventFilter selects the edit session events shown to the user. Quiet
// mode keeps warnings and errors only.
func editEventFilter(quiet bool) telemetry.EventFilter {
	byType := telemetry.FilterByType(
		telemetry.EventTypeEditOpened,
		telemetry.EventTypeEditUploaded,
		telemetry.EventTypeEditUploadFailed,
		telemetry.EventTypeEditClosed,
	)
	if !quiet {
		return byType
	}
	byLevel := telemetry.FilterByLevel(telemetry.EventLevelWarning)
	return func(event telemetry.Event) bool {
		return byType(event) && byLevel(event)
	}
}

func newEditorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "editors",
		Short: "List editors found on this machine",
		Long: `List the editors that can be passed to edit --editor.

The system default opener is always available. Terminal editors such as
vim need a window of their own and are listed wrapped in
x-terminal-emulator when it is installed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			editors := editor.Available()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), editors)
			}
			for _, e := range editors {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", e.CommandString(), e.Name)
			}
			return nil
		},
	}
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  commit,
					"built":   buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "froyo-scp %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
