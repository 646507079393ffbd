// Package editor launches local files in an external editor.
package editor

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultCommand selects the operating system's opener.
const DefaultCommand = "default"

// Editor describes an editor that can be selected as the launch command.
type Editor struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// terminal editors need a TTY, which a detached launch does not have
	terminal bool
}

// CommandString renders e in the "cmd:arg1:arg2" form accepted by
// ParseCommand.
func (e Editor) CommandString() string {
	if len(e.Args) == 0 {
		return e.Command
	}
	return e.Command + ":" + strings.Join(e.Args, ":")
}

var knownEditors = []Editor{
	{Name: "VS Code", Command: "code", Args: []string{"--wait"}},
	{Name: "Sublime Text", Command: "subl"},
	{Name: "Atom", Command: "atom"},
	{Name: "Gedit", Command: "gedit"},
	{Name: "Nano", Command: "nano", terminal: true},
	{Name: "Vim", Command: "vim", terminal: true},
	{Name: "Emacs", Command: "emacs"},
	{Name: "Kate", Command: "kate"},
	{Name: "Notepad++", Command: "notepad++"},
	{Name: "Geany", Command: "geany"},
}

// TerminalEmulator runs terminal editors in a window of their own. It takes
// the program to run after -e.
const TerminalEmulator = "x-terminal-emulator"

// Available lists the OS default followed by the known editors found on
// PATH. Terminal editors such as vim are only listed wrapped in
// TerminalEmulator, e.g. "x-terminal-emulator:-e:vim", and left out when no
// emulator is installed.
func Available() []Editor {
	return available(exec.LookPath)
}

func available(lookPath func(string) (string, error)) []Editor {
	found := func(name string) bool {
		_, err := lookPath(name)
		return err == nil
	}
	hasEmulator := found(TerminalEmulator)

	editors := []Editor{{Name: "OS Default", Command: DefaultCommand}}
	for _, e := range knownEditors {
		if !found(e.Command) {
			continue
		}
		if e.terminal {
			if !hasEmulator {
				continue
			}
			e = Editor{
				Name:    e.Name + " (terminal)",
				Command: TerminalEmulator,
				Args:    append([]string{"-e", e.Command}, e.Args...),
			}
		}
		editors = append(editors, e)
	}
	return editors
}

// ParseCommand splits a launch command of the form "cmd:arg1:arg2". Empty
// arguments are dropped. An empty command or "default" selects the OS
// opener.
func ParseCommand(command string) (name string, args []string, isDefault bool) {
	command = strings.TrimSpace(command)
	if command == "" || command == DefaultCommand {
		return "", nil, true
	}

	parts := strings.Split(command, ":")
	for _, arg := range parts[1:] {
		if arg != "" {
			args = append(args, arg)
		}
	}
	return parts[0], args, false
}

// Launcher starts an editor on a file without waiting for it to exit.
type Launcher struct {
	// Command is "default" or "cmd:arg1:arg2"
	Command string

	logger zerolog.Logger
	goos   string
	start  func(*exec.Cmd) error
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// New returns a launcher for command.
func New(command string, opts ...Option) *Launcher {
	l := &Launcher{
		Command: command,
		logger:  zerolog.Nop(),
		goos:    runtime.GOOS,
		start:   startDetached,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "editor").Logger()
	return l
}

// Launch opens path with the configured command. When a custom command
// cannot be started the OS opener is tried instead.
func (l *Launcher) Launch(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name, args, isDefault := ParseCommand(l.Command)
	if isDefault {
		return l.openDefault(path)
	}

	cmd := exec.Command(name, append(args, path)...)
	err := l.start(cmd)
	if err == nil {
		l.logger.Debug().Str("editor", name).Str("path", path).Msg("editor started")
		return nil
	}

	l.logger.Warn().Err(err).Str("editor", name).Msg("failed to start editor, falling back to OS default")
	if fallbackErr := l.openDefault(path); fallbackErr != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

func (l *Launcher) openDefault(path string) error {
	name, args := OpenerCommand(l.goos, path)
	if err := l.start(exec.Command(name, args...)); err != nil {
		return fmt.Errorf("failed to open %s with %s: %w", path, name, err)
	}
	l.logger.Debug().Str("opener", name).Str("path", path).Msg("file opened with OS default")
	return nil
}

// OpenerCommand returns the command that opens path with the default
// application on goos.
func OpenerCommand(goos, path string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{path}
	case "windows":
		return "cmd", []string{"/c", "start", "", path}
	default:
		return "xdg-open", []string{path}
	}
}

// startDetached starts cmd with no standard streams and reaps it in the
// background.
func startDetached(cmd *exec.Cmd) error {
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
