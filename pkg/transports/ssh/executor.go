package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-scp/pkg/telemetry"
)

// maxStderr bounds the stderr kept from a privileged command.
const maxStderr = 64 * 1024

// PrivilegedExecutor runs commands through sudo on a fresh SSH session per
// call. The secret is written to sudo's stdin and never appears in the
// command line.
type PrivilegedExecutor struct {
	secret  string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewPrivilegedExecutor creates an executor. An empty secret makes sudo run
// non-interactively, failing instead of prompting.
func NewPrivilegedExecutor(secret string, logger zerolog.Logger, metrics *telemetry.Metrics) *PrivilegedExecutor {
	return &PrivilegedExecutor{
		secret:  secret,
		logger:  logger,
		metrics: metrics,
	}
}

// Prefix returns the sudo invocation prepended to every command.
func (e *PrivilegedExecutor) Prefix() string {
	if e.secret != "" {
		return sudoWithSecretPrefix
	}
	return sudoNoSecretPrefix
}

// CommandLine returns the full line sent to the server for cmd.
func (e *PrivilegedExecutor) CommandLine(cmd Command) string {
	return e.Prefix() + cmd.Line
}

// Run executes cmd through sudo. stdin, if non-nil, is streamed after the
// secret line; stdout, if non-nil, receives the command's output. A
// non-zero exit fails with KindPrivilegedCommand carrying the trimmed stderr.
func (e *PrivilegedExecutor) Run(ctx context.Context, client *ssh.Client, cmd Command, stdin io.Reader, stdout io.Writer) error {
	var in io.Reader = stdin
	if e.secret != "" {
		secretLine := strings.NewReader(e.secret + "\n")
		if stdin != nil {
			in = io.MultiReader(secretLine, stdin)
		} else {
			in = secretLine
		}
	}

	err := e.exec(ctx, client, e.CommandLine(cmd), in, stdout)
	e.metrics.RecordPrivilegedCommand(cmd.Name, err)
	if err != nil {
		return newError(KindPrivilegedCommand, cmd.Name, "", err)
	}
	return nil
}

// Output runs cmd and returns its stdout. On failure the partial output is
// returned along with the error.
func (e *PrivilegedExecutor) Output(ctx context.Context, client *ssh.Client, cmd Command) (string, error) {
	var buf bytes.Buffer
	err := e.Run(ctx, client, cmd, nil, &buf)
	return buf.String(), err
}

// Available reports whether tool is on the remote PATH. The check runs
// without sudo.
func (e *PrivilegedExecutor) Available(ctx context.Context, client *ssh.Client, tool string) bool {
	err := e.exec(ctx, client, WhichCommand(tool).Line, nil, nil)
	if err != nil {
		e.logger.Debug().Err(err).Str("tool", tool).Msg("remote tool not available")
		return false
	}
	return true
}

// NeedsSecret reports whether sudo asks for a password on this host.
func (e *PrivilegedExecutor) NeedsSecret(ctx context.Context, client *ssh.Client) bool {
	return e.exec(ctx, client, sudoProbeLine, nil, nil) != nil
}

// exec runs line on a new session. On context cancellation the remote
// process is sent TERM, then KILL, and the session is closed.
func (e *PrivilegedExecutor) exec(ctx context.Context, client *ssh.Client, line string, stdin io.Reader, stdout io.Writer) error {
	startTime := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	stderr := &boundedBuffer{limit: maxStderr}
	if stdin != nil {
		session.Stdin = stdin
	}
	if stdout != nil {
		session.Stdout = stdout
	}
	session.Stderr = stderr

	if err := session.Start(line); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Wait()
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-doneChan:
		case <-time.After(100 * time.Millisecond):
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
			select {
			case <-doneChan:
			case <-time.After(2 * time.Second):
			}
		}
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	e.logger.Debug().
		Str("command", commandName(line)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return errors.New(msg)
		}
		return fmt.Errorf("command exited with status %d", exitErr.ExitStatus())
	}
	return execErr
}

// commandName returns the program name of line without the sudo prefix, for
// logging.
func commandName(line string) string {
	line = strings.TrimPrefix(line, sudoWithSecretPrefix)
	line = strings.TrimPrefix(line, sudoNoSecretPrefix)
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}

// boundedBuffer keeps the first limit bytes written to it and discards the
// rest.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
