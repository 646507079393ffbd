package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

// connectionFlags select the remote host and how to authenticate to it.
type connectionFlags struct {
	host              string
	port              int
	user              string
	identity          string
	passphrase        string
	passwordStdin     bool
	sudo              bool
	sudoPasswordStdin bool
}

func (f *connectionFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.host, "host", "H", "", "remote host")
	flags.IntVarP(&f.port, "port", "P", 0, "SSH port (default from settings, 22)")
	flags.StringVarP(&f.user, "user", "u", "", "SSH user (default: $USER)")
	flags.StringVarP(&f.identity, "identity", "i", "", "private key file")
	flags.StringVar(&f.passphrase, "passphrase", "", "passphrase of the private key")
	flags.BoolVar(&f.passwordStdin, "password-stdin", false, "read the SSH password from the first line of stdin")
	flags.BoolVar(&f.sudo, "sudo", false, "run file operations through sudo")
	flags.BoolVar(&f.sudoPasswordStdin, "sudo-password-stdin", false, "read the sudo password from the next line of stdin")
}

func (f *connectionFlags) validate() error {
	if f.host == "" {
		return errors.New("--host is required")
	}
	if f.sudoPasswordStdin && !f.sudo {
		return errors.New("--sudo-password-stdin requires --sudo")
	}
	return nil
}

func (f *connectionFlags) userOrDefault() string {
	if f.user != "" {
		return f.user
	}
	return os.Getenv("USER")
}

// promptFunc asks for a secret without echoing it. It is nil when there is
// no terminal to ask on.
type promptFunc func(label string) (string, error)

// terminalPrompt returns a prompt on the controlling terminal, or nil when
// stdin is not one.
func terminalPrompt() promptFunc {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func(label string) (string, error) {
		fmt.Fprint(os.Stderr, label)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(secret), nil
	}
}

// applyCredentials fills the authentication and escalation fields of cfg.
// Secrets read from stdin come one per line: the SSH password first, then
// the sudo password.
func (f *connectionFlags) applyCredentials(cfg *ssh.Config, stdin io.Reader, prompt promptFunc) error {
	in := bufio.NewReader(stdin)

	cfg.PrivateKeyPath = f.identity
	cfg.Passphrase = f.passphrase

	switch {
	case f.passwordStdin:
		password, err := readSecretLine(in)
		if err != nil {
			return fmt.Errorf("failed to read password from stdin: %w", err)
		}
		cfg.Password = password
	case f.identity == "":
		if prompt == nil {
			return errors.New("no credentials: use --identity, --password-stdin or run on a terminal")
		}
		password, err := prompt(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host))
		if err != nil {
			return err
		}
		cfg.Password = password
	}

	if !f.sudo {
		return nil
	}
	cfg.Escalate = true

	switch {
	case f.sudoPasswordStdin:
		secret, err := readSecretLine(in)
		if err != nil {
			return fmt.Errorf("failed to read sudo password from stdin: %w", err)
		}
		cfg.EscalationSecret = secret
	case cfg.Password == "" && prompt != nil:
		// Empty means NOPASSWD sudo
		secret, err := prompt("sudo password (empty for NOPASSWD): ")
		if err != nil {
			return err
		}
		cfg.EscalationSecret = secret
	}
	return nil
}

// readSecretLine reads one line without its line ending. A final line with
// no newline is accepted.
func readSecretLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
