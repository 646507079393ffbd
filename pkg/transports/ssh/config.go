package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `validate:"min=1,max=65535"`

	// User is the SSH username
	User string `validate:"required"`

	// Password for password and keyboard-interactive authentication
	Password string

	// PrivateKey is a PEM encoded private key
	PrivateKey []byte

	// PrivateKeyPath is read into PrivateKey by LoadPrivateKey
	PrivateKeyPath string

	// Passphrase decrypts an encrypted PrivateKey
	Passphrase string

	// Escalate routes every file operation through sudo instead of SFTP
	Escalate bool

	// EscalationSecret is written to sudo's stdin. Defaults to Password.
	EscalationSecret string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool

	// ReadyTimeout bounds dialing plus the SSH handshake
	ReadyTimeout time.Duration `validate:"gt=0"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration `validate:"gte=0"`

	// MaxKeepAliveRetries is the number of failed keep-alives before the
	// loop gives up
	MaxKeepAliveRetries int `validate:"gte=0"`
}

var configValidator = validator.New()

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: false,
		ReadyTimeout:          20 * time.Second,
		KeepAliveInterval:     10 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks that the configuration is complete. It does not touch the
// network or the filesystem.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid ssh config: %w", err)
	}

	hasPassword := c.Password != ""
	hasKey := len(c.PrivateKey) > 0
	switch {
	case hasPassword && hasKey:
		return errors.New("invalid ssh config: set either a password or a private key, not both")
	case !hasPassword && !hasKey:
		return errors.New("invalid ssh config: a password or a private key is required")
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return errors.New("invalid ssh config: strict host key checking needs a known_hosts path")
	}

	return nil
}

// LoadPrivateKey reads PrivateKeyPath into PrivateKey when no key bytes are
// set yet.
func (c *Config) LoadPrivateKey() error {
	if c.PrivateKeyPath == "" || len(c.PrivateKey) > 0 {
		return nil
	}
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	c.PrivateKey = keyBytes
	return nil
}

// SecretForEscalation returns the secret sudo will be fed, or "" when sudo
// is expected to run without one.
func (c *Config) SecretForEscalation() string {
	if c.EscalationSecret != "" {
		return c.EscalationSecret
	}
	return c.Password
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if len(c.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive; answer every
		// prompt with the password.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ReadyTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TransportName names the backend this config selects, "sudo" or "sftp".
func (c *Config) TransportName() string {
	if c.Escalate {
		return transportPrivileged
	}
	return transportStructured
}

const (
	transportStructured = "sftp"
	transportPrivileged = "sudo"
)
