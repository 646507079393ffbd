package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-scp/pkg/telemetry"
)

// Session is one authenticated connection to a remote host together with
// its SFTP sub-session. A Session is connected at most once; after a failed
// Connect or a Disconnect a new Session has to be created.
type Session struct {
	cfg Config

	stateMu       sync.RWMutex
	state         State
	used          bool
	client        *ssh.Client
	sftp          *sftp.Client
	stopKeepAlive chan struct{}
	connectedAt   time.Time
	lastActivity  atomic.Int64

	backend backend

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The session logs under the "ssh" component.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics records connect, transfer and listing metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithTracer starts a span for every remote operation.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Session) {
		s.tracer = t
	}
}

// NewSession validates cfg and prepares a session for it. The config is
// copied; later changes to cfg have no effect. No network I/O happens until
// Connect.
func NewSession(cfg *Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("invalid ssh config: nil")
	}

	s := &Session{
		cfg:    *cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().
		Str("component", "ssh").
		Str("host", s.cfg.Host).
		Str("transport", s.cfg.TransportName()).
		Logger()

	if err := s.cfg.LoadPrivateKey(); err != nil {
		return nil, err
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	if s.cfg.Escalate {
		exec := NewPrivilegedExecutor(s.cfg.SecretForEscalation(), s.logger, s.metrics)
		s.backend = newPrivilegedBackend(s, exec, s.logger)
	} else {
		s.backend = newStructuredBackend(s, s.logger)
	}

	return s, nil
}

// Connect dials the host, authenticates and opens the SFTP sub-session.
// Calling Connect on a ready session is a no-op.
func (s *Session) Connect(ctx context.Context) (err error) {
	s.stateMu.Lock()
	switch {
	case s.state == StateReady:
		s.stateMu.Unlock()
		return nil
	case s.state == StateConnecting:
		s.stateMu.Unlock()
		return newError(KindConnect, "connect", "", errors.New("connect already in progress"))
	case s.used:
		s.stateMu.Unlock()
		return newError(KindConnect, "connect", "", errors.New("session cannot be reused after "+s.state.String()))
	}
	s.state = StateConnecting
	s.used = true
	s.stateMu.Unlock()

	ctx, span := s.tracer.StartRemoteSpan(ctx, "connect", s.cfg.Host, "", s.backend.name())
	defer func() {
		telemetry.End(span, err)
		s.metrics.RecordConnect(s.backend.name(), err)
		if err != nil {
			s.metrics.RecordError(string(KindOf(err)))
			s.stateMu.Lock()
			s.state = StateFailed
			s.stateMu.Unlock()
		}
	}()

	clientConfig, err := s.cfg.BuildSSHClientConfig()
	if err != nil {
		return newError(KindConnect, "connect", "", err)
	}

	s.logger.Debug().Str("address", s.cfg.Address()).Msg("establishing SSH connection")

	client, err := s.dial(ctx, clientConfig)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return newError(KindSubsession, "connect", "", fmt.Errorf("failed to start sftp subsystem: %w", err))
	}

	if pb, ok := s.backend.(*privilegedBackend); ok && pb.exec.secret != "" {
		// Hosts with NOPASSWD sudo would read the secret line as payload.
		if !pb.exec.NeedsSecret(ctx, client) {
			s.logger.Debug().Msg("sudo does not ask for a password, dropping secret")
			pb.exec = NewPrivilegedExecutor("", s.logger, s.metrics)
		}
	}

	stop := make(chan struct{})

	s.stateMu.Lock()
	s.client = client
	s.sftp = sftpClient
	s.stopKeepAlive = stop
	s.connectedAt = time.Now()
	s.state = StateReady
	s.stateMu.Unlock()
	s.touch()

	if s.cfg.KeepAliveInterval > 0 {
		go s.keepAlive(client, stop)
	}

	s.logger.Info().
		Str("address", s.cfg.Address()).
		Str("server_version", string(client.ServerVersion())).
		Msg("SSH connection established")
	return nil
}

// dial opens the TCP connection and runs the SSH handshake, both bounded by
// ReadyTimeout.
func (s *Session) dial(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	address := s.cfg.Address()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, newError(KindConnect, "connect", "", err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(dialCtx, func() {
		_ = conn.Close()
	})
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if !stop() {
		if err == nil {
			_ = ncc.Close()
		}
		return nil, newError(KindConnect, "connect", "", fmt.Errorf("handshake aborted: %w", dialCtx.Err()))
	}
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

// classifyHandshake tells rejected credentials apart from other handshake
// failures. x/crypto/ssh only reports the former in its message text.
func classifyHandshake(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newError(KindAuthentication, "connect", "", err)
	}
	return newError(KindConnect, "connect", "", err)
}

// keepAlive sends periodic keep-alive requests until stop is closed or
// MaxKeepAliveRetries requests in a row fail.
func (s *Session) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			retries = 0
			continue
		}

		retries++
		s.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
		if retries >= s.cfg.MaxKeepAliveRetries {
			s.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
			return
		}
	}
}

// Disconnect closes the SFTP sub-session and the transport. It never fails
// and may be called any number of times. Operations in flight fail.
func (s *Session) Disconnect() error {
	s.stateMu.Lock()
	client, sftpClient, stop := s.client, s.sftp, s.stopKeepAlive
	s.client, s.sftp, s.stopKeepAlive = nil, nil, nil
	s.state = StateDisconnected
	s.stateMu.Unlock()

	if stop != nil {
		close(stop)
	}
	if sftpClient != nil {
		if err := sftpClient.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("failed to close sftp client")
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("failed to close SSH connection")
		}
		s.logger.Info().Msg("SSH connection closed")
	}
	return nil
}

// IsReady reports whether the session is authenticated and its SFTP
// sub-session is open.
func (s *Session) IsReady() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state == StateReady && s.sftp != nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Transport returns "sftp" or "sudo".
func (s *Session) Transport() string {
	return s.backend.name()
}

// Info returns information about the current connection.
func (s *Session) Info() ConnectionInfo {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	info := ConnectionInfo{
		Host:        s.cfg.Host,
		Port:        s.cfg.Port,
		User:        s.cfg.User,
		Transport:   s.backend.name(),
		State:       s.state,
		ConnectedAt: s.connectedAt,
	}
	if s.client != nil {
		info.ServerVersion = string(s.client.ServerVersion())
	}
	if last := s.lastActivity.Load(); last > 0 {
		info.LastActivity = time.Unix(0, last)
	}
	return info
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) sshClient() (*ssh.Client, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if s.state != StateReady || s.client == nil {
		return nil, errNotConnected("ssh")
	}
	s.touch()
	return s.client, nil
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if s.state != StateReady || s.sftp == nil {
		return nil, errNotConnected("sftp")
	}
	s.touch()
	return s.sftp, nil
}
