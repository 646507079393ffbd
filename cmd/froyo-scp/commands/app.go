package commands

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-scp/pkg/config"
	"github.com/openfroyo/froyo-scp/pkg/telemetry"
	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

// app carries what every command needs: settings and the telemetry stack.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
}

func newApp(ctx context.Context) (*app, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		settings.Metrics.Enabled = true
		settings.Metrics.ListenAddress = metricsAddr
	}

	tcfg := settings.Telemetry(appVersion)
	if verbose {
		tcfg.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, err
	}
	if err := tel.Start(ctx); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	return &app{settings: settings, tel: tel}, nil
}

// logger returns the zerolog logger handed to the library packages.
func (a *app) logger() zerolog.Logger {
	return a.tel.Logger.Zerolog()
}

// close flushes traces and queued events.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.tel.Shutdown(ctx); err != nil {
		log.Debug().Err(err).Msg("telemetry shutdown")
	}
}

// connect opens a ready session for the connection flags.
func (a *app) connect(ctx context.Context, stdin io.Reader) (*ssh.Session, error) {
	if err := conn.validate(); err != nil {
		return nil, err
	}

	cfg := a.settings.SSHConfig(conn.host, conn.port, conn.userOrDefault())
	if err := conn.applyCredentials(cfg, stdin, terminalPrompt()); err != nil {
		return nil, err
	}

	session, err := ssh.NewSession(cfg,
		ssh.WithLogger(a.logger()),
		ssh.WithMetrics(a.tel.Metrics),
		ssh.WithTracer(a.tel.Tracer),
	)
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// runRemote runs fn against a connected session and tears everything down
// afterwards. fn's context carries the telemetry stack and the command's
// logger and span.
func runRemote(cmd *cobra.Command, fn func(ctx context.Context, a *app, session *ssh.Session) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ctx := a.tel.WithContext(cmd.Context())
	port := conn.port
	if port == 0 {
		port = a.settings.SSH.Port
	}
	run := telemetry.StartCommand(ctx, cmd.Name(), conn.host, port, conn.userOrDefault())

	err = withSession(run.Ctx, a, cmd.InOrStdin(), fn)
	run.End(err)
	return err
}

func withSession(ctx context.Context, a *app, stdin io.Reader, fn func(ctx context.Context, a *app, session *ssh.Session) error) error {
	session, err := a.connect(ctx, stdin)
	if err != nil {
		return err
	}
	defer session.Disconnect()

	return fn(ctx, a, session)
}
