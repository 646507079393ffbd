package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-scp/pkg/editor"
	"github.com/openfroyo/froyo-scp/pkg/editsync"
	"github.com/openfroyo/froyo-scp/pkg/telemetry"
	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

// EnvPrefix prefixes every environment override, e.g.
// FROYO_SCP_LOGGING_LEVEL or FROYO_SCP_EDIT_IDLE_TIMEOUT.
const EnvPrefix = "FROYO_SCP"

// Settings is the client configuration read from the settings file and the
// environment. Connection targets and credentials are not part of it.
type Settings struct {
	Logging LoggingSettings `yaml:"logging"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`
	SSH     SSHSettings     `yaml:"ssh"`
	Edit    EditSettings    `yaml:"edit"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// Output is stderr, stdout or a file path
	Output string `yaml:"output"`
}

// MetricsSettings configures prometheus collection.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddress serves /metrics when set
	ListenAddress string `yaml:"listen_address" envconfig:"LISTEN_ADDRESS"`
	Path          string `yaml:"path" validate:"required_with=ListenAddress"`
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" envconfig:"SAMPLING_RATE" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// SSHSettings holds the connection defaults that apply to every host.
type SSHSettings struct {
	Port                  int           `yaml:"port" validate:"min=1,max=65535"`
	ReadyTimeout          time.Duration `yaml:"ready_timeout" envconfig:"READY_TIMEOUT" validate:"gt=0"`
	KeepAliveInterval     time.Duration `yaml:"keepalive_interval" envconfig:"KEEPALIVE_INTERVAL" validate:"gte=0"`
	MaxKeepAliveRetries   int           `yaml:"keepalive_retries" envconfig:"KEEPALIVE_RETRIES" validate:"gte=0"`
	KnownHostsPath        string        `yaml:"known_hosts" envconfig:"KNOWN_HOSTS"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking" envconfig:"STRICT_HOST_KEY_CHECKING"`
}

// EditSettings configures live editing.
type EditSettings struct {
	// Editor is "default" or "cmd:arg1:arg2"
	Editor         string        `yaml:"editor"`
	TempDir        string        `yaml:"temp_dir" envconfig:"TEMP_DIR"`
	PollInterval   time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" validate:"gt=0"`
	UploadDebounce time.Duration `yaml:"upload_debounce" envconfig:"UPLOAD_DEBOUNCE" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gt=0"`
}

var settingsValidator = validator.New()

// Default returns the settings used when neither a file nor the environment
// say otherwise.
func Default() *Settings {
	tcfg := telemetry.DefaultConfig()
	scfg := ssh.DefaultConfig("", "")
	ecfg := editsync.DefaultConfig()

	return &Settings{
		Logging: LoggingSettings{
			Level:  tcfg.Logging.Level,
			Format: tcfg.Logging.Format,
			Output: tcfg.Logging.Output,
		},
		Metrics: MetricsSettings{
			Enabled: tcfg.Metrics.Enabled,
			Path:    tcfg.Metrics.Path,
		},
		Tracing: TracingSettings{
			Enabled:      tcfg.Tracing.Enabled,
			Exporter:     tcfg.Tracing.Exporter,
			SamplingRate: tcfg.Tracing.SamplingRate,
			Insecure:     tcfg.Tracing.Insecure,
		},
		SSH: SSHSettings{
			Port:                  scfg.Port,
			ReadyTimeout:          scfg.ReadyTimeout,
			KeepAliveInterval:     scfg.KeepAliveInterval,
			MaxKeepAliveRetries:   scfg.MaxKeepAliveRetries,
			KnownHostsPath:        scfg.KnownHostsPath,
			StrictHostKeyChecking: scfg.StrictHostKeyChecking,
		},
		Edit: EditSettings{
			Editor:         editor.DefaultCommand,
			TempDir:        ecfg.TempDir,
			PollInterval:   ecfg.PollInterval,
			UploadDebounce: ecfg.UploadDebounce,
			IdleTimeout:    ecfg.IdleTimeout,
		},
	}
}

// DefaultPath returns the settings file location under the user config
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(dir, "froyo-scp", "config.yaml"), nil
}

// Load builds settings from the defaults, the YAML file at path and
// FROYO_SCP_* environment variables, in that order. An empty path means
// DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (*Settings, error) {
	s := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := s.readFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, s); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return nil
}

// Validate checks every field.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Tracing.Enabled && s.Tracing.Exporter == "otlp" && s.Tracing.Endpoint == "" {
		return errors.New("invalid settings: the otlp exporter requires tracing.endpoint")
	}
	if s.SSH.StrictHostKeyChecking && s.SSH.KnownHostsPath == "" {
		return errors.New("invalid settings: strict host key checking needs ssh.known_hosts")
	}
	return nil
}

// Telemetry returns the telemetry configuration for version.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}

	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	cfg.Metrics.Path = s.Metrics.Path

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure

	return cfg
}

// EditConfig returns the edit controller configuration.
func (s *Settings) EditConfig() editsync.Config {
	return editsync.Config{
		TempDir:        s.Edit.TempDir,
		PollInterval:   s.Edit.PollInterval,
		UploadDebounce: s.Edit.UploadDebounce,
		IdleTimeout:    s.Edit.IdleTimeout,
	}
}

// SSHConfig returns a connection config for user@host carrying the ssh
// defaults. Port 0 keeps the configured default port.
func (s *Settings) SSHConfig(host string, port int, user string) *ssh.Config {
	cfg := ssh.DefaultConfig(host, user)
	cfg.Port = s.SSH.Port
	if port != 0 {
		cfg.Port = port
	}
	cfg.ReadyTimeout = s.SSH.ReadyTimeout
	cfg.KeepAliveInterval = s.SSH.KeepAliveInterval
	cfg.MaxKeepAliveRetries = s.SSH.MaxKeepAliveRetries
	cfg.KnownHostsPath = s.SSH.KnownHostsPath
	cfg.StrictHostKeyChecking = s.SSH.StrictHostKeyChecking
	return cfg
}
