package clientagent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/otpgo/clientagent/cachannel"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration read by [LoadFileConfig].
type FileConfig struct {
	Log LogConfig `yaml:"log"`

	Channels ChannelsConfig `yaml:"channels"`

	MessageDirector MessageDirectorConfig `yaml:"message_director"`

	// Path to the schema YAML file.
	Schema string `yaml:"schema"`

	Hello HelloConfig `yaml:"hello"`

	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	AcceptStreamTimeout time.Duration `yaml:"accept_stream_timeout"`

	Listen ListenConfig `yaml:"listen"`

	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	// debug, info, warn or error.
	Level string `yaml:"level"`

	// text or json.
	Format string `yaml:"format"`
}

// ChannelsConfig is the half-open range of channels given to clients.
type ChannelsConfig struct {
	Min uint64 `yaml:"min"`
	Max uint64 `yaml:"max"`
}

type MessageDirectorConfig struct {
	Address string `yaml:"address"`

	// Snappy-compress frames; the director must agree.
	Compress bool `yaml:"compress"`

	ALPN string `yaml:"alpn"`

	// Skip verifying the director's certificate.
	Insecure bool `yaml:"insecure"`
}

type HelloConfig struct {
	Version string `yaml:"version"`

	// Zero uses the schema's hash.
	DCHash uint32 `yaml:"dc_hash"`
}

// ListenConfig controls where clients connect.
// At least one of QUIC and Websocket must be set.
type ListenConfig struct {
	QUIC      string `yaml:"quic"`
	Websocket string `yaml:"websocket"`

	// Required with QUIC.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	ALPN string `yaml:"alpn"`
}

type MetricsConfig struct {
	// Serve Prometheus metrics on this address; empty disables.
	Address string `yaml:"address"`
}

// Defaults for unset [FileConfig] values.
const (
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultAcceptStreamTimeout = 5 * time.Second

	DefaultClientALPN   = "clientagent"
	DefaultDirectorALPN = "messagedirector"
)

// LoadFileConfig reads, defaults and validates the configuration at path.
// Any failure is reported as a [FileConfigError].
func LoadFileConfig(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, FileConfigError{Path: path, Err: err}
	}

	cfg, err := ParseFileConfig(b)
	if err != nil {
		return FileConfig{}, FileConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// ParseFileConfig decodes a YAML document, applies defaults
// and reports every invalid setting.
func ParseFileConfig(b []byte) (FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.AcceptStreamTimeout == 0 {
		c.AcceptStreamTimeout = DefaultAcceptStreamTimeout
	}
	if c.Listen.ALPN == "" {
		c.Listen.ALPN = DefaultClientALPN
	}
	if c.MessageDirector.ALPN == "" {
		c.MessageDirector.ALPN = DefaultDirectorALPN
	}
}

// Validate reports every problem in c, joined into one error.
func (c FileConfig) Validate() error {
	var errs error

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = errors.Join(errs, fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format))
	}

	if c.Channels.Max <= c.Channels.Min {
		errs = errors.Join(errs, fmt.Errorf(
			"channels range [%d, %d) must not be empty", c.Channels.Min, c.Channels.Max,
		))
	}
	if c.Channels.Min <= uint64(cachannel.ControlChannel) && c.Channels.Max > uint64(cachannel.ControlChannel) {
		errs = errors.Join(errs, fmt.Errorf(
			"channels range must not contain the control channel %d", cachannel.ControlChannel,
		))
	}

	if c.MessageDirector.Address == "" {
		errs = errors.Join(errs, errors.New("message_director.address is required"))
	}
	if c.Schema == "" {
		errs = errors.Join(errs, errors.New("schema is required"))
	}
	if c.Hello.Version == "" {
		errs = errors.Join(errs, errors.New("hello.version is required"))
	}

	if c.HeartbeatTimeout < 0 || c.WriteTimeout < 0 || c.AcceptStreamTimeout < 0 {
		errs = errors.Join(errs, errors.New("timeouts must not be negative"))
	}

	if c.Listen.QUIC == "" && c.Listen.Websocket == "" {
		errs = errors.Join(errs, errors.New("at least one of listen.quic and listen.websocket is required"))
	}
	if c.Listen.QUIC != "" && (c.Listen.CertFile == "" || c.Listen.KeyFile == "") {
		errs = errors.Join(errs, errors.New("listen.cert_file and listen.key_file are required with listen.quic"))
	}

	return errs
}

// SlogLevel converts the configured level name.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger returns a logger writing to stderr in the configured format.
func (c LogConfig) NewLogger() (*slog.Logger, error) {
	lvl, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// ChannelRange returns the configured client channel range.
func (c FileConfig) ChannelRange() (min, max cachannel.Channel) {
	return cachannel.Channel(c.Channels.Min), cachannel.Channel(c.Channels.Max)
}
