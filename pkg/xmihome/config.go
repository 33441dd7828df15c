package xmihome

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/xmihome/pkg/device"
)

// Config holds client configuration. Zero values are filled from the
// `default` tags; LoadConfig additionally reads a YAML file over them.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// DefaultTransport is tried first when a device's Connect gets no
	// explicit transport: "local", "bluetooth", "cloud" or empty.
	DefaultTransport string `yaml:"default_transport"`

	// Adapter is the Bluetooth adapter name.
	Adapter string `yaml:"adapter" default:"hci0"`

	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"30s"`
	ResolveTimeout   time.Duration `yaml:"resolve_timeout" default:"10s"`
	PollInterval     time.Duration `yaml:"poll_interval" default:"30s"`
	EventBuffer      int           `yaml:"event_buffer" default:"256"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// BindKeys maps device MACs to hex-encoded 16-byte advertisement
	// decryption keys.
	BindKeys map[string]string `yaml:"bind_keys"`

	// Devices pre-registers identities so the CLI and integrations can
	// address devices by name.
	Devices []DeviceConfig `yaml:"devices"`
}

// ReconnectConfig mirrors device.ReconnectConfig for YAML loading.
type ReconnectConfig struct {
	ShortAttempts int           `yaml:"short_attempts" default:"5"`
	InitialDelay  time.Duration `yaml:"initial_delay" default:"1s"`
	Factor        float64       `yaml:"factor" default:"2"`
	MaxDelay      time.Duration `yaml:"max_delay" default:"30s"`
	LongAttempts  int           `yaml:"long_attempts" default:"30"`
}

// DeviceConfig is one pre-registered device identity.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	MAC     string `yaml:"mac"`
	Model   string `yaml:"model"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// Identity converts a pre-registered device entry.
func (dc DeviceConfig) Identity() device.Identity {
	return device.Identity{
		ID:      dc.ID,
		Address: dc.Address,
		Token:   dc.Token,
		MAC:     dc.MAC,
		Model:   dc.Model,
		Name:    dc.Name,
	}
}

func (c *Config) deviceOptions() (device.Options, error) {
	kind, err := device.ParseKind(c.DefaultTransport)
	if err != nil {
		return device.Options{}, err
	}
	return device.Options{
		DefaultTransport: kind,
		PollInterval:     c.PollInterval,
		EventBuffer:      c.EventBuffer,
		Reconnect: device.ReconnectConfig{
			ShortAttempts: c.Reconnect.ShortAttempts,
			InitialDelay:  c.Reconnect.InitialDelay,
			Factor:        c.Reconnect.Factor,
			MaxDelay:      c.Reconnect.MaxDelay,
			LongAttempts:  c.Reconnect.LongAttempts,
		},
	}, nil
}
