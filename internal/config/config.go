package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appName = "tapnote"

// Sink kinds.
const (
	SinkFile      = "file"
	SinkWebSocket = "websocket"
)

type Config struct {
	LogLevel string        `json:"log_level" mapstructure:"log_level"`
	Capture  CaptureConfig `json:"capture" mapstructure:"capture"`
	Sink     SinkConfig    `json:"sink" mapstructure:"sink"`

	path string
}

type CaptureConfig struct {
	FlushInterval  time.Duration    `json:"flush_interval" mapstructure:"flush_interval"`
	SystemAudio    bool             `json:"system_audio" mapstructure:"system_audio"`
	Microphone     bool             `json:"microphone" mapstructure:"microphone"`
	Process        ProcessSelection `json:"process" mapstructure:"process"`
	InputDeviceUID string           `json:"input_device_uid" mapstructure:"input_device_uid"`
}

// MarshalJSON writes the flush interval in its human-readable form.
func (c CaptureConfig) MarshalJSON() ([]byte, error) {
	type plain CaptureConfig
	return json.Marshal(struct {
		plain
		FlushInterval string `json:"flush_interval"`
	}{plain: plain(c), FlushInterval: c.FlushInterval.String()})
}

// ProcessSelection persists a chosen process source by identity fields
// that survive restarts; OS process ids do not.
type ProcessSelection struct {
	BundleID   string `json:"bundle_id" mapstructure:"bundle_id"`
	BundlePath string `json:"bundle_path" mapstructure:"bundle_path"`
	Name       string `json:"name" mapstructure:"name"`
}

// IsZero reports whether no process was selected.
func (p ProcessSelection) IsZero() bool {
	return p == ProcessSelection{}
}

type SinkConfig struct {
	Kind      string `json:"kind" mapstructure:"kind"`
	Dir       string `json:"dir" mapstructure:"dir"`
	URL       string `json:"url" mapstructure:"url"`
	QueueSize int    `json:"queue_size" mapstructure:"queue_size"`
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	return LoadFrom(configPath())
}

// LoadFrom reads the config at path. Missing files yield defaults;
// TAPNOTE_* environment variables override both.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("capture.flush_interval", 5*time.Second)
	v.SetDefault("capture.system_audio", true)
	v.SetDefault("capture.microphone", true)
	v.SetDefault("capture.process.bundle_id", "")
	v.SetDefault("capture.process.bundle_path", "")
	v.SetDefault("capture.process.name", "")
	v.SetDefault("capture.input_device_uid", "")
	v.SetDefault("sink.kind", SinkFile)
	v.SetDefault("sink.dir", ChunksPath())
	v.SetDefault("sink.url", "")
	v.SetDefault("sink.queue_size", 32)
}

// Validate checks values that would otherwise fail at capture time.
func (c *Config) Validate() error {
	if c.Capture.FlushInterval <= 0 {
		return fmt.Errorf("capture.flush_interval must be positive, got %s", c.Capture.FlushInterval)
	}
	if !c.Capture.SystemAudio && !c.Capture.Microphone {
		return errors.New("at least one of capture.system_audio and capture.microphone must be enabled")
	}
	switch c.Sink.Kind {
	case SinkFile:
		if c.Sink.Dir == "" {
			return errors.New("sink.dir is required for the file sink")
		}
	case SinkWebSocket:
		if c.Sink.URL == "" {
			return errors.New("sink.url is required for the websocket sink")
		}
	default:
		return fmt.Errorf("unknown sink kind %q", c.Sink.Kind)
	}
	if c.Sink.QueueSize <= 0 {
		return fmt.Errorf("sink.queue_size must be positive, got %d", c.Sink.QueueSize)
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, appName, "config.json")
}

// ChunksPath returns the platform-specific directory for the file sink
func ChunksPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, appName, "chunks")
}
