package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Config holds the castremote settings. Durations are stored as Go duration
// strings ("10s", "750ms").
type Config struct {
	ListenAddr        string        `json:"listen_addr" mapstructure:"listen_addr"`
	QueryInterval     time.Duration `json:"query_interval" mapstructure:"query_interval"`
	HealthInterval    time.Duration `json:"health_interval" mapstructure:"health_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	DiscoverTimeout   time.Duration `json:"discover_timeout" mapstructure:"discover_timeout"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Debug             bool          `json:"debug" mapstructure:"debug"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8780",
		QueryInterval:     10 * time.Second,
		HealthInterval:    5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		DiscoverTimeout:   2 * time.Second,
		RequestsPerMinute: 120,
	}
}

// GetAppConfig loads the config from the user config dir, writing the
// defaults there on first run.
func GetAppConfig() (*Config, error) {
	path, err := appPath()
	if err != nil {
		return nil, errors.Wrap(err, "GetAppConfig: failed to access config path")
	}
	return LoadFile(path)
}

// LoadFile reads path. Missing keys keep their default value. A missing file
// is created with the defaults.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "LoadFile: failed to open config")
		}

		conf := Default()
		if err := conf.SaveFile(path); err != nil {
			return nil, errors.Wrap(err, "LoadFile: failed to store default config")
		}
		return conf, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "LoadFile: failed to decode config")
	}

	conf := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           conf,
	})
	if err != nil {
		return nil, errors.Wrap(err, "LoadFile: failed to create decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "LoadFile: failed to decode config")
	}

	return conf, nil
}

// SaveFile writes the config to path, creating its directory.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "SaveFile: failed to create config dir")
	}

	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "SaveFile: failed to marshal json")
	}

	if err := os.WriteFile(path, b, 0600); err != nil {
		return errors.Wrap(err, "SaveFile: failed to save config")
	}
	return nil
}

// MarshalJSON writes durations in their string form so the file stays
// editable by hand.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"listen_addr":         c.ListenAddr,
		"query_interval":      c.QueryInterval.String(),
		"health_interval":     c.HealthInterval.String(),
		"heartbeat_interval":  c.HeartbeatInterval.String(),
		"discover_timeout":    c.DiscoverTimeout.String(),
		"requests_per_minute": c.RequestsPerMinute,
		"debug":               c.Debug,
	})
}

func appPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "appPath: failed to get config dir")
	}

	return filepath.Join(oscfg, "castremote", "settings.json"), nil
}
