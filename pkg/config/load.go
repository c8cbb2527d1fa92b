package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "EXTENTDB"

// Load reads the file at path (YAML or TOML, chosen by extension), applies
// EXTENTDB_* overrides and defaults, and validates the result. An empty path
// means the default location. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return GetDefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", v.ConfigFileUsed(), err)
	}
	return &cfg, nil
}

// MustLoad is Load for CLI commands: a missing file is an error that tells
// the user how to create one.
func MustLoad(path string) (*Config, error) {
	switch {
	case path == "" && !DefaultConfigExists():
		return nil, fmt.Errorf("no configuration file at %s\n\n"+
			"Create one with:\n  extentdb init\n\n"+
			"or pass an explicit file:\n  extentdb <command> --config /path/to/config.yaml",
			GetDefaultConfigPath())
	case path == "":
		path = GetDefaultConfigPath()
	default:
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Create it with:\n  extentdb init --config %s", path, path)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v, reflect.TypeOf(Config{}), "")

	// An omitted true-by-default bool would otherwise decode as false.
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("serializer.read_ahead", true)

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	v.AddConfigPath(configDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v
}

// registerKeys binds every leaf key of t to its environment variable.
// AutomaticEnv alone only sees keys viper already knows, so an override of
// a key the file leaves out would be lost.
func registerKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		// Config sections are structs declared in this package; cache and
		// serializer value types are leaves.
		if f.Type.Kind() == reflect.Struct && f.Type.PkgPath() == t.PkgPath() {
			registerKeys(v, f.Type, name)
			continue
		}
		_ = v.BindEnv(name)
	}
}

// decodeHook turns strings into durations, comma lists into slices, and
// hands everything else with a text form (sizes, the flush timer) to its
// UnmarshalText.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// configDir is $XDG_CONFIG_HOME/extentdb, ~/.config/extentdb, or "." when
// there is no home directory.
func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "extentdb")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "extentdb")
	}
	return "."
}

// GetConfigDir returns the directory searched when no --config is given.
func GetConfigDir() string {
	return configDir()
}

// GetDefaultConfigPath returns the config file used when no --config is
// given.
func GetDefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
