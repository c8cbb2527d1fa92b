package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# extentdb configuration file
#
# Every key can be overridden with an EXTENTDB_ environment variable, e.g.
#   EXTENTDB_LOGGING_LEVEL=DEBUG
#   EXTENTDB_CACHE_FLUSH_TIMER=never
#
# serializer.block_size and serializer.extent_size are fixed once the store
# has been initialized.

`

// InitConfig writes a default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration to path.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveEngineConfig records cfg as engine.yaml inside the store directory.
func SaveEngineConfig(cfg *Config) error {
	return SaveConfig(cfg, filepath.Join(cfg.Engine.Dir, EngineConfigFile))
}

// LoadEngineConfig reads the engine.yaml snapshot of a store directory.
func LoadEngineConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, EngineConfigFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no engine configuration in %s: %w", dir, err)
	}
	return Load(path)
}
