package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/extentdb/internal/cli/output"
	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/pkg/config"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// resolveConfigPath returns the --config value or the default location.
func resolveConfigPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetDefaultConfigPath()
}

// loadConfig loads the configuration and initializes the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newPrinter(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format), nil
}
