package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/desklink/pkg/config"
)

// loadConfig reads --config and applies the command-line overrides.
// --log-level takes precedence over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = level
		default:
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
	}
	if id, _ := cmd.Flags().GetString("device"); id != "" {
		cfg.Desk.Identity = id
	}

	return cfg, cfg.NewLogger(), nil
}
