package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/xmihome"
)

// loadClient builds the client from --config and --log-level. The
// --log-level flag overrides the config file's level; without either the
// CLI stays essentially silent (panic level) so command output is clean.
func loadClient(cmd *cobra.Command) (*xmihome.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	return xmihome.NewClient(cfg, logger)
}

func loadConfig(cmd *cobra.Command) (*xmihome.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return xmihome.DefaultConfig(), nil
	}
	return xmihome.LoadConfig(path)
}

// configureLogger creates a logger from the --log-level flag. The flag
// takes precedence over the config file's log_level; with neither set the
// logger defaults to panic level so normal command output stays clean.
func configureLogger(cmd *cobra.Command, cfg *xmihome.Config) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Changed {
		// A config file was given explicitly - honor its log_level.
		logger, err := cfg.NewLogger()
		if err != nil {
			return nil, err
		}
		return logger, nil
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
