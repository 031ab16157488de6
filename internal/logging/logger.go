package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

var logger hclog.Logger

// SetLogger sets the global logger for the engine.
func SetLogger(l hclog.Logger) {
	logger = l
}

// GetLogger returns the global logger, initializing a default one on first
// use. The level can be raised with the TRACKSYNC_LOG_LEVEL environment
// variable.
func GetLogger() hclog.Logger {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "tracksync",
			Level:  hclog.LevelFromString(levelFromEnv()),
			Output: os.Stderr,
		})
	}
	return logger
}

func levelFromEnv() string {
	if lvl := os.Getenv("TRACKSYNC_LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}
