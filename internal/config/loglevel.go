package config

import (
	"github.com/rs/zerolog"
)

// ApplyLogLevel parses and applies a log level string to the global zerolog
// level. Returns true if the level was recognized and applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
