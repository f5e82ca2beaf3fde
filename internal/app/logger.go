package app

import (
	"strings"

	"github.com/charlesng35/sessionguard/pkg/logger"
)

// ConfigureLogging initialises the global logger with the provided level and
// encoding, defaulting to info/json.
func ConfigureLogging(level, encoding string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		encoding = "json"
	}
	return logger.Init(level, encoding)
}
