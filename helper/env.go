package helper

import (
	"os"
	"strings"
)

const (
	EnvPrefix = "TURNSTILE_"

	EnvConfigPath = "TURNSTILE_CONFIG"
	EnvNodeName   = "TURNSTILE_NODE_NAME"
	EnvLogLevel   = "TURNSTILE_LOG_LEVEL"
)

// ReadEnv returns the value of a TURNSTILE_ prefixed variable. Names outside
// the prefix are never read.
func ReadEnv(name string) string {
	if strings.HasPrefix(name, EnvPrefix) {
		return strings.TrimSpace(os.Getenv(name))
	}
	return ""
}
