package helpers

import (
	"net/url"
	"slices"
	"strings"
)

// MaskValue is the default mask used for sensitive fields
const MaskValue = "***********"

// SensitiveCryptoSettings are wrapper settings never printed in clear.
var SensitiveCryptoSettings = []string{
	"key", "current_key", "previous_key", "secret_key", "access_key",
	"session_token", "client_secret", "token", "private_key", "password",
}

// MaskConfigFields masks sensitive config values based on a list of sensitive field names
func MaskConfigFields(sensitiveFields []string, config map[string]string) map[string]string {
	masked := make(map[string]string, len(config))
	for k, v := range config {
		if slices.Contains(sensitiveFields, strings.ToLower(k)) {
			masked[k] = MaskValue
		} else {
			masked[k] = v
		}
	}
	return masked
}

// RedactURL hides the password of a connection URL. Values that do not
// parse as URLs are masked entirely.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return MaskValue
	}
	return u.Redacted()
}
