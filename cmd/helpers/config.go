package helpers

import (
	"fmt"
	"os"
	"strings"
)

// ResolveFileRefs replaces settings written as "@/path/to/file" with the
// file's contents, trailing newline removed, so that KMS credentials can be
// kept out of the configuration file. The map is modified in place.
func ResolveFileRefs(settings map[string]string) (map[string]string, error) {
	for key, value := range settings {
		filePath, ok := strings.CutPrefix(value, "@")
		if !ok {
			continue
		}
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read file for setting %q: %w", key, err)
		}
		settings[key] = strings.TrimRight(string(data), "\r\n")
	}
	return settings, nil
}
