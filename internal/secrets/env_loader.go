package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader reads each key from the environment. When KEY is unset but
// KEY_FILE names a file, the trimmed file content is used instead, so the
// webhook secret and MCP key can come from mounted secret files. A SIGHUP
// reload re-reads both. Keys with neither source are left out.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				out[k] = v
				continue
			}
			path := os.Getenv(k + "_FILE")
			if path == "" {
				continue
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s_FILE: %w", k, err)
			}
			if v := strings.TrimSpace(string(raw)); v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}
