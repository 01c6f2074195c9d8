package secrets

import (
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads scoped secrets from environment
// variables carrying the given prefix. The variable name after the prefix
// is the scoped key with '/' spelled as "__" and upper-cased, e.g.
// TOOLGATE_SECRET_WORKSPACE__W1__GITHUB → "workspace/w1/github".
func EnvLoader(prefix string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, kv := range os.Environ() {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || value == "" || !strings.HasPrefix(name, prefix) {
				continue
			}
			key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix), "__", "/"))
			vals[key] = value
		}
		return vals, nil
	}
}
