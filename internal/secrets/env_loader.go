package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// SecretPrefix marks environment variables that are always treated as
// secrets, in addition to the keys listed in configuration.
const SecretPrefix = "RUNPLANE_SECRET_"

// EnvLoader reads the named environment variables plus every variable
// carrying SecretPrefix. Empty values are skipped.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		for _, kv := range os.Environ() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || v == "" || !strings.HasPrefix(k, SecretPrefix) {
				continue
			}
			// The key list itself is configuration, not a credential.
			if k == SecretPrefix+"ENV_KEYS" {
				continue
			}
			vals[k] = v
		}
		return vals, nil
	}
}

// FileLoader reads KEY=value pairs from a dotenv-style file. A missing
// file yields no secrets so the file can be provisioned after startup and
// picked up on reload.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		vals, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read secrets file %s: %w", path, err)
		}
		for k, v := range vals {
			if v == "" {
				delete(vals, k)
			}
		}
		return vals, nil
	}
}

// Merge combines loaders. Later loaders win on key collisions and the
// first failing loader aborts the load.
func Merge(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vals)
		}
		return out, nil
	}
}
