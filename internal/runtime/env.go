package runtime

import (
	"fmt"
	"hyperstart/pkg/protocol"
	"strings"
)

// defaultPath is set for processes whose environment has no PATH.
const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Environ builds a KEY=VALUE environment from decoded entries. Later
// entries override earlier ones with the same name, and PATH is defaulted
// when absent.
func Environ(envs []protocol.EnvEntry) ([]string, error) {
	env := make([]string, 0, len(envs)+1)
	index := make(map[string]int, len(envs))
	hasPath := false

	for _, e := range envs {
		if err := validateEnvName(e.Name); err != nil {
			return nil, fmt.Errorf("env %q: %w", e.Name, err)
		}
		if strings.IndexByte(e.Value, 0) >= 0 {
			return nil, fmt.Errorf("env %q: value contains a null byte", e.Name)
		}

		entry := e.Name + "=" + e.Value
		if i, ok := index[e.Name]; ok {
			env[i] = entry
			continue
		}
		index[e.Name] = len(env)
		env = append(env, entry)
		if e.Name == "PATH" {
			hasPath = true
		}
	}

	if !hasPath {
		env = append(env, defaultPath)
	}
	return env, nil
}

// hostEnv is the environment of a pod-level process.
func hostEnv() []string {
	return []string{defaultPath}
}

func validateEnvName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("name cannot contain = or null bytes")
	}
	return nil
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

// lookupEnv returns the value of key in a KEY=VALUE environment.
func lookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k := envKey(env[i]); k == key && len(env[i]) > len(k) {
			return env[i][len(k)+1:], true
		}
	}
	return "", false
}
