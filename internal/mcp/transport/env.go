package transport

import (
	"os"
	"regexp"
)

// Environment variable expansion for server specs.
// Supports ${VAR} and ${VAR:-default} syntax.

var (
	simpleVarPattern  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	defaultVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
)

// ExpandEnv expands ${VAR} and ${VAR:-default} references in s.
func ExpandEnv(s string) string {
	result := defaultVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := defaultVarPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		if val, ok := os.LookupEnv(parts[1]); ok {
			return val
		}
		return parts[2]
	})

	return simpleVarPattern.ReplaceAllStringFunc(result, func(match string) string {
		parts := simpleVarPattern.FindStringSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ExpandEnvSlice expands environment references in each element.
func ExpandEnvSlice(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = ExpandEnv(v)
	}
	return out
}

// ExpandEnvMap expands environment references in each value.
func ExpandEnvMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = ExpandEnv(v)
	}
	return out
}

// BuildEnv merges extra variables onto the current process environment in
// KEY=VALUE form.
func BuildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
