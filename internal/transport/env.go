package transport

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"mcpproxy/internal/config"
)

// FilterEnv builds the environment slice for a stdio child process: it
// starts from the parent process environment, applies the backend's
// allow/deny filter, then overlays the backend's own declared env map
// (after ${VAR}/${VAR:-default} substitution against the filtered parent
// environment). Substitution syntax is spec §6.
func FilterEnv(filter config.EnvFilter, declared map[string]string) []string {
	parent := filteredParentEnv(filter)

	lookup := make(map[string]string, len(parent)+len(declared))
	for _, kv := range parent {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			lookup[kv[:idx]] = kv[idx+1:]
		}
	}

	result := make([]string, 0, len(parent)+len(declared))
	result = append(result, parent...)

	for k, v := range declared {
		expanded := substitute(v, lookup)
		lookup[k] = expanded
		result = append(result, fmt.Sprintf("%s=%s", k, expanded))
	}

	return result
}

func filteredParentEnv(filter config.EnvFilter) []string {
	parent := os.Environ()
	if len(filter.Allow) == 0 && len(filter.Deny) == 0 {
		return parent
	}

	allow := toSet(filter.Allow)
	deny := toSet(filter.Deny)

	var filtered []string
	for _, kv := range parent {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		name := kv[:idx]

		if len(allow) > 0 {
			if _, ok := allow[name]; !ok {
				continue
			}
		}
		if _, denied := deny[name]; denied {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// substitutionPattern matches ${VAR} and ${VAR:-default}.
var substitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func substitute(value string, lookup map[string]string) string {
	return substitutionPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := substitutionPattern.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]
		if v, ok := lookup[name]; ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}
