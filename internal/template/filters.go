package template

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// filterFunc applies one pipeline filter to a value, given its literal
// string arguments (already stripped of surrounding quotes).
type filterFunc func(value string, args []string, ctx Context) (string, error)

// sprigFuncs is resolved once; the case-changing filters below (upper,
// lower, capitalize) delegate to it instead of reimplementing them.
var sprigFuncs = sprig.TxtFuncMap()

func callSprig(name string, args ...interface{}) (string, error) {
	fn, ok := sprigFuncs[name]
	if !ok {
		return "", fmt.Errorf("unknown sprig function %q", name)
	}
	switch f := fn.(type) {
	case func(string) string:
		s, _ := args[0].(string)
		return f(s), nil
	default:
		return "", fmt.Errorf("unsupported sprig function signature for %q", name)
	}
}

var builtinFilters = map[string]filterFunc{
	"upper": func(v string, args []string, _ Context) (string, error) {
		return callSprig("upper", v)
	},
	"lower": func(v string, args []string, _ Context) (string, error) {
		return callSprig("lower", v)
	},
	"capitalize": func(v string, args []string, _ Context) (string, error) {
		return callSprig("title", v)
	},
	"truncate": func(v string, args []string, _ Context) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("truncate requires a length argument")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("truncate: invalid length %q: %w", args[0], err)
		}
		if n < 0 || n >= len(v) {
			return v, nil
		}
		return v[:n], nil
	},
	"replace": func(v string, args []string, _ Context) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("replace requires two arguments")
		}
		return strings.ReplaceAll(v, args[0], args[1]), nil
	},
	"basename": func(v string, args []string, _ Context) (string, error) {
		base := filepath.Base(v)
		if len(args) > 0 {
			base = strings.TrimSuffix(base, args[0])
		}
		return base, nil
	},
	"dirname": func(v string, args []string, _ Context) (string, error) {
		return filepath.Dir(v), nil
	},
	"extname": func(v string, args []string, _ Context) (string, error) {
		return filepath.Ext(v), nil
	},
	"join": func(v string, args []string, _ Context) (string, error) {
		parts := append([]string{v}, args...)
		return strings.Join(parts, ""), nil
	},
	"date": func(v string, args []string, ctx Context) (string, error) {
		layout := time.RFC3339
		if len(args) > 0 {
			layout = args[0]
		}
		t, err := parseAsTime(v, ctx)
		if err != nil {
			return "", err
		}
		return t.Format(layout), nil
	},
	"timestamp": func(v string, args []string, ctx Context) (string, error) {
		t, err := parseAsTime(v, ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(t.Unix(), 10), nil
	},
	"default": func(v string, args []string, _ Context) (string, error) {
		if v != "" {
			return v, nil
		}
		if len(args) > 0 {
			return args[0], nil
		}
		return "", nil
	},
	"env": func(v string, args []string, ctx Context) (string, error) {
		name := v
		if len(args) > 0 {
			name = args[0]
		}
		if val, ok := ctx.Environment[name]; ok {
			return val, nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return "", nil
	},
	"hash": func(v string, args []string, _ Context) (string, error) {
		sum := sha256.Sum256([]byte(v))
		return hex.EncodeToString(sum[:]), nil
	},
}

func parseAsTime(v string, ctx Context) (time.Time, error) {
	if v == "" {
		return ctx.Session.Timestamp, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("date: %q is not an RFC3339 timestamp", v)
}
