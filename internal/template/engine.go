package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxTemplateLength is the maximum length of a renderable template
	// string (spec §6 "Security").
	MaxTemplateLength = 10000

	// MaxVariableDepth bounds nested property access (e.g.
	// project.git.branch has depth 3) to guard against pathological
	// expressions.
	MaxVariableDepth = 5
)

var sensitiveIdentifier = regexp.MustCompile(`(?i)password|secret|token|key|auth|credential|private`)

var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\{[^}]*\}`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)Function\s*\(`),
}

// exprPattern matches one {...} expression: a dotted path, an optional "?"
// (allow-missing) or "?:default" (default value), followed by zero or more
// "| filter(args)" pipeline stages.
var exprPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)(\?(?::([^|}]*))?)?((?:\s*\|\s*[A-Za-z_][A-Za-z0-9_]*(?:\([^)]*\))?)*)\}`)

var pipelineStage = regexp.MustCompile(`\|\s*([A-Za-z_][A-Za-z0-9_]*)(?:\(([^)]*)\))?`)

// Engine renders template expressions against a Context.
type Engine struct {
	// AllowSensitiveData permits identifiers matching the sensitive-name
	// pattern (password, secret, token, ...) to be rendered. Off by
	// default per spec §6.
	AllowSensitiveData bool
}

// New creates a template engine with default (strict) security settings.
func New() *Engine {
	return &Engine{}
}

// Render expands every {...} expression in tmpl against ctx. It validates
// the security rules of spec §6 before attempting to render anything.
func (e *Engine) Render(tmpl string, ctx Context) (string, error) {
	if len(tmpl) > MaxTemplateLength {
		return "", fmt.Errorf("template exceeds maximum length of %d characters", MaxTemplateLength)
	}
	for _, p := range forbiddenPatterns {
		if p.MatchString(tmpl) {
			return "", fmt.Errorf("template contains a forbidden construct: %q", p.String())
		}
	}

	var renderErr error
	result := exprPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if renderErr != nil {
			return match
		}
		out, err := e.renderExpr(exprPattern.FindStringSubmatch(match), ctx)
		if err != nil {
			renderErr = err
			return match
		}
		return out
	})
	if renderErr != nil {
		return "", renderErr
	}
	return result, nil
}

func (e *Engine) renderExpr(groups []string, ctx Context) (string, error) {
	path := groups[1]
	allowMissing := groups[2] != ""
	defaultVal := groups[3]
	pipeline := groups[4]

	if !e.AllowSensitiveData && sensitiveIdentifier.MatchString(path) {
		return "", fmt.Errorf("template references sensitive identifier %q without allowSensitiveData", path)
	}

	segments := strings.Split(path, ".")
	if len(segments) > MaxVariableDepth {
		return "", fmt.Errorf("template variable %q exceeds max depth of %d", path, MaxVariableDepth)
	}

	value, found, err := resolve(segments, ctx)
	if err != nil {
		return "", err
	}
	if !found {
		switch {
		case defaultVal != "":
			value = defaultVal
		case allowMissing:
			value = ""
		default:
			return "", fmt.Errorf("template variable %q not found", path)
		}
	}

	for _, stage := range pipelineStage.FindAllStringSubmatch(pipeline, -1) {
		name := stage[1]
		args := splitArgs(stage[2])
		fn, ok := builtinFilters[name]
		if !ok {
			return "", fmt.Errorf("unknown template filter %q", name)
		}
		value, err = fn(value, args, ctx)
		if err != nil {
			return "", fmt.Errorf("filter %q: %w", name, err)
		}
	}

	return value, nil
}

func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if unquoted, err := strconv.Unquote(p); err == nil {
			p = unquoted
		}
		out[i] = p
	}
	return out
}

// resolve walks segments against ctx's namespaces.
func resolve(segments []string, ctx Context) (string, bool, error) {
	if len(segments) == 0 {
		return "", false, fmt.Errorf("empty template path")
	}

	switch segments[0] {
	case "project":
		return resolveProject(segments[1:], ctx.Project)
	case "user":
		return resolveUser(segments[1:], ctx.User)
	case "environment":
		return resolveEnvironment(segments[1:], ctx.Environment)
	case "context":
		return resolveSession(segments[1:], ctx.Session)
	case "transport":
		return resolveTransport(segments[1:], ctx.Transport)
	default:
		return "", false, fmt.Errorf("unknown template namespace %q", segments[0])
	}
}

func resolveProject(path []string, p ProjectInfo) (string, bool, error) {
	if len(path) == 0 {
		return "", false, fmt.Errorf("project namespace requires a sub-path")
	}
	switch path[0] {
	case "path":
		return p.Path, true, nil
	case "name":
		return p.Name, true, nil
	case "env":
		return p.Env, true, nil
	case "git":
		if len(path) < 2 {
			return "", false, fmt.Errorf("project.git requires a sub-path")
		}
		switch path[1] {
		case "branch":
			return p.Git.Branch, true, nil
		case "commit":
			return p.Git.Commit, true, nil
		case "repository":
			return p.Git.Repository, true, nil
		case "isRepo":
			return strconv.FormatBool(p.Git.IsRepo), true, nil
		}
	}
	return "", false, nil
}

func resolveUser(path []string, u UserInfo) (string, bool, error) {
	if len(path) == 0 {
		return "", false, fmt.Errorf("user namespace requires a sub-path")
	}
	switch path[0] {
	case "username":
		return u.Username, true, nil
	case "name":
		return u.Name, true, nil
	case "email":
		return u.Email, true, nil
	case "home":
		return u.Home, true, nil
	case "uid":
		return u.UID, true, nil
	case "gid":
		return u.GID, true, nil
	case "shell":
		return u.Shell, true, nil
	}
	return "", false, nil
}

func resolveEnvironment(path []string, env map[string]string) (string, bool, error) {
	if len(path) != 2 || path[0] != "variables" {
		return "", false, fmt.Errorf("environment namespace requires variables.<NAME>")
	}
	v, ok := env[path[1]]
	return v, ok, nil
}

func resolveSession(path []string, s SessionInfo) (string, bool, error) {
	if len(path) == 0 {
		return "", false, fmt.Errorf("context namespace requires a sub-path")
	}
	switch path[0] {
	case "path":
		return s.Path, true, nil
	case "timestamp":
		return strconv.FormatInt(s.Timestamp.Unix(), 10), true, nil
	case "sessionId":
		return s.SessionID, true, nil
	case "version":
		return s.Version, true, nil
	}
	return "", false, nil
}

func resolveTransport(path []string, t TransportInfo) (string, bool, error) {
	if len(path) == 0 {
		return "", false, fmt.Errorf("transport namespace requires a sub-path")
	}
	switch path[0] {
	case "type":
		return t.Type, true, nil
	case "connectionId":
		return t.ConnectionID, true, nil
	case "connectionTimestamp":
		return strconv.FormatInt(t.ConnectionTimestamp.Unix(), 10), true, nil
	}
	return "", false, nil
}
