// Package scope implements the inbound-session boundary of spec §6: it
// resolves the tags/tag-filter/preset query parameters of a connect request
// into a tagfilter.TagFilter, and when the request carries an OAuth2 bearer
// token, validates that the requested tags are a subset of the tags granted
// by the token's "tag:<name>" scopes.
package scope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mcpproxy/internal/config"
	"mcpproxy/internal/tagfilter"

	"golang.org/x/oauth2"
)

// BearerToken is the inbound-request view of an OAuth2 bearer token: just
// enough to extract granted tag scopes and interoperate with
// golang.org/x/oauth2-based clients. Grounded on the teacher's
// pkg/oauth.Token, narrowed to the fields a boundary validator needs (the
// OAuth2 provider that issues and refreshes these tokens stays out of core
// scope per §1).
type BearerToken struct {
	AccessToken string
	Scope       string
}

// Scopes splits Scope on whitespace, mirroring pkg/oauth.Token.Scopes().
func (t BearerToken) Scopes() []string {
	return strings.Fields(t.Scope)
}

// ToOAuth2Token adapts t to an *oauth2.Token, for interoperating with any
// golang.org/x/oauth2-based HTTP client the proxy forwards credentials
// through, mirroring pkg/oauth.Token.ToOAuth2Token().
func (t BearerToken) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{AccessToken: t.AccessToken, TokenType: "Bearer"}
}

// PresetLookup resolves a stored preset by name.
type PresetLookup func(name string) (tagfilter.Preset, bool)

// ConfigPresetLookup adapts a loaded preset map to a PresetLookup.
func ConfigPresetLookup(presets map[string]config.PresetConfig) PresetLookup {
	return func(name string) (tagfilter.Preset, bool) {
		p, ok := presets[name]
		if !ok {
			return tagfilter.Preset{}, false
		}
		return tagfilter.Preset{
			Name:       p.Name,
			Strategy:   tagfilter.Strategy(p.Strategy),
			Tags:       p.Tags,
			Expression: p.Expression,
		}, true
	}
}

// InsufficientScopeError is returned when the bearer token's granted tags do
// not cover every tag the session's filter requested (spec §6 "requested
// tags MUST be a subset of the tags derivable from the granted scopes").
type InsufficientScopeError struct {
	Missing []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("insufficient_scope: missing grant for tag(s) %s", strings.Join(e.Missing, ", "))
}

const tagScopePrefix = "tag:"

// GrantedTags extracts the set of tags granted by a bearer token's
// space-separated scope string, reading only "tag:<name>" entries. Grounded
// on the teacher's Token.Scopes() idiom (pkg/oauth/types.go), which splits a
// token's Scope field on whitespace.
func GrantedTags(tokenScope string) map[string]struct{} {
	granted := make(map[string]struct{})
	for _, s := range strings.Fields(tokenScope) {
		if name, ok := strings.CutPrefix(s, tagScopePrefix); ok {
			granted[name] = struct{}{}
		}
	}
	return granted
}

// ValidateScope checks that every tag named directly in requested (a simple
// "tags=" list) is present in the token's granted tag scopes. Advanced
// expressions and presets are not decomposable into a concrete tag list, so
// scope validation only applies to the simple "tags=" form; open question
// OQ-3 in the spec resolves other cases as "no additional restriction"
// (documented in DESIGN.md).
func ValidateScope(requested []string, tokenScope string) error {
	if len(requested) == 0 {
		return nil
	}
	granted := GrantedTags(tokenScope)
	var missing []string
	for _, t := range requested {
		t = strings.TrimSpace(t)
		if _, ok := granted[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return &InsufficientScopeError{Missing: missing}
	}
	return nil
}

// ErrorBody is the HTTP error envelope required by spec §6:
// {error: {code, message, examples?}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Examples []string `json:"examples,omitempty"`
}

// Resolve parses the connect request's query parameters into a TagFilter and
// enforces the mutual-exclusivity and scope-subset rules. bearerScope is the
// empty string when the request is unauthenticated, in which case scope
// validation is skipped entirely (spec §6: "When scope validation is enabled
// and the session is authenticated").
func Resolve(params tagfilter.Params, presets PresetLookup, bearerScope string) (tagfilter.TagFilter, error) {
	filter, err := tagfilter.Resolve(params, func(name string) (tagfilter.Preset, bool) { return presets(name) })
	if err != nil {
		return tagfilter.TagFilter{}, err
	}
	if bearerScope != "" {
		if err := ValidateScope(params.Tags, bearerScope); err != nil {
			return tagfilter.TagFilter{}, err
		}
	}
	return filter, nil
}

// WriteError writes err as the spec §6 HTTP error envelope, choosing the
// status code and error code from err's concrete type.
func WriteError(w http.ResponseWriter, err error) {
	var invalid *tagfilter.InvalidParamsError
	var insufficient *InsufficientScopeError

	status := http.StatusInternalServerError
	body := ErrorBody{Error: ErrorDetail{Code: "InternalError", Message: err.Error()}}

	switch {
	case asInvalidParams(err, &invalid):
		status = http.StatusBadRequest
		body = ErrorBody{Error: ErrorDetail{Code: "InvalidParams", Message: invalid.Message, Examples: invalid.Examples}}
	case asInsufficientScope(err, &insufficient):
		status = http.StatusForbidden
		body = ErrorBody{Error: ErrorDetail{Code: "insufficient_scope", Message: insufficient.Error()}}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSON(w, body)
}

func asInvalidParams(err error, target **tagfilter.InvalidParamsError) bool {
	if e, ok := err.(*tagfilter.InvalidParamsError); ok {
		*target = e
		return true
	}
	return false
}

func asInsufficientScope(err error, target **InsufficientScopeError) bool {
	if e, ok := err.(*InsufficientScopeError); ok {
		*target = e
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}
