package scope

import (
	"net/http/httptest"
	"testing"

	"mcpproxy/internal/tagfilter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noPresets(string) (tagfilter.Preset, bool) { return tagfilter.Preset{}, false }

func TestGrantedTags_ParsesTagScopes(t *testing.T) {
	granted := GrantedTags("openid tag:web tag:db profile")
	assert.Contains(t, granted, "web")
	assert.Contains(t, granted, "db")
	assert.NotContains(t, granted, "openid")
}

func TestValidateScope_AllowsSubset(t *testing.T) {
	err := ValidateScope([]string{"web"}, "tag:web tag:db")
	assert.NoError(t, err)
}

func TestValidateScope_RejectsUngrantedTag(t *testing.T) {
	err := ValidateScope([]string{"web", "admin"}, "tag:web")
	require.Error(t, err)
	var insufficient *InsufficientScopeError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, []string{"admin"}, insufficient.Missing)
}

func TestValidateScope_SkippedWhenUnauthenticated(t *testing.T) {
	filter, err := Resolve(tagfilter.Params{Tags: []string{"web"}}, noPresets, "")
	require.NoError(t, err)
	assert.Equal(t, tagfilter.KindSimple, filter.Kind)
}

func TestResolve_RejectsMultipleFilterForms(t *testing.T) {
	_, err := Resolve(tagfilter.Params{Tags: []string{"web"}, Preset: "prod"}, noPresets, "")
	require.Error(t, err)
	var invalid *tagfilter.InvalidParamsError
	assert.ErrorAs(t, err, &invalid)
}

func TestWriteError_InvalidParamsWritesBadRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &tagfilter.InvalidParamsError{Message: "bad filter", Examples: []string{"tags=a,b"}})
	assert.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidParams")
}

func TestWriteError_InsufficientScopeWritesForbidden(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &InsufficientScopeError{Missing: []string{"admin"}})
	assert.Equal(t, 403, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_scope")
}

func TestBearerToken_ScopesAndOAuth2Conversion(t *testing.T) {
	token := BearerToken{AccessToken: "abc123", Scope: "tag:web tag:db"}
	assert.Equal(t, []string{"tag:web", "tag:db"}, token.Scopes())

	oauthToken := token.ToOAuth2Token()
	assert.Equal(t, "abc123", oauthToken.AccessToken)
	assert.Equal(t, "Bearer", oauthToken.TokenType)
}
