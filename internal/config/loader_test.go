package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0o644))
}

func TestLoad_MissingFileReturnsEmptyFleet(t *testing.T) {
	dir := t.TempDir()

	result, err := Load(dir)

	require.NoError(t, err)
	assert.Empty(t, result.Servers)
	assert.Empty(t, result.Templates)
}

func TestLoad_ParsesServersAndTemplates(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mcpServers:
  fs:
    command: mcp-server-filesystem
    args: ["/data"]
    tags: [fs, local]
  db:
    url: https://db.internal/mcp
    tags: [db]
mcpTemplates:
  proj:
    command: mcp-server-project
    tags: [proj]
    template:
      shareable: true
      idleTimeout: 1m
`)

	result, err := Load(dir)

	require.NoError(t, err)
	require.Len(t, result.Servers, 2)
	assert.Equal(t, "fs", result.Servers["fs"].Name)
	assert.ElementsMatch(t, []string{"fs", "local"}, result.Servers["fs"].Tags)
	require.Len(t, result.Templates, 1)
	assert.True(t, result.Templates["proj"].Template.Shareable)
	assert.Empty(t, result.Errors)
}

func TestLoad_DropsInvalidEntriesButKeepsValidOnes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mcpServers:
  ok:
    command: mcp-server-ok
  bad-both:
    command: mcp-server-bad
    url: https://example.com/mcp
  bad-neither: {}
`)

	result, err := Load(dir)

	require.NoError(t, err)
	require.Len(t, result.Servers, 1)
	assert.Contains(t, result.Servers, "ok")
	assert.Len(t, result.Errors, 2)
}

func TestValidateBackend_ExactlyOneOfCommandOrURL(t *testing.T) {
	assert.Error(t, ValidateBackend("x", BackendConfig{}))
	assert.Error(t, ValidateBackend("x", BackendConfig{Command: "a", URL: "b"}))
	assert.NoError(t, ValidateBackend("x", BackendConfig{Command: "a"}))
	assert.NoError(t, ValidateBackend("x", BackendConfig{URL: "b"}))
}

func TestValidateBackend_RejectsBadTagNames(t *testing.T) {
	assert.Error(t, ValidateBackend("x", BackendConfig{Command: "a", Tags: []string{"1bad"}}))
	assert.NoError(t, ValidateBackend("x", BackendConfig{Command: "a", Tags: []string{"good_tag-1"}}))
}
