package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendConfig_Equal(t *testing.T) {
	a := BackendConfig{Name: "fs", Command: "mcp-server-filesystem", Tags: []string{"fs"}}
	b := a
	assert.True(t, a.Equal(b))

	b.Tags = []string{"fs", "local"}
	assert.False(t, a.Equal(b))
}

func TestEnableDisableList_Allows(t *testing.T) {
	allow := EnableDisableList{Enabled: []string{"read"}}
	assert.True(t, allow.Allows("read"))
	assert.False(t, allow.Allows("write"))

	deny := EnableDisableList{Disabled: []string{"write"}}
	assert.True(t, deny.Allows("read"))
	assert.False(t, deny.Allows("write"))

	open := EnableDisableList{}
	assert.True(t, open.Allows("anything"))
}
