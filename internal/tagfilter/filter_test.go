package tagfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_RejectsMultipleForms(t *testing.T) {
	_, err := Resolve(Params{Tags: []string{"a"}, Preset: "p"}, nil)
	require.Error(t, err)
}

func TestResolve_NoneWhenEmpty(t *testing.T) {
	f, err := Resolve(Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindNone, f.Kind)
	assert.True(t, f.Matches(tags()))
}

func TestResolve_SimpleTagsList(t *testing.T) {
	f, err := Resolve(Params{Tags: []string{"a", "b"}}, nil)
	require.NoError(t, err)
	assert.True(t, f.Matches(tags("b")))
	assert.False(t, f.Matches(tags("c")))
}

func TestResolve_PresetLookupFailureIsInvalidParams(t *testing.T) {
	_, err := Resolve(Params{Preset: "missing"}, func(string) (Preset, bool) { return Preset{}, false })
	require.Error(t, err)
}

func TestResolvePreset_OrStrategy(t *testing.T) {
	f, err := ResolvePreset(Preset{Name: "p", Strategy: StrategyOr, Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.True(t, f.Matches(tags("a")))
	assert.Equal(t, "p", f.PresetName)
}

func TestResolvePreset_AndStrategy(t *testing.T) {
	f, err := ResolvePreset(Preset{Name: "p", Strategy: StrategyAnd, Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.False(t, f.Matches(tags("a")))
	assert.True(t, f.Matches(tags("a", "b")))
}

func TestResolvePreset_AdvancedStrategy(t *testing.T) {
	f, err := ResolvePreset(Preset{Name: "p", Strategy: StrategyAdvanced, Expression: "!deprecated"})
	require.NoError(t, err)
	assert.True(t, f.Matches(tags("stable")))
	assert.False(t, f.Matches(tags("deprecated")))
}

func TestResolvePreset_UnknownStrategyFails(t *testing.T) {
	_, err := ResolvePreset(Preset{Name: "p", Strategy: "bogus"})
	require.Error(t, err)
}
