package tagfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tags(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func TestParse_SimpleTag(t *testing.T) {
	e, err := Parse("network")
	require.NoError(t, err)
	assert.True(t, e.Evaluate(tags("network")))
	assert.False(t, e.Evaluate(tags("storage")))
}

func TestParse_OrOperators(t *testing.T) {
	for _, expr := range []string{"a,b", "a||b", "a or b", "a OR b"} {
		e, err := Parse(expr)
		require.NoError(t, err, expr)
		assert.True(t, e.Evaluate(tags("b")), expr)
		assert.False(t, e.Evaluate(tags("c")), expr)
	}
}

func TestParse_AndOperators(t *testing.T) {
	for _, expr := range []string{"a+b", "a&&b", "a and b"} {
		e, err := Parse(expr)
		require.NoError(t, err, expr)
		assert.True(t, e.Evaluate(tags("a", "b")), expr)
		assert.False(t, e.Evaluate(tags("a")), expr)
	}
}

func TestParse_NotBindsTighterThanAnd(t *testing.T) {
	e, err := Parse("!a+b")
	require.NoError(t, err)
	// !a AND b
	assert.True(t, e.Evaluate(tags("b")))
	assert.False(t, e.Evaluate(tags("a", "b")))
}

func TestParse_AndBindsTighterThanOr(t *testing.T) {
	e, err := Parse("a+b,c")
	require.NoError(t, err)
	// (a AND b) OR c
	assert.True(t, e.Evaluate(tags("a", "b")))
	assert.True(t, e.Evaluate(tags("c")))
	assert.False(t, e.Evaluate(tags("a")))
}

func TestParse_ParensOverridePrecedence(t *testing.T) {
	e, err := Parse("(a,b)+c")
	require.NoError(t, err)
	assert.True(t, e.Evaluate(tags("a", "c")))
	assert.False(t, e.Evaluate(tags("a")))
}

func TestParse_MalformedExpressionFails(t *testing.T) {
	_, err := Parse("a++")
	require.Error(t, err)
	var ipe *InvalidParamsError
	assert.ErrorAs(t, err, &ipe)
}

func TestParse_UnbalancedParensFails(t *testing.T) {
	_, err := Parse("(a,b")
	require.Error(t, err)
}
