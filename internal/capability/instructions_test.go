package capability

import (
	"testing"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/outbound"

	"github.com/stretchr/testify/assert"
)

func TestInstructionAggregator_ConcatenatesInBackendOrder(t *testing.T) {
	b := outbound.NewConnection(config.BackendConfig{Name: "b", Instructions: "from b"}, &stubClient{})
	a := outbound.NewConnection(config.BackendConfig{Name: "a", Instructions: "from a"}, &stubClient{})

	agg := NewInstructionAggregator(fakeSource{conns: []*outbound.Connection{b, a}}, events.New())
	text := agg.Refresh()

	assert.Equal(t, "from a\n\nfrom b", text)
}

func TestInstructionAggregator_EmitsOnlyOnChange(t *testing.T) {
	bus := events.New()
	var count int
	bus.Subscribe(EventInstructionsChanged, func(any) { count++ })

	a := outbound.NewConnection(config.BackendConfig{Name: "a", Instructions: "hello"}, &stubClient{})
	agg := NewInstructionAggregator(fakeSource{conns: []*outbound.Connection{a}}, bus)

	agg.Refresh()
	agg.Refresh()

	assert.Equal(t, 1, count)
}

func TestInstructionAggregator_SkipsBlankInstructions(t *testing.T) {
	a := outbound.NewConnection(config.BackendConfig{Name: "a", Instructions: "  "}, &stubClient{})
	agg := NewInstructionAggregator(fakeSource{conns: []*outbound.Connection{a}}, events.New())

	assert.Equal(t, "", agg.Refresh())
}
