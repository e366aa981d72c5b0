package events

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_EmitInvokesSubscribers(t *testing.T) {
	bus := New()
	var got any
	bus.Subscribe("backend-up", func(payload any) { got = payload })

	bus.Emit("backend-up", "fs")

	assert.Equal(t, "fs", got)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	var calls int32
	unsub := bus.Subscribe("x", func(any) { atomic.AddInt32(&calls, 1) })

	bus.Emit("x", nil)
	unsub()
	bus.Emit("x", nil)

	assert.Equal(t, int32(1), calls)
}

func TestBus_RecoversFromPanickingHandler(t *testing.T) {
	bus := New()
	var secondCalled bool
	bus.Subscribe("x", func(any) { panic("boom") })
	bus.Subscribe("x", func(any) { secondCalled = true })

	assert.NotPanics(t, func() { bus.Emit("x", nil) })
	assert.True(t, secondCalled)
}

func TestBus_RecursiveEmitIsDropped(t *testing.T) {
	bus := New()
	var calls int32
	bus.Subscribe("disconnect", func(any) {
		atomic.AddInt32(&calls, 1)
		bus.Emit("disconnect", nil) // re-entrant; must be dropped
	})

	bus.Emit("disconnect", nil)

	assert.Equal(t, int32(1), calls)
}
