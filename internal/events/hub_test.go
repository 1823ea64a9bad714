package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()
	require.Equal(t, 2, h.Subscribers())

	h.Publish(TypeAgentStatus, map[string]string{"status": "Scanning BTC/USDT..."})
	for _, ch := range []<-chan Event{a, b} {
		evt := <-ch
		assert.Equal(t, TypeAgentStatus, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	}

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeWalletUpdate, 1)
	h.Publish(TypeWalletUpdate, 2)
	h.Publish(TypeWalletUpdate, 3)

	assert.Equal(t, uint64(2), h.Dropped())
	assert.Equal(t, 1, (<-ch).Data)
}

func TestOrNop(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(TypeAgentStatus, nil) })
	assert.IsType(t, Nop{}, OrNop(nil))
	hub := NewHub(0)
	assert.Same(t, hub, OrNop(hub))
}
