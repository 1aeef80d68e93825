package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifierCoalesces(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()

	n.Notify()
	n.Notify()
	n.Notify()

	assert.Len(t, ch, 1)
	<-ch
	assert.Len(t, ch, 0)

	cancel()
	cancel()
	assert.Equal(t, 0, n.Len())

	// notifying after cancel does not block or deliver
	n.Notify()
	assert.Len(t, ch, 0)
}

func TestNotifierFanOut(t *testing.T) {
	n := NewNotifier()
	a, cancelA := n.Subscribe()
	b, cancelB := n.Subscribe()
	defer cancelA()
	defer cancelB()

	n.Notify()
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
	assert.Equal(t, 2, n.Len())
}
