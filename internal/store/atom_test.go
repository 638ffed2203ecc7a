package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomGetSet(t *testing.T) {
	a := NewAtom(1)
	assert.Equal(t, 1, a.Get())

	a.Set(2)
	assert.Equal(t, 2, a.Get())
}

func TestAtomUpdate(t *testing.T) {
	a := NewAtom(10)
	got := a.Update(func(v int) int { return v + 5 })
	assert.Equal(t, 15, got)
	assert.Equal(t, 15, a.Get())
}

func TestAtomSubscribe(t *testing.T) {
	a := NewAtom("initial")

	var seen []string
	unsubscribe := a.Subscribe(func(v string) { seen = append(seen, v) })

	a.Set("first")
	a.Set("second")
	assert.Equal(t, []string{"first", "second"}, seen)

	unsubscribe()
	a.Set("third")
	assert.Equal(t, []string{"first", "second"}, seen)

	// Unsubscribing twice is harmless.
	unsubscribe()
}

func TestAtomMultipleSubscribers(t *testing.T) {
	a := NewAtom(0)

	count := 0
	unsub1 := a.Subscribe(func(int) { count++ })
	defer unsub1()
	unsub2 := a.Subscribe(func(int) { count++ })

	a.Set(1)
	assert.Equal(t, 2, count)

	unsub2()
	a.Set(2)
	assert.Equal(t, 3, count)
}
