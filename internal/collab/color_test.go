package collab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorAssignIsIdempotentAndOrdered(t *testing.T) {
	a := NewColorAllocator()

	first := a.Assign("alice")
	assert.Equal(t, Palette[0], first)
	assert.Equal(t, first, a.Assign("alice"))
	assert.Equal(t, Palette[1], a.Assign("bob"))

	c, ok := a.Color("bob")
	require.True(t, ok)
	assert.Equal(t, Palette[1], c)

	_, ok = a.Color("carol")
	assert.False(t, ok)
}

func TestColorsUniqueWhilePaletteSuffices(t *testing.T) {
	a := NewColorAllocator()
	seen := map[string]string{}
	for i := 0; i < len(Palette); i++ {
		user := fmt.Sprintf("user-%d", i)
		c := a.Assign(user)
		other, dup := seen[c]
		assert.False(t, dup, "color %s handed to %s and %s", c, other, user)
		seen[c] = user
	}
	assert.Equal(t, 0, a.Available())
}

func TestColorFallsBackToRandomWhenExhausted(t *testing.T) {
	a := NewColorAllocator()
	a.random = func() uint32 { return 0x123456 }
	for i := 0; i < len(Palette); i++ {
		a.Assign(fmt.Sprintf("user-%d", i))
	}

	c := a.Assign("late")
	assert.Equal(t, "#123456", c)
	assert.Equal(t, c, a.Assign("late"))

	a.Release("late")
	_, ok := a.Color("late")
	assert.False(t, ok)
}

func TestColorReleaseFreesSlotForOthers(t *testing.T) {
	a := NewColorAllocator()
	a.Assign("alice")
	a.Assign("bob")
	a.Release("alice")

	assert.Equal(t, len(Palette)-1, a.Available())
	assert.Equal(t, Palette[0], a.Assign("carol"))
}

func TestColorStableAcrossRelease(t *testing.T) {
	a := NewColorAllocator()
	a.Assign("bob")
	alice := a.Assign("alice")
	a.Release("bob")
	a.Release("alice")

	assert.Equal(t, alice, a.Assign("alice"), "previous slot should be preferred while free")
}

func TestColorReleaseUnknownIsNoop(t *testing.T) {
	a := NewColorAllocator()
	assert.NotPanics(t, func() { a.Release("ghost") })
	assert.Equal(t, len(Palette), a.Available())
}

func TestColorConcurrentAssign(t *testing.T) {
	a := NewColorAllocator()
	var wg sync.WaitGroup
	colors := make([]string, len(Palette))
	for i := range colors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			colors[i] = a.Assign(fmt.Sprintf("u%d", i))
		}(i)
	}
	wg.Wait()

	unique := map[string]struct{}{}
	for _, c := range colors {
		unique[c] = struct{}{}
	}
	assert.Len(t, unique, len(Palette))
}
