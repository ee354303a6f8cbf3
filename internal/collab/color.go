package collab

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// Palette is the fixed set of high-contrast presence colors handed out in order.
var Palette = [...]string{
	"#E6194B", // red
	"#3CB44B", // green
	"#4363D8", // blue
	"#F58231", // orange
	"#911EB4", // purple
	"#42D4F4", // cyan
	"#F032E6", // magenta
	"#9A6324", // brown
	"#469990", // teal
	"#000075", // navy
}

type colorSlot struct {
	color      string
	heldBy     string
	lastHolder string
}

// ColorAllocator assigns each user a presence color. Palette slots live in a
// fixed arena; once every slot is held, random colors are generated instead.
type ColorAllocator struct {
	mu       sync.Mutex
	slots    [len(Palette)]colorSlot
	index    map[string]int
	overflow map[string]string
	random   func() uint32
}

func NewColorAllocator() *ColorAllocator {
	a := &ColorAllocator{
		index:    make(map[string]int),
		overflow: make(map[string]string),
		random:   rand.Uint32,
	}
	for i, c := range Palette {
		a.slots[i].color = c
	}
	return a
}

// Assign returns the color held by userID, allocating one if needed.
func (a *ColorAllocator) Assign(userID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i, ok := a.index[userID]; ok {
		return a.slots[i].color
	}
	if c, ok := a.overflow[userID]; ok {
		return c
	}

	free := -1
	for i := range a.slots {
		if a.slots[i].heldBy != "" {
			continue
		}
		if a.slots[i].lastHolder == userID {
			free = i
			break
		}
		if free < 0 {
			free = i
		}
	}
	if free >= 0 {
		a.slots[free].heldBy = userID
		a.slots[free].lastHolder = userID
		a.index[userID] = free
		return a.slots[free].color
	}

	c := fmt.Sprintf("#%06X", a.random()&0xFFFFFF)
	a.overflow[userID] = c
	return c
}

// Release returns the user's color to the pool. Unknown users are ignored.
func (a *ColorAllocator) Release(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i, ok := a.index[userID]; ok {
		a.slots[i].heldBy = ""
		delete(a.index, userID)
		return
	}
	delete(a.overflow, userID)
}

// Color reports the color currently held by userID.
func (a *ColorAllocator) Color(userID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i, ok := a.index[userID]; ok {
		return a.slots[i].color, true
	}
	c, ok := a.overflow[userID]
	return c, ok
}

// Available returns the number of free palette slots.
func (a *ColorAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.index)
}
