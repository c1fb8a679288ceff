package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_FrozenUntilAdvanced(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch, c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), c.Now())

	later := Epoch.AddDate(0, 1, 0)
	c.Set(later)
	assert.Equal(t, later, c.Peek())
}

func TestFakeClock_Step(t *testing.T) {
	c := NewFakeClock(Epoch).WithStep(time.Second)
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Peek(), "Peek does not step")
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("ev")
	assert.Equal(t, "ev-0001", g.Generate())
	assert.Equal(t, "ev-0002", g.Generate())
	g.Reset()
	assert.Equal(t, "ev-0001", g.Generate())
	assert.Equal(t, "id-0001", NewSequentialIDs("").Generate())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	g := NewSequentialIDs("x")
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, dup := seen.LoadOrStore(g.Generate(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
}
