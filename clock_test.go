package stm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalClockReadTick(t *testing.T) {
	var c GlobalClock
	assert.Equal(t, uint64(0), c.Read())
	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())
	assert.Equal(t, uint64(2), c.Read())
}

func TestGlobalClockConcurrentTick(t *testing.T) {
	var c GlobalClock
	var wg sync.WaitGroup
	const goroutines = 50
	const ticksEach = 200
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < ticksEach; j++ {
				c.Tick()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(goroutines*ticksEach), c.Read())
}
