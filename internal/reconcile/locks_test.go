package reconcile

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestOrderLocksSerializePerID(t *testing.T) {
	locks := newOrderLocks()
	id := uuid.New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock(id)
			defer locks.Unlock(id)
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, locks.locks, "entries are reclaimed after the last release")
}

func TestOrderLocksIndependentIDs(t *testing.T) {
	locks := newOrderLocks()
	a, b := uuid.New(), uuid.New()

	locks.Lock(a)
	done := make(chan struct{})
	go func() {
		locks.Lock(b) // must not block on a's lock
		locks.Unlock(b)
		close(done)
	}()
	<-done
	locks.Unlock(a)
}
