package latches

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	wg := l.AcquireLatches([][]byte{{}, {3}, {3, 0, 42}})
	assert.Nil(t, wg)

	// Can only acquire once.
	wg = l.AcquireLatches([][]byte{{}})
	assert.NotNil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)

	// Release then acquire is ok.
	l.ReleaseLatches([][]byte{{}, {3}, {3, 0, 42}})
	wg = l.AcquireLatches([][]byte{{3}})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([][]byte{{3}})
	assert.NotNil(t, wg)
}

func TestDuplicateKeysShareALatch(t *testing.T) {
	l := NewLatchesWithSlots(1)
	assert.Nil(t, l.AcquireLatches([][]byte{{1}, {2}, {1}}))
	l.ReleaseLatches([][]byte{{1}, {2}, {1}})
	assert.Nil(t, l.AcquireLatches([][]byte{{9}}))
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	keys := [][]byte{[]byte("k")}
	l.WaitForLatches(keys)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	go func() {
		l.WaitForLatches(keys)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		l.ReleaseLatches(keys)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	l.ReleaseLatches(keys)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestValidation(t *testing.T) {
	l := NewLatches()
	var seen [][]byte
	l.Validation = func(keys [][]byte) {
		seen = keys
	}
	keys := [][]byte{[]byte("a"), []byte("b")}
	assert.Nil(t, l.AcquireLatches(keys))
	assert.Equal(t, keys, seen)
}
