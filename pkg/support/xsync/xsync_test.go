package xsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	var released atomic.Int32
	done := make(chan struct{})
	for range 3 {
		go func() {
			l.Wait()
			if released.Add(1) == 3 {
				close(done)
			}
		}()
	}
	l.Trigger()
	l.Trigger() // Second trigger is a no-op.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not released")
	}
	assert.True(t, l.Test())
	<-l.WaitChan()
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero count doesn't block.

	wg.Add(2)
	assert.Equal(t, 2, wg.Count())
	finished := NewLatch()
	go func() {
		wg.Wait()
		finished.Trigger()
	}()
	wg.Done()
	wg.Add(1) // Added while someone is waiting.
	wg.Done()
	assert.False(t, finished.Test())
	wg.Done()
	select {
	case <-finished.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("Wait() didn't return after the counter reached 0")
	}
	assert.Panics(t, func() { wg.Done() })
}
