package app

import (
	"sync"
	"testing"
	"time"
)

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("conv1")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.Lock("conv1")()
	}()

	// A different key is independent.
	k.Lock("conv2")()

	select {
	case <-acquired:
		t.Fatal("second lock on conv1 acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock on conv1 never acquired")
	}
	if n := k.size(); n != 0 {
		t.Errorf("expected idle keys to be dropped, %d left", n)
	}
}

func TestKeyedMutexConcurrentUse(t *testing.T) {
	k := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("conv1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 || k.size() != 0 {
		t.Errorf("counter = %d, keys = %d", counter, k.size())
	}
}
